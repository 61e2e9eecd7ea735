package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filelink-bot/bot"
	"filelink-bot/config"
	"filelink-bot/delivery"
	"filelink-bot/gate"
	"filelink-bot/link"
	"filelink-bot/schedule"
	"filelink-bot/store"
	"filelink-bot/store/mongostore"
	"filelink-bot/telegram"
	"filelink-bot/web"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	fs := pflag.NewFlagSet("filelink-bot", pflag.ExitOnError)
	config.Flags(fs)
	fs.Parse(os.Args[1:])

	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs.Changed("config"), fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Service failed", zap.Error(err))
	}
	logger.Info("Service stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
	if cfg.Database.Driver == config.DriverMongo {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return mongostore.Open(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase, logger)
	}
	return store.Open(cfg.Database.Path, logger)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()

	err = st.EnsureDefaults(ctx, store.Defaults{
		Admins:            cfg.Bot.Admins,
		FileDeleteTime:    cfg.Delivery.FileDeleteTime,
		MessageDeleteTime: cfg.Delivery.MessageDeleteTime,
	})
	if err != nil {
		return errors.Wrap(err, "seed settings")
	}

	api, err := bot.NewAPI(cfg.Bot.Token, cfg.Bot.PollTimeout, logger)
	if err != nil {
		return err
	}
	client := telegram.NewClient(api, cfg.Bot.ScratchChat, logger)

	g := gate.New(st, client, gate.Options{
		InviteCacheSize: cfg.Gate.InviteCacheSize,
		InviteCacheTTL:  cfg.Gate.InviteCacheTTL,
	}, logger)
	codec := link.NewCodec(st)

	sched := schedule.New(st, client, schedule.Options{
		Interval:      cfg.Schedule.SweepInterval,
		ClaimTTL:      cfg.Schedule.ClaimTTL,
		DispatchDelay: cfg.Schedule.DispatchDelay,
		Workers:       cfg.Schedule.Workers,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	defer sched.Stop()

	pipeline := delivery.New(g, codec, client, st, sched, delivery.Options{
		ItemPause:    cfg.Delivery.ItemPause,
		CaptionLimit: cfg.Delivery.CaptionLimit,
	}, logger)

	b := bot.NewBot(ctx, api, st, g, pipeline, codec, client, bot.Options{
		StorageChannel: cfg.Bot.StorageChannel,
	}, logger)

	srv := web.New(cfg.HTTP.Addr, st, logger)
	webErr := make(chan error, 1)
	go func() { webErr <- srv.Run(ctx) }()

	go b.Start()
	logger.Info("Service started",
		zap.String("driver", cfg.Database.Driver),
		zap.String("http_addr", cfg.HTTP.Addr))

	select {
	case <-ctx.Done():
		err = <-webErr
	case err = <-webErr:
	}
	logger.Info("Shutting down")
	b.Stop()
	if err != nil {
		return errors.Wrap(err, "status server")
	}
	return nil
}
