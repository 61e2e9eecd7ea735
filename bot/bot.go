package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"filelink-bot/delivery"
	"filelink-bot/gate"
	"filelink-bot/link"
	"filelink-bot/store"
	"filelink-bot/telegram"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

// User States
const (
	StateNone = iota
	StateBatch_WaitFirst
	StateBatch_WaitLast
)

// handlerTimeout bounds one update. Batches pause between items, so this is
// generous.
const handlerTimeout = 5 * time.Minute

type Bot struct {
	B        *telebot.Bot
	Store    store.Backend
	Gate     *gate.Gate
	Pipeline *delivery.Pipeline
	Codec    *link.Codec
	Client   *telegram.Client

	storageChannel int64
	log            *zap.Logger
	ctx            context.Context

	// State management
	states    map[int64]int
	tempData  map[int64]map[string]string
	stateLock sync.RWMutex
}

func escapeMarkdownV2(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeMarkdownV2Code(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '`', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Keyboards
var (
	btnRefresh = telebot.Btn{Text: "🔄 Refresh", Unique: "refresh"}
)

// NewAPI connects to the Bot API with long polling, including the join
// request updates the gate ledger needs.
func NewAPI(token string, pollTimeout time.Duration, log *zap.Logger) (*telebot.Bot, error) {
	pref := telebot.Settings{
		Token: token,
		Poller: &telebot.LongPoller{
			Timeout:        pollTimeout,
			AllowedUpdates: []string{"message", "callback_query", "chat_join_request"},
		},
		OnError: func(err error, c telebot.Context) {
			fields := []zap.Field{zap.Error(err)}
			if c != nil && c.Sender() != nil {
				fields = append(fields, zap.Int64("user_id", c.Sender().ID))
			}
			log.Error("handler failed", fields...)
		},
	}
	b, err := telebot.NewBot(pref)
	return b, errors.Wrap(err, "connect bot api")
}

type Options struct {
	StorageChannel int64
}

func NewBot(ctx context.Context, b *telebot.Bot, st store.Backend, g *gate.Gate, p *delivery.Pipeline, codec *link.Codec, client *telegram.Client, opts Options, log *zap.Logger) *Bot {
	bot := &Bot{
		B:              b,
		Store:          st,
		Gate:           g,
		Pipeline:       p,
		Codec:          codec,
		Client:         client,
		storageChannel: opts.StorageChannel,
		log:            log.Named("bot"),
		ctx:            ctx,
		states:         make(map[int64]int),
		tempData:       make(map[int64]map[string]string),
	}

	bot.registerHandlers()
	return bot
}

// Start blocks until Stop is called.
func (bot *Bot) Start() {
	bot.log.Info("bot started", zap.String("username", bot.B.Me.Username))
	bot.B.Start()
}

func (bot *Bot) Stop() {
	bot.B.Stop()
}

func (bot *Bot) registerHandlers() {
	// Commands
	bot.B.Handle("/start", bot.handleStart)

	// Admin commands
	admin := bot.adminOnly
	bot.B.Handle("/batch", bot.handleBatch, admin)
	bot.B.Handle("/cancel", bot.handleCancel, admin)
	bot.B.Handle("/genlink", bot.handleGenLink, admin)
	bot.B.Handle("/ban", bot.handleBan, admin)
	bot.B.Handle("/unban", bot.handleUnban, admin)
	bot.B.Handle("/user", bot.handleUser, admin)
	bot.B.Handle("/addadmin", bot.handleAddAdmin, admin)
	bot.B.Handle("/deladmin", bot.handleDelAdmin, admin)
	bot.B.Handle("/settime", bot.handleSetTime, admin)
	bot.B.Handle("/fsub", bot.handleForceSub, admin)
	bot.B.Handle(telebot.OnMedia, bot.handleUpload, admin)

	// Inline Buttons
	bot.B.Handle(&btnRefresh, bot.handleRefresh)

	// Join requests feed the request ledger
	bot.B.Handle(telebot.OnChatJoinRequest, bot.handleJoinRequest)

	// Generic Text Handler (for inputs)
	bot.B.Handle(telebot.OnText, bot.handleText)
}

// requestContext bounds the work done for one update.
func (bot *Bot) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(bot.ctx, handlerTimeout)
}

// adminOnly drops updates from non-admins and banned admins without a reply.
func (bot *Bot) adminOnly(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		if c.Sender() == nil || c.Chat() == nil || c.Chat().Type != telebot.ChatPrivate {
			return nil
		}
		ctx, cancel := bot.requestContext()
		defer cancel()

		status, err := bot.Gate.Authorize(ctx, c.Sender().ID)
		if err != nil {
			return errors.Wrap(err, "authorize")
		}
		if status != gate.Allowed {
			bot.log.Debug("admin command dropped",
				zap.Int64("user_id", c.Sender().ID),
				zap.Stringer("status", status))
			return nil
		}
		return next(c)
	}
}

// Helper to manage state
func (bot *Bot) setState(userID int64, state int) {
	bot.stateLock.Lock()
	defer bot.stateLock.Unlock()
	bot.states[userID] = state
	if state == StateNone {
		delete(bot.tempData, userID)
	}
}

func (bot *Bot) getState(userID int64) int {
	bot.stateLock.RLock()
	defer bot.stateLock.RUnlock()
	return bot.states[userID]
}

func (bot *Bot) setTempData(userID int64, key, value string) {
	bot.stateLock.Lock()
	defer bot.stateLock.Unlock()
	if bot.tempData[userID] == nil {
		bot.tempData[userID] = make(map[string]string)
	}
	bot.tempData[userID][key] = value
}

func (bot *Bot) getTempData(userID int64, key string) string {
	bot.stateLock.RLock()
	defer bot.stateLock.RUnlock()
	if bot.tempData[userID] == nil {
		return ""
	}
	return bot.tempData[userID][key]
}

// Global Text Handler (State Machine)
func (bot *Bot) handleText(c telebot.Context) error {
	if c.Chat() == nil || c.Chat().Type != telebot.ChatPrivate {
		return nil
	}
	userID := c.Sender().ID

	ctx, cancel := bot.requestContext()
	defer cancel()
	isAdmin, err := bot.Gate.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !isAdmin {
		if strings.HasPrefix(c.Text(), "/") {
			return c.Reply(arrogantReplyText)
		}
		return c.Reply(notAllowedText)
	}

	switch bot.getState(userID) {
	case StateBatch_WaitFirst:
		return bot.batchFirst(c)
	case StateBatch_WaitLast:
		return bot.batchLast(ctx, c)
	}
	return nil
}
