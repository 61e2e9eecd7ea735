// Package schedule keeps the durable list of messages that must be deleted
// later and sweeps it on a timer.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"filelink-bot/model"
	"filelink-bot/transport"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filelink_sweep_runs_total",
		Help: "Completed deletion sweeps.",
	})

	obligationsFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filelink_obligations_fulfilled_total",
		Help: "Deletion obligations marked fulfilled.",
	})

	deletionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filelink_deletion_errors_total",
		Help: "Deletions that failed and were left for the next sweep.",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filelink_sweep_duration_seconds",
		Help:    "Duration of deletion sweeps.",
		Buckets: prometheus.DefBuckets,
	})
)

type Store interface {
	AddObligation(ctx context.Context, chatID int64, messageID int, fireAt time.Time) error
	DueObligations(ctx context.Context, now time.Time, limit int) ([]model.DeletionObligation, error)
	ClaimObligation(ctx context.Context, id uint, now, until time.Time) (bool, error)
	ReleaseObligation(ctx context.Context, id uint) error
	MarkFulfilled(ctx context.Context, id uint, at time.Time) (bool, error)
}

type Deleter interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

type Options struct {
	// Interval between sweeps. cron cannot go below one second.
	Interval time.Duration
	// ClaimTTL is how long a sweep owns an obligation before another sweep
	// may retry it.
	ClaimTTL time.Duration
	// DispatchDelay is waited once per sweep before the first deletion.
	DispatchDelay time.Duration
	Workers       int
	// BatchLimit caps the obligations loaded per sweep, 0 for no cap.
	BatchLimit int
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Due       int
	Claimed   int
	Fulfilled int
	Failed    int
}

type Scheduler struct {
	store   Store
	deleter Deleter
	opts    Options
	log     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(store Store, deleter Deleter, opts Options, log *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	return &Scheduler{
		store:   store,
		deleter: deleter,
		opts:    opts,
		log:     log.Named("schedule"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Schedule records that the message must be deleted after delay. A
// non-positive delay means the message is kept.
func (s *Scheduler) Schedule(ctx context.Context, chatID int64, messageID int, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	fireAt := s.now().Add(delay)
	if err := s.store.AddObligation(ctx, chatID, messageID, fireAt); err != nil {
		return err
	}
	s.log.Debug("deletion scheduled",
		zap.Int64("chat_id", chatID),
		zap.Int("message_id", messageID),
		zap.Time("fire_at", fireAt))
	return nil
}

// Start runs Sweep every Interval until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc("@every "+s.opts.Interval.String(), func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return errors.Wrap(err, "add sweep job")
	}

	c.Start()
	s.cron, s.cancel = c, cancel
	s.log.Info("scheduler started", zap.Duration("interval", s.opts.Interval))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Sweep deletes every due obligation it manages to claim. Obligations that
// fail are released and picked up again by a later sweep.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	due, err := s.store.DueObligations(ctx, now, s.opts.BatchLimit)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Due: len(due)}
	if len(due) == 0 {
		sweepRunsTotal.Inc()
		return res, nil
	}

	if s.opts.DispatchDelay > 0 {
		if err := s.sleep(ctx, s.opts.DispatchDelay); err != nil {
			return res, err
		}
	}

	var claimed, fulfilled, failed atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Workers)
	for _, o := range due {
		o := o
		eg.Go(func() error {
			ok, err := s.store.ClaimObligation(egCtx, o.ID, now, now.Add(s.opts.ClaimTTL))
			if err != nil {
				s.log.Warn("claim failed", zap.Uint("obligation", o.ID), zap.Error(err))
				return nil
			}
			if !ok {
				return nil
			}
			claimed.Add(1)
			if s.fulfil(egCtx, o) {
				fulfilled.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	eg.Wait()

	res.Claimed = int(claimed.Load())
	res.Fulfilled = int(fulfilled.Load())
	res.Failed = int(failed.Load())
	sweepRunsTotal.Inc()
	if res.Claimed > 0 {
		s.log.Info("sweep finished",
			zap.Int("due", res.Due),
			zap.Int("fulfilled", res.Fulfilled),
			zap.Int("failed", res.Failed))
	}
	return res, ctx.Err()
}

// fulfil deletes one claimed message. Messages that are already gone or
// cannot be deleted count as done.
func (s *Scheduler) fulfil(ctx context.Context, o model.DeletionObligation) bool {
	log := s.log.With(zap.Int64("chat_id", o.ChatID), zap.Int("message_id", o.MessageID))

	err := s.deleter.DeleteMessage(ctx, o.ChatID, o.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrForbidden), errors.Is(err, transport.ErrMessageMissing):
		log.Debug("message already gone", zap.Error(err))
	default:
		deletionErrorsTotal.Inc()
		log.Warn("delete failed, retrying next sweep", zap.Error(err))
		if err := s.store.ReleaseObligation(context.WithoutCancel(ctx), o.ID); err != nil {
			log.Error("release failed", zap.Error(err))
		}
		return false
	}

	ok, err := s.store.MarkFulfilled(context.WithoutCancel(ctx), o.ID, s.now())
	if err != nil {
		log.Error("mark fulfilled failed", zap.Error(err))
		return false
	}
	if ok {
		obligationsFulfilledTotal.Inc()
	}
	return ok
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger routes cron's own messages into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
