// Package delivery opens share links: it asks the gate, resolves the token
// and copies the stored messages to the requester, registering every
// delivered message for later deletion.
package delivery

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"filelink-bot/gate"
	"filelink-bot/link"
	"filelink-bot/model"
	"filelink-bot/transport"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrContentGone means none of the referenced source messages still exist.
var ErrContentGone = errors.New("content gone")

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filelink_deliveries_total",
		Help: "Open-link requests by kind and outcome.",
	}, []string{"kind", "outcome"})

	deliveredMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filelink_delivered_messages_total",
		Help: "Messages copied to requesters.",
	})
)

type Gate interface {
	Evaluate(ctx context.Context, userID int64) (gate.Verdict, error)
}

type Resolver interface {
	Resolve(ctx context.Context, payload string) (link.Target, error)
}

type Messenger interface {
	FetchMessage(ctx context.Context, loc model.Location) (transport.Message, error)
	CopyMessage(ctx context.Context, msg transport.Message, chatID int64, caption string) (transport.Message, error)
	SendText(ctx context.Context, chatID int64, replyTo int, text string) (transport.Message, error)
}

type Store interface {
	IncrementFilesReceived(ctx context.Context, id int64, n int64) error
	DeleteDelays(ctx context.Context) (file, notice time.Duration, err error)
}

type Scheduler interface {
	Schedule(ctx context.Context, chatID int64, messageID int, delay time.Duration) error
}

type Options struct {
	ItemPause    time.Duration
	CaptionLimit int
}

// Request is one "open link" action. Transient requests, such as a refresh
// button press, have no command message of their own to clean up.
type Request struct {
	UserID           int64
	ChatID           int64
	Payload          string
	CommandMessageID int
	Transient        bool
}

type Result struct {
	Verdict   gate.Verdict
	Kind      link.Kind
	Delivered []int
	Skipped   int
	NoticeID  int
}

type Pipeline struct {
	gate     Gate
	resolver Resolver
	msgr     Messenger
	store    Store
	sched    Scheduler
	opts     Options
	log      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(g Gate, resolver Resolver, msgr Messenger, store Store, sched Scheduler, opts Options, log *zap.Logger) *Pipeline {
	if opts.ItemPause < 0 {
		opts.ItemPause = 0
	}
	if opts.CaptionLimit <= 0 {
		opts.CaptionLimit = 1000
	}
	return &Pipeline{
		gate:     g,
		resolver: resolver,
		msgr:     msgr,
		store:    store,
		sched:    sched,
		opts:     opts,
		log:      log.Named("delivery"),
		sleep:    sleepContext,
	}
}

// OpenLink runs the whole flow for one request. A Blocked verdict is a
// normal result, not an error; the caller renders the unmet channels.
func (p *Pipeline) OpenLink(ctx context.Context, req Request) (res Result, err error) {
	log := p.log.With(zap.Int64("user_id", req.UserID), zap.String("payload", req.Payload))

	fileDelay, noticeDelay, err := p.store.DeleteDelays(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "load delete delays")
	}

	if req.Payload != "" && !req.Transient && req.CommandMessageID != 0 {
		defer func() {
			p.schedule(context.WithoutCancel(ctx), req.ChatID, req.CommandMessageID, fileDelay)
		}()
	}
	defer func() {
		if req.Payload != "" {
			deliveriesTotal.WithLabelValues(res.Kind.String(), outcome(res, err)).Inc()
		}
	}()

	res.Verdict, err = p.gate.Evaluate(ctx, req.UserID)
	if err != nil {
		return res, errors.Wrap(err, "evaluate gate")
	}
	if res.Verdict.Status != gate.Allowed || req.Payload == "" {
		return res, nil
	}

	target, err := p.resolver.Resolve(ctx, req.Payload)
	if err != nil {
		return res, err
	}
	res.Kind = target.Kind

	switch target.Kind {
	case link.KindSingle:
		err = p.single(ctx, req, target.Location, fileDelay, noticeDelay, &res)
	case link.KindBatch:
		err = p.batch(ctx, req, target.Batch.Locations, fileDelay, noticeDelay, &res)
	}
	if err != nil {
		log.Info("delivery failed", zap.Stringer("kind", target.Kind), zap.Error(err))
		return res, err
	}
	log.Info("delivered",
		zap.Stringer("kind", target.Kind),
		zap.Int("messages", len(res.Delivered)),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (p *Pipeline) single(ctx context.Context, req Request, loc model.Location, fileDelay, noticeDelay time.Duration, res *Result) error {
	msg, err := p.fetch(ctx, loc)
	if err != nil {
		return err
	}
	copied, err := p.copy(ctx, msg, req.ChatID)
	if errors.Is(err, transport.ErrMessageMissing) {
		return errors.Wrapf(ErrContentGone, "message %s/%d", loc.Peer(), loc.MessageID)
	}
	if err != nil {
		return errors.Wrap(err, "copy message")
	}
	res.Delivered = append(res.Delivered, copied.ID)
	deliveredMessagesTotal.Inc()

	if err := p.store.IncrementFilesReceived(ctx, req.UserID, 1); err != nil {
		p.log.Error("files received not updated", zap.Int64("user_id", req.UserID), zap.Error(err))
	}
	p.schedule(ctx, req.ChatID, copied.ID, fileDelay)

	if fileDelay > 0 {
		res.NoticeID = p.notice(ctx, req.ChatID, copied.ID, singleNotice(fileDelay), noticeDelay)
	}
	return nil
}

func (p *Pipeline) batch(ctx context.Context, req Request, locs []model.Location, fileDelay, noticeDelay time.Duration, res *Result) error {
	// The whole batch counts up front, whatever ends up delivered.
	if err := p.store.IncrementFilesReceived(ctx, req.UserID, int64(len(locs))); err != nil {
		p.log.Error("files received not updated", zap.Int64("user_id", req.UserID), zap.Error(err))
	}

	for i, loc := range locs {
		log := p.log.With(zap.String("chat", loc.Peer()), zap.Int("message_id", loc.MessageID))

		msg, err := p.fetch(ctx, loc)
		if err != nil {
			res.Skipped++
			log.Warn("batch item skipped", zap.Error(err))
			continue
		}
		copied, err := p.copy(ctx, msg, req.ChatID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Skipped++
			log.Warn("batch item not copied", zap.Error(err))
			continue
		}
		res.Delivered = append(res.Delivered, copied.ID)
		deliveredMessagesTotal.Inc()
		p.schedule(ctx, req.ChatID, copied.ID, fileDelay)

		if i < len(locs)-1 && p.opts.ItemPause > 0 {
			if err := p.sleep(ctx, p.opts.ItemPause); err != nil {
				return err
			}
		}
	}

	if len(res.Delivered) == 0 {
		return errors.Wrapf(ErrContentGone, "none of %d batch items exist", len(locs))
	}
	if fileDelay > 0 {
		res.NoticeID = p.notice(ctx, req.ChatID, req.CommandMessageID, batchNotice(fileDelay), noticeDelay)
	}
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, loc model.Location) (transport.Message, error) {
	msg, err := p.msgr.FetchMessage(ctx, loc)
	if errors.Is(err, transport.ErrMessageMissing) || (err == nil && !msg.HasContent) {
		return transport.Message{}, errors.Wrapf(ErrContentGone, "message %s/%d", loc.Peer(), loc.MessageID)
	}
	if err != nil {
		return transport.Message{}, errors.Wrap(err, "fetch message")
	}
	return msg, nil
}

// copy delivers msg to chatID. A rate limit is waited out once and the copy
// retried; a second failure is returned.
func (p *Pipeline) copy(ctx context.Context, msg transport.Message, chatID int64) (transport.Message, error) {
	caption := truncate(msg.Caption, p.opts.CaptionLimit)

	out, err := p.msgr.CopyMessage(ctx, msg, chatID, caption)
	wait, limited := transport.RetryAfter(err)
	if !limited {
		return out, err
	}

	p.log.Info("rate limited, retrying once", zap.Duration("retry_after", wait), zap.Int("message_id", msg.ID))
	if err := p.sleep(ctx, wait); err != nil {
		return transport.Message{}, err
	}
	return p.msgr.CopyMessage(ctx, msg, chatID, caption)
}

func (p *Pipeline) notice(ctx context.Context, chatID int64, replyTo int, text string, delay time.Duration) int {
	msg, err := p.msgr.SendText(ctx, chatID, replyTo, text)
	if err != nil {
		p.log.Warn("deletion notice not sent", zap.Int64("chat_id", chatID), zap.Error(err))
		return 0
	}
	p.schedule(ctx, chatID, msg.ID, delay)
	return msg.ID
}

func (p *Pipeline) schedule(ctx context.Context, chatID int64, messageID int, delay time.Duration) {
	if err := p.sched.Schedule(ctx, chatID, messageID, delay); err != nil {
		p.log.Error("deletion not scheduled",
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID),
			zap.Error(err))
	}
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Verdict.Status == gate.Blocked:
		return "blocked"
	case err == nil:
		return "delivered"
	case errors.Is(err, link.ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, ErrContentGone):
		return "content_gone"
	}
	return "error"
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func singleNotice(d time.Duration) string {
	return fmt.Sprintf("Your 📁 file will auto delete in ⏰ %s. ↗ Forward it anywhere or save it privately before downloading.", HumanDuration(d))
}

func batchNotice(d time.Duration) string {
	return fmt.Sprintf("Your 📁 files will auto delete in ⏰ %s. ↗ Forward them anywhere or save them privately before downloading.", HumanDuration(d))
}

// HumanDuration renders d the way notices show it, e.g. "1 hour 30 minutes".
func HumanDuration(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}
	units := []struct {
		name string
		size time.Duration
	}{
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
		{"second", time.Second},
	}

	out := ""
	for _, u := range units {
		n := d / u.size
		if n == 0 {
			continue
		}
		d -= n * u.size
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%d %s", n, u.name)
		if n != 1 {
			out += "s"
		}
	}
	return out
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
