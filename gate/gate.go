// Package gate decides whether a user may receive content: configured
// administrators always pass, everybody else must be a member of every
// enabled force-subscription channel.
package gate

import (
	"context"
	"time"

	"filelink-bot/model"
	"filelink-bot/transport"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filelink_gate_verdicts_total",
		Help: "Gate evaluations by verdict.",
	}, []string{"verdict"})

	requirementSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filelink_gate_requirement_skips_total",
		Help: "Requirements skipped because the channel or its invite link could not be loaded.",
	})
)

type Status int

const (
	Allowed Status = iota + 1
	Blocked
	Banned
	Denied
)

func (s Status) String() string {
	switch s {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case Banned:
		return "banned"
	case Denied:
		return "denied"
	}
	return "unknown"
}

type ChannelStatus struct {
	Key        string
	Title      string
	ChannelID  int64
	InviteLink string
	Joined     bool
}

// Verdict is the outcome of one evaluation. Channels lists every evaluated
// requirement in declaration order, skipped ones excluded.
type Verdict struct {
	Status   Status
	Channels []ChannelStatus
}

// Unmet returns the channels the user still has to join, in order.
func (v Verdict) Unmet() []ChannelStatus {
	var out []ChannelStatus
	for _, ch := range v.Channels {
		if !ch.Joined {
			out = append(out, ch)
		}
	}
	return out
}

type Store interface {
	Admins(ctx context.Context) ([]int64, error)
	IsBanned(ctx context.Context, id int64) (bool, error)
	Requirements(ctx context.Context) ([]model.ChannelRequirement, error)
	HasJoinRequest(ctx context.Context, chatID, userID int64) (bool, error)
	AddJoinRequest(ctx context.Context, chatID, userID int64) (bool, error)
}

type Messenger interface {
	Chat(ctx context.Context, chatID int64) (transport.ChatInfo, error)
	CreateInviteLink(ctx context.Context, chatID int64, requiresApproval bool) (string, error)
	ChatMember(ctx context.Context, chatID, userID int64) error
}

type Options struct {
	InviteCacheSize int
	InviteCacheTTL  time.Duration
	Concurrency     int
}

type inviteKey struct {
	channelID int64
	method    model.JoinMethod
}

type channelInfo struct {
	link   string
	handle string
}

type Gate struct {
	store       Store
	msgr        Messenger
	channels    *expirable.LRU[inviteKey, channelInfo]
	concurrency int
	log         *zap.Logger
}

func New(store Store, msgr Messenger, opts Options, log *zap.Logger) *Gate {
	if opts.InviteCacheSize <= 0 {
		opts.InviteCacheSize = 256
	}
	if opts.InviteCacheTTL <= 0 {
		opts.InviteCacheTTL = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Gate{
		store:       store,
		msgr:        msgr,
		channels:    expirable.NewLRU[inviteKey, channelInfo](opts.InviteCacheSize, nil, opts.InviteCacheTTL),
		concurrency: opts.Concurrency,
		log:         log.Named("gate"),
	}
}

func (g *Gate) isAdmin(ctx context.Context, userID int64) (bool, error) {
	admins, err := g.store.Admins(ctx)
	if err != nil {
		return false, errors.Wrap(err, "load admins")
	}
	for _, id := range admins {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Evaluate runs the membership check for userID from scratch.
func (g *Gate) Evaluate(ctx context.Context, userID int64) (Verdict, error) {
	admin, err := g.isAdmin(ctx, userID)
	if err != nil {
		return Verdict{}, err
	}
	if admin {
		return g.record(Verdict{Status: Allowed}), nil
	}

	reqs, err := g.store.Requirements(ctx)
	if err != nil {
		return Verdict{}, errors.Wrap(err, "load requirements")
	}
	var enabled []model.ChannelRequirement
	for _, r := range reqs {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	if len(enabled) == 0 {
		return g.record(Verdict{Status: Allowed}), nil
	}

	results := make([]*ChannelStatus, len(enabled))
	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, r := range enabled {
		i, r := i, r
		eg.Go(func() error {
			results[i] = g.check(ctx, userID, r)
			return nil
		})
	}
	eg.Wait()

	v := Verdict{Status: Allowed}
	for _, res := range results {
		if res == nil {
			continue
		}
		v.Channels = append(v.Channels, *res)
		if !res.Joined {
			v.Status = Blocked
		}
	}
	return g.record(v), nil
}

// check resolves one requirement. A nil result means the requirement was
// skipped because its channel or invite link could not be obtained.
func (g *Gate) check(ctx context.Context, userID int64, r model.ChannelRequirement) *ChannelStatus {
	log := g.log.With(zap.String("requirement", r.Key), zap.Int64("channel_id", r.ChannelID), zap.Int64("user_id", userID))

	info, err := g.channel(ctx, r)
	if err != nil {
		requirementSkipsTotal.Inc()
		log.Warn("requirement skipped", zap.Error(err))
		return nil
	}

	status := &ChannelStatus{
		Key:        r.Key,
		Title:      r.Title,
		ChannelID:  r.ChannelID,
		InviteLink: info.link,
	}

	if r.Method == model.MethodRequest && info.handle == "" {
		requested, err := g.store.HasJoinRequest(ctx, r.ChannelID, userID)
		if err != nil {
			log.Warn("join request lookup failed", zap.Error(err))
			return status
		}
		if requested {
			status.Joined = true
			return status
		}
	}

	err = g.msgr.ChatMember(ctx, r.ChannelID, userID)
	switch {
	case err == nil:
		status.Joined = true
	case errors.Is(err, transport.ErrNotParticipant):
	default:
		// Membership lookups fail closed while channel lookups fail open.
		log.Warn("membership lookup failed", zap.Error(err))
	}
	return status
}

func (g *Gate) channel(ctx context.Context, r model.ChannelRequirement) (channelInfo, error) {
	key := inviteKey{channelID: r.ChannelID, method: r.Method}
	if info, ok := g.channels.Get(key); ok {
		return info, nil
	}

	link, err := g.msgr.CreateInviteLink(ctx, r.ChannelID, r.Method == model.MethodRequest)
	if err != nil {
		return channelInfo{}, errors.Wrap(err, "create invite link")
	}
	chat, err := g.msgr.Chat(ctx, r.ChannelID)
	if err != nil {
		return channelInfo{}, errors.Wrap(err, "get chat")
	}

	info := channelInfo{link: link, handle: chat.Handle}
	g.channels.Add(key, info)
	return info, nil
}

func (g *Gate) record(v Verdict) Verdict {
	verdictsTotal.WithLabelValues(v.Status.String()).Inc()
	return v
}

// Authorize guards administrative commands. Non-admins get Denied and
// banned admins get Banned; callers drop both without replying.
func (g *Gate) Authorize(ctx context.Context, userID int64) (Status, error) {
	admin, err := g.isAdmin(ctx, userID)
	if err != nil {
		return Denied, err
	}
	if !admin {
		return Denied, nil
	}
	banned, err := g.store.IsBanned(ctx, userID)
	if err != nil {
		return Denied, errors.Wrap(err, "ban lookup")
	}
	if banned {
		return Banned, nil
	}
	return Allowed, nil
}

// IsAdmin reports whether userID is a configured administrator.
func (g *Gate) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	return g.isAdmin(ctx, userID)
}

// RecordJoinRequest adds the user to the ledger of a request-based channel.
func (g *Gate) RecordJoinRequest(ctx context.Context, chatID, userID int64) error {
	added, err := g.store.AddJoinRequest(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if added {
		g.log.Info("join request recorded", zap.Int64("channel_id", chatID), zap.Int64("user_id", userID))
	}
	return nil
}
