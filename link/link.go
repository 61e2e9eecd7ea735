// Package link turns source messages into share tokens and back.
package link

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"filelink-bot/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	MaxBatchSize   = 20
	BatchTokenSize = 10

	PrefixSingle = "download_"
	PrefixBatch  = "batch_"

	// supergroupPrefix turns a bare t.me/c style channel number into a chat id.
	supergroupPrefix = "-100"

	tokenAttempts = 5
)

var (
	ErrMalformedLink    = errors.New("malformed link")
	ErrUnknownToken     = errors.New("unknown token")
	ErrInvalidBatchSize = errors.New("invalid batch size")
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz"

type Kind int

const (
	KindSingle Kind = iota + 1
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindBatch:
		return "batch"
	}
	return "unknown"
}

// Target is a resolved token. Location is set for singles, Batch for batches.
type Target struct {
	Kind     Kind
	Token    string
	Location model.Location
	Batch    *model.Batch
}

type Store interface {
	CreateFile(ctx context.Context, f *model.File) error
	GetFile(ctx context.Context, token string) (*model.File, error)
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, token string) (*model.Batch, error)
}

type Codec struct {
	store Store
	now   func() time.Time
}

func NewCodec(store Store) *Codec {
	return &Codec{store: store, now: time.Now}
}

// EncodeSingle stores loc under a fresh random token.
func (c *Codec) EncodeSingle(ctx context.Context, loc model.Location) (string, error) {
	if loc.Handle != "" || loc.ChatID == 0 || loc.MessageID <= 0 {
		return "", errors.Wrap(ErrMalformedLink, "stored files need a numeric chat and message id")
	}
	for i := 0; i < tokenAttempts; i++ {
		token := uuid.NewString()
		err := c.store.CreateFile(ctx, &model.File{
			Token:     token,
			ChatID:    loc.ChatID,
			MessageID: loc.MessageID,
			CreatedAt: c.now().UTC(),
		})
		if errors.Is(err, model.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", err
		}
		return token, nil
	}
	return "", errors.New("could not allocate a file token")
}

// EncodeBatch stores 1 to MaxBatchSize locations under a fresh token.
func (c *Codec) EncodeBatch(ctx context.Context, ownerID int64, locs []model.Location) (string, error) {
	if len(locs) == 0 || len(locs) > MaxBatchSize {
		return "", errors.Wrapf(ErrInvalidBatchSize, "got %d items, want 1..%d", len(locs), MaxBatchSize)
	}
	stored := make([]model.Location, len(locs))
	copy(stored, locs)

	for i := 0; i < tokenAttempts; i++ {
		token, err := randomToken(BatchTokenSize)
		if err != nil {
			return "", err
		}
		err = c.store.CreateBatch(ctx, &model.Batch{
			Token:     token,
			OwnerID:   ownerID,
			Locations: stored,
			CreatedAt: c.now().UTC(),
		})
		if errors.Is(err, model.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", err
		}
		return token, nil
	}
	return "", errors.New("could not allocate a batch token")
}

// Resolve classifies a start payload by prefix and loads its record.
func (c *Codec) Resolve(ctx context.Context, payload string) (Target, error) {
	var (
		kind  Kind
		token string
	)
	switch {
	case strings.HasPrefix(payload, PrefixSingle):
		kind, token = KindSingle, strings.TrimPrefix(payload, PrefixSingle)
	case strings.HasPrefix(payload, PrefixBatch):
		kind, token = KindBatch, strings.TrimPrefix(payload, PrefixBatch)
	}
	if kind == 0 || token == "" {
		return Target{}, errors.Wrapf(ErrUnknownToken, "payload %q", payload)
	}

	if kind == KindSingle {
		f, err := c.store.GetFile(ctx, token)
		if errors.Is(err, model.ErrNotFound) {
			return Target{}, errors.Wrapf(ErrUnknownToken, "file %s", token)
		}
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: KindSingle, Token: token, Location: f.Location()}, nil
	}

	b, err := c.store.GetBatch(ctx, token)
	if errors.Is(err, model.ErrNotFound) {
		return Target{}, errors.Wrapf(ErrUnknownToken, "batch %s", token)
	}
	if err != nil {
		return Target{}, err
	}
	return Target{Kind: KindBatch, Token: token, Batch: b}, nil
}

// ParseShareURL reads the trailing channel/message segments of a post link.
func ParseShareURL(text string) (model.Location, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "https") {
		return model.Location{}, errors.Wrapf(ErrMalformedLink, "%q is not an https link", text)
	}
	if u, err := url.Parse(text); err == nil {
		text = strings.TrimRight(u.Path, "/")
	}

	parts := strings.Split(text, "/")
	if len(parts) < 2 {
		return model.Location{}, errors.Wrapf(ErrMalformedLink, "%q has no channel/message segments", text)
	}
	channel, message := parts[len(parts)-2], parts[len(parts)-1]

	messageID, err := strconv.Atoi(message)
	if err != nil || messageID <= 0 {
		return model.Location{}, errors.Wrapf(ErrMalformedLink, "message id %q", message)
	}

	if isDigits(channel) {
		chatID, err := strconv.ParseInt(supergroupPrefix+channel, 10, 64)
		if err != nil {
			return model.Location{}, errors.Wrapf(ErrMalformedLink, "channel id %q", channel)
		}
		return model.Location{ChatID: chatID, MessageID: messageID}, nil
	}

	handle := strings.TrimPrefix(channel, "@")
	if handle == "" {
		return model.Location{}, errors.Wrap(ErrMalformedLink, "empty channel")
	}
	return model.Location{Handle: handle, MessageID: messageID}, nil
}

// BatchRange expands a first/last pair into the contiguous message range,
// holding at most MaxBatchSize messages.
func BatchRange(first, last model.Location) ([]model.Location, error) {
	return ScanRange(first, last, MaxBatchSize)
}

// ScanRange expands a first/last pair into at most limit contiguous
// messages. Callers that filter the range afterwards scan with a wider
// limit than the batch they build.
func ScanRange(first, last model.Location, limit int) ([]model.Location, error) {
	if first.ChatID != last.ChatID || first.Handle != last.Handle {
		return nil, errors.Wrap(ErrMalformedLink, "first and last messages are in different chats")
	}
	if last.MessageID < first.MessageID {
		return nil, errors.Wrap(ErrMalformedLink, "last message is before the first one")
	}
	n := last.MessageID - first.MessageID + 1
	if n > limit {
		return nil, errors.Wrapf(ErrInvalidBatchSize, "range holds %d messages, max %d", n, limit)
	}

	out := make([]model.Location, 0, n)
	for id := first.MessageID; id <= last.MessageID; id++ {
		out = append(out, model.Location{ChatID: first.ChatID, Handle: first.Handle, MessageID: id})
	}
	return out, nil
}

// ShareURL builds the deep link that opens the bot with the token.
func ShareURL(botUsername string, kind Kind, token string) string {
	prefix := PrefixSingle
	if kind == KindBatch {
		prefix = PrefixBatch
	}
	return "https://t.me/" + botUsername + "?start=" + prefix + token
}

func randomToken(n int) (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "read random")
		}
		b[i] = tokenAlphabet[v.Int64()]
	}
	return string(b), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
