package store

import (
	"context"
	"time"

	"filelink-bot/model"
)

// Backend is everything the bot needs from persistence. Store and
// mongostore.Store both implement it.
type Backend interface {
	EnsureDefaults(ctx context.Context, d Defaults) error
	Close() error

	EnsureUser(ctx context.Context, id int64) (bool, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	IncrementFilesReceived(ctx context.Context, id int64, n int64) error
	SetBanned(ctx context.Context, id int64, banned bool) error
	IsBanned(ctx context.Context, id int64) (bool, error)

	CreateFile(ctx context.Context, f *model.File) error
	GetFile(ctx context.Context, token string) (*model.File, error)
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, token string) (*model.Batch, error)

	AddObligation(ctx context.Context, chatID int64, messageID int, fireAt time.Time) error
	DueObligations(ctx context.Context, now time.Time, limit int) ([]model.DeletionObligation, error)
	ClaimObligation(ctx context.Context, id uint, now, until time.Time) (bool, error)
	ReleaseObligation(ctx context.Context, id uint) error
	MarkFulfilled(ctx context.Context, id uint, at time.Time) (bool, error)
	Obligation(ctx context.Context, chatID int64, messageID int) (*model.DeletionObligation, error)
	CountObligations(ctx context.Context) (total, pending int64, err error)

	Admins(ctx context.Context) ([]int64, error)
	AddAdmin(ctx context.Context, id int64) (bool, error)
	RemoveAdmin(ctx context.Context, id int64) (bool, error)
	DeleteDelays(ctx context.Context) (file, notice time.Duration, err error)
	SetFileDeleteTime(ctx context.Context, d time.Duration) error
	SetMessageDeleteTime(ctx context.Context, d time.Duration) error

	Requirements(ctx context.Context) ([]model.ChannelRequirement, error)
	PutRequirement(ctx context.Context, r *model.ChannelRequirement) error
	RemoveRequirement(ctx context.Context, key string) error
	AddJoinRequest(ctx context.Context, chatID, userID int64) (bool, error)
	HasJoinRequest(ctx context.Context, chatID, userID int64) (bool, error)
}

var _ Backend = (*Store)(nil)
