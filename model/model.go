package model

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by every store backend for missing records.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a token is already bound to a record.
	ErrDuplicate = errors.New("duplicate record")
)

type User struct {
	ID        int64     `gorm:"primaryKey" bson:"_id"` // Telegram User ID
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`

	FilesReceived int64 `gorm:"not null;default:0" bson:"files_received"`
	Banned        bool  `gorm:"not null;default:false;index" bson:"banned"`
}

// Location points at a message in a chat. Public channels may be addressed
// by handle instead of numeric id; exactly one of ChatID and Handle is set.
type Location struct {
	ChatID    int64  `json:"chat_id,omitempty" bson:"chat_id,omitempty"`
	Handle    string `json:"handle,omitempty" bson:"handle,omitempty"`
	MessageID int    `json:"message_id" bson:"message_id"`
}

// Peer renders the chat part the way the Bot API accepts it.
func (l Location) Peer() string {
	if l.Handle != "" {
		return "@" + l.Handle
	}
	return strconv.FormatInt(l.ChatID, 10)
}

type File struct {
	Token     string    `gorm:"primaryKey" bson:"_id"`
	ChatID    int64     `gorm:"not null" bson:"chat_id"`
	MessageID int       `gorm:"not null" bson:"message_id"`
	CreatedAt time.Time `bson:"created_at"`
}

func (f File) Location() Location {
	return Location{ChatID: f.ChatID, MessageID: f.MessageID}
}

type Batch struct {
	Token     string     `gorm:"primaryKey" bson:"_id"`
	OwnerID   int64      `gorm:"index" bson:"owner_id"`
	Locations []Location `gorm:"serializer:json;not null" bson:"files"`
	CreatedAt time.Time  `bson:"created_at"`
}

type JoinMethod string

const (
	MethodJoin    JoinMethod = "join"
	MethodRequest JoinMethod = "request"
)

func (m JoinMethod) Valid() bool {
	return m == MethodJoin || m == MethodRequest
}

// ChannelRequirement is one force-subscription entry. ID order is insertion
// order and drives display order.
type ChannelRequirement struct {
	ID        uint       `gorm:"primaryKey" bson:"seq"`
	Key       string     `gorm:"uniqueIndex;not null" bson:"_id"`
	ChannelID int64      `gorm:"not null" bson:"channel_id"`
	Title     string     `bson:"title"`
	Method    JoinMethod `gorm:"not null;default:join" bson:"method"`
	Enabled   bool       `gorm:"not null" bson:"enabled"`
}

// DeletionObligation is never removed; Fulfilled flips once.
type DeletionObligation struct {
	ID        uint      `gorm:"primaryKey" bson:"seq"`
	ChatID    int64     `gorm:"uniqueIndex:idx_obligation_chat_message;not null" bson:"chat_id"`
	MessageID int       `gorm:"uniqueIndex:idx_obligation_chat_message;not null" bson:"message_id"`
	FireAt    time.Time `gorm:"index;not null" bson:"fire_at"`
	Fulfilled bool      `gorm:"index;not null;default:false" bson:"fulfilled"`

	FulfilledAt  *time.Time `bson:"fulfilled_at,omitempty"`
	ClaimedUntil time.Time  `bson:"claimed_until"` // sweep lease
	CreatedAt    time.Time  `bson:"created_at"`
}

// JoinRequest is one entry of the request-join ledger.
type JoinRequest struct {
	ChatID    int64     `gorm:"primaryKey;autoIncrement:false" bson:"chat_id"`
	UserID    int64     `gorm:"primaryKey;autoIncrement:false" bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// Setting holds a JSON encoded configuration scalar.
type Setting struct {
	Key   string `gorm:"primaryKey" bson:"_id"`
	Value string `gorm:"not null" bson:"value"`
}

const (
	SettingAdmins            = "admins"
	SettingFileDeleteTime    = "file_delete_time"
	SettingMessageDeleteTime = "message_delete_time"
)
