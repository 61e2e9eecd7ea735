// Package transport describes what the messaging platform can do for the
// core packages and how its failures are classified. The telegram package
// provides the real implementation.
package transport

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotParticipant is returned by membership lookups for users that
	// are not members of the chat.
	ErrNotParticipant = errors.New("user is not a participant")
	// ErrForbidden covers deletions the platform refuses, including
	// messages that are already gone.
	ErrForbidden = errors.New("operation forbidden")
	// ErrMessageMissing means the referenced message does not exist or is empty.
	ErrMessageMissing = errors.New("message missing")
	// ErrUnavailable wraps every other transport failure.
	ErrUnavailable = errors.New("transport unavailable")
)

// RateLimitError carries the wait the platform asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter reports whether err is a rate limit and how long to back off.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Message is a message as seen by the core. HasContent is false for
// service or empty messages that must not be delivered.
type Message struct {
	ChatID     int64
	Peer       string // chat as addressed when fetched, "@handle" or numeric
	ID         int
	Caption    string
	Entities   []Entity
	HasContent bool
}

// Entity is one formatting span of a caption. Offset and Length count
// UTF-16 code units.
type Entity struct {
	Type        string
	Offset      int
	Length      int
	URL         string
	UserID      int64
	Language    string
	CustomEmoji string
}

// ChatInfo is the subset of chat metadata the gate needs.
type ChatInfo struct {
	ID     int64
	Title  string
	Handle string
}
