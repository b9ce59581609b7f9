// Package cache implements the capacity-bounded conversation history store.
//
// Records are identified by a compound key of subject (user) ID and
// conversation ID. Capacity is a global, system-wide bound measured in
// conversation records; when it is exceeded the globally oldest record by
// last update time is evicted, regardless of which subject owns it.
// Per-subject fairness is the quota limiter's job, not the cache's.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Turn is one question/answer exchange. Immutable once created.
type Turn struct {
	Query    string    `json:"query"`
	Response string    `json:"response"`
	At       time.Time `json:"at"`
}

// ConversationMeta summarizes one stored conversation for listing.
type ConversationMeta struct {
	ConversationID string    `json:"conversation_id"`
	LastUpdated    time.Time `json:"last_updated"`
	TurnCount      int       `json:"turn_count"`
}

// ErrUnavailable indicates the backing store could not be reached. Callers
// fail open on reads (answer without memory) and warn on writes.
var ErrUnavailable = errors.New("conversation cache unavailable")

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Cache is the conversation store contract shared by all backends.
type Cache interface {
	// Get returns the ordered turn history for a conversation, oldest
	// first, or nil if the conversation is not present. Side-effect free.
	Get(ctx context.Context, subjectID, conversationID string) ([]Turn, error)

	// Append adds a turn to a conversation. Appending to an existing
	// conversation refreshes its last-updated time and never evicts.
	// Creating a new conversation at capacity evicts exactly one record,
	// the globally oldest by last-updated, before inserting.
	Append(ctx context.Context, subjectID, conversationID string, turn Turn) error

	// Delete removes a conversation. Returns false if it was not present.
	Delete(ctx context.Context, subjectID, conversationID string) (bool, error)

	// List returns metadata for all conversations owned by a subject.
	List(ctx context.Context, subjectID string) ([]ConversationMeta, error)

	// Ready reports whether the backing store is reachable.
	Ready(ctx context.Context) bool
}
