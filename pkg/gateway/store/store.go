// Package store persists conversation records. The relay writes a record at
// handshake time and enriches it after the call; history reads return the
// newest records first.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultHistoryLimit is applied when a history read passes limit <= 0.
const DefaultHistoryLimit = 10

// ErrNotFound is returned when no record exists for a conversation id.
var ErrNotFound = errors.New("conversation not found")

// Record is one stored conversation.
type Record struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Details        map[string]any `json:"details"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store is the persistence surface the relay depends on.
type Store interface {
	// StoreConversation inserts the record, or replaces its details when the
	// conversation id already exists. The original user id and creation time
	// survive updates.
	StoreConversation(ctx context.Context, conversationID, userID string, details map[string]any) error

	// Conversation returns the record for a conversation id, or ErrNotFound.
	Conversation(ctx context.Context, conversationID string) (Record, error)

	// UserConversations returns a user's records, newest first. A limit <= 0
	// falls back to DefaultHistoryLimit.
	UserConversations(ctx context.Context, userID string, limit int) ([]Record, error)
}
