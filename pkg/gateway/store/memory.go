package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs the server when no database DSN is
// configured, and the tests. Details pass through JSON the same way the
// Postgres store's JSONB column does, so both reject the same payloads.
type Memory struct {
	mu      sync.Mutex
	records []*memoryRecord
	byID    map[string]*memoryRecord
}

type memoryRecord struct {
	conversationID string
	userID         string
	details        []byte
	createdAt      time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*memoryRecord)}
}

// StoreConversation inserts or updates a record.
func (m *Memory) StoreConversation(ctx context.Context, conversationID, userID string, details map[string]any) error {
	raw, err := marshalDetails(details)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.byID[conversationID]; ok {
		rec.details = raw
		return nil
	}
	rec := &memoryRecord{
		conversationID: conversationID,
		userID:         userID,
		details:        raw,
		createdAt:      time.Now().UTC(),
	}
	m.records = append(m.records, rec)
	m.byID[conversationID] = rec
	return nil
}

// Conversation returns the record for a conversation id, or ErrNotFound.
func (m *Memory) Conversation(ctx context.Context, conversationID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[conversationID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.snapshot()
}

// UserConversations returns a user's records, newest first.
func (m *Memory) UserConversations(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, limit)
	// Records are appended in creation order; walk backwards for newest first.
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.records[i]
		if rec.userID != userID {
			continue
		}
		snap, err := rec.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *memoryRecord) snapshot() (Record, error) {
	var details map[string]any
	if err := json.Unmarshal(r.details, &details); err != nil {
		return Record{}, fmt.Errorf("decode stored details: %w", err)
	}
	return Record{
		ConversationID: r.conversationID,
		UserID:         r.userID,
		Details:        details,
		CreatedAt:      r.createdAt,
	}, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return raw, nil
}
