package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable Store. Details live in a JSONB column; the schema
// is managed by the embedded goose migrations, applied on open.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres migrates the schema, then connects a pool and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// StoreConversation inserts or updates a record. Updates replace details
// only; user id and creation time are set once on insert.
func (p *Postgres) StoreConversation(ctx context.Context, conversationID, userID string, details map[string]any) error {
	raw, err := marshalDetails(details)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO conversations (conversation_id, user_id, details)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET details = EXCLUDED.details`,
		conversationID, userID, raw)
	if err != nil {
		return fmt.Errorf("store conversation: %w", err)
	}
	return nil
}

// Conversation returns the record for a conversation id, or ErrNotFound.
func (p *Postgres) Conversation(ctx context.Context, conversationID string) (Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT conversation_id, user_id, details, created_at
		FROM conversations
		WHERE conversation_id = $1`,
		conversationID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get conversation: %w", err)
	}
	return rec, nil
}

// UserConversations returns a user's records, newest first.
func (p *Postgres) UserConversations(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := p.pool.Query(ctx, `
		SELECT conversation_id, user_id, details, created_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec Record
		raw []byte
	)
	if err := row.Scan(&rec.ConversationID, &rec.UserID, &raw, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(raw, &rec.Details); err != nil {
		return Record{}, fmt.Errorf("decode stored details: %w", err)
	}
	return rec, nil
}
