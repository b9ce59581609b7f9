package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the cache backend uses. Narrowing the
// dependency keeps the backend testable with a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const (
	createCacheTable = `
		CREATE TABLE IF NOT EXISTS conversation_cache (
			subject_id      text NOT NULL,
			conversation_id text NOT NULL,
			value           jsonb NOT NULL,
			updated_at      timestamp with time zone NOT NULL,
			PRIMARY KEY (subject_id, conversation_id)
		)`

	createCacheUpdatedAtIndex = `
		CREATE INDEX IF NOT EXISTS conversation_cache_updated_at_idx
			ON conversation_cache (updated_at)`

	selectConversation = `
		SELECT value
		  FROM conversation_cache
		 WHERE subject_id = $1 AND conversation_id = $2`

	selectConversationForUpdate = selectConversation + `
		   FOR UPDATE`

	countConversations = `
		SELECT count(*) FROM conversation_cache`

	// Deterministic tie break on the compound key; the victim row is
	// locked so two concurrent inserts cannot both delete it and
	// overshoot capacity.
	selectVictimForUpdate = `
		SELECT subject_id, conversation_id
		  FROM conversation_cache
		 ORDER BY updated_at, subject_id, conversation_id
		 LIMIT 1
		   FOR UPDATE`

	deleteConversation = `
		DELETE FROM conversation_cache
		 WHERE subject_id = $1 AND conversation_id = $2`

	upsertConversation = `
		INSERT INTO conversation_cache (subject_id, conversation_id, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (subject_id, conversation_id)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	listConversations = `
		SELECT conversation_id, updated_at, value
		  FROM conversation_cache
		 WHERE subject_id = $1
		 ORDER BY updated_at DESC`
)

// PostgresCache is the relational cache backend. Each operation runs in its
// own short transaction; the capacity invariant is enforced with an explicit
// row lock on the eviction victim.
type PostgresCache struct {
	db       DB
	capacity int
	onEvict  func(subjectID, conversationID string)
}

// NewPostgresCache creates the relational backend and initializes its table.
func NewPostgresCache(ctx context.Context, db DB, capacity int) (*PostgresCache, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	if _, err := db.Exec(ctx, createCacheTable); err != nil {
		return nil, fmt.Errorf("create conversation_cache table: %w", err)
	}
	if _, err := db.Exec(ctx, createCacheUpdatedAtIndex); err != nil {
		return nil, fmt.Errorf("create conversation_cache index: %w", err)
	}
	return &PostgresCache{db: db, capacity: capacity}, nil
}

// Get returns the turn history for a conversation, oldest first.
func (c *PostgresCache) Get(ctx context.Context, subjectID, conversationID string) ([]Turn, error) {
	var raw []byte
	err := c.db.QueryRow(ctx, selectConversation, subjectID, conversationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("get conversation", err)
	}

	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("decode conversation %s/%s: %w", subjectID, conversationID, err)
	}
	return turns, nil
}

// Append adds a turn inside one transaction: lock-and-update for existing
// rows, count/evict/insert for new ones.
func (c *PostgresCache) Append(ctx context.Context, subjectID, conversationID string, turn Turn) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return wrapUnavailable("append conversation", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, selectConversationForUpdate, subjectID, conversationID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := c.evictIfFull(ctx, tx); err != nil {
			return err
		}
	case err != nil:
		return wrapUnavailable("append conversation", err)
	}

	var turns []Turn
	if raw != nil {
		if err := json.Unmarshal(raw, &turns); err != nil {
			return fmt.Errorf("decode conversation %s/%s: %w", subjectID, conversationID, err)
		}
	}
	turns = append(turns, turn)

	value, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation %s/%s: %w", subjectID, conversationID, err)
	}

	if _, err := tx.Exec(ctx, upsertConversation, subjectID, conversationID, value); err != nil {
		return wrapUnavailable("append conversation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapUnavailable("append conversation", err)
	}
	return nil
}

func (c *PostgresCache) evictIfFull(ctx context.Context, tx pgx.Tx) error {
	var count int
	if err := tx.QueryRow(ctx, countConversations).Scan(&count); err != nil {
		return wrapUnavailable("count conversations", err)
	}
	if count < c.capacity {
		return nil
	}

	var victimSubject, victimConversation string
	err := tx.QueryRow(ctx, selectVictimForUpdate).Scan(&victimSubject, &victimConversation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapUnavailable("select eviction victim", err)
	}
	if _, err := tx.Exec(ctx, deleteConversation, victimSubject, victimConversation); err != nil {
		return wrapUnavailable("evict conversation", err)
	}
	if c.onEvict != nil {
		c.onEvict(victimSubject, victimConversation)
	}
	return nil
}

// OnEvict registers a callback invoked whenever a record is evicted for
// capacity. The callback runs before the evicting transaction commits.
func (c *PostgresCache) OnEvict(fn func(subjectID, conversationID string)) {
	c.onEvict = fn
}

// Delete removes a conversation.
func (c *PostgresCache) Delete(ctx context.Context, subjectID, conversationID string) (bool, error) {
	tag, err := c.db.Exec(ctx, deleteConversation, subjectID, conversationID)
	if err != nil {
		return false, wrapUnavailable("delete conversation", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns metadata for all conversations owned by a subject, most
// recently updated first.
func (c *PostgresCache) List(ctx context.Context, subjectID string) ([]ConversationMeta, error) {
	rows, err := c.db.Query(ctx, listConversations, subjectID)
	if err != nil {
		return nil, wrapUnavailable("list conversations", err)
	}
	defer rows.Close()

	var metas []ConversationMeta
	for rows.Next() {
		var meta ConversationMeta
		var raw []byte
		if err := rows.Scan(&meta.ConversationID, &meta.LastUpdated, &raw); err != nil {
			return nil, wrapUnavailable("list conversations", err)
		}
		var turns []Turn
		if err := json.Unmarshal(raw, &turns); err != nil {
			return nil, fmt.Errorf("decode conversation %s/%s: %w", subjectID, meta.ConversationID, err)
		}
		meta.TurnCount = len(turns)
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("list conversations", err)
	}
	return metas, nil
}

// Ready reports whether the database answers a ping.
func (c *PostgresCache) Ready(ctx context.Context) bool {
	return c.db.Ping(ctx) == nil
}
