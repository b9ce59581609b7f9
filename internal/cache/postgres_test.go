package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePG emulates the conversation_cache table against the exact statements
// the backend issues, so the transactional append logic can be exercised
// without a running Postgres.
type fakePG struct {
	mu      sync.Mutex
	rows    map[recordKey]*fakePGRow
	clock   time.Time
	failAll bool
}

type fakePGRow struct {
	value     []byte
	updatedAt time.Time
}

func newFakePG() *fakePG {
	return &fakePG{
		rows:  make(map[recordKey]*fakePGRow),
		clock: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakePG) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

var errFakeDown = errors.New("connection refused")

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return pgconn.CommandTag{}, errFakeDown
	}

	switch sql {
	case createCacheTable, createCacheUpdatedAtIndex:
		return pgconn.NewCommandTag("CREATE"), nil
	case deleteConversation:
		key := recordKey{args[0].(string), args[1].(string)}
		if _, ok := f.rows[key]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.rows, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	case upsertConversation:
		key := recordKey{args[0].(string), args[1].(string)}
		f.rows[key] = &fakePGRow{value: args[2].([]byte), updatedAt: f.tick()}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	default:
		return pgconn.CommandTag{}, fmt.Errorf("fake: unexpected exec %q", sql)
	}
}

func (f *fakePG) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fakeRow{err: errFakeDown}
	}

	switch sql {
	case selectConversation, selectConversationForUpdate:
		key := recordKey{args[0].(string), args[1].(string)}
		row, ok := f.rows[key]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		value := append([]byte(nil), row.value...)
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*[]byte) = value
			return nil
		}}
	case countConversations:
		count := len(f.rows)
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*int) = count
			return nil
		}}
	case selectVictimForUpdate:
		victim, ok := f.oldestLocked()
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*string) = victim.subjectID
			*dest[1].(*string) = victim.conversationID
			return nil
		}}
	default:
		return fakeRow{err: fmt.Errorf("fake: unexpected query row %q", sql)}
	}
}

func (f *fakePG) oldestLocked() (recordKey, bool) {
	keys := make([]recordKey, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return recordKey{}, false
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := f.rows[keys[i]], f.rows[keys[j]]
		if !ri.updatedAt.Equal(rj.updatedAt) {
			return ri.updatedAt.Before(rj.updatedAt)
		}
		if keys[i].subjectID != keys[j].subjectID {
			return keys[i].subjectID < keys[j].subjectID
		}
		return keys[i].conversationID < keys[j].conversationID
	})
	return keys[0], true
}

func (f *fakePG) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errFakeDown
	}
	if sql != listConversations {
		return nil, fmt.Errorf("fake: unexpected query %q", sql)
	}

	subject := args[0].(string)
	type entry struct {
		key recordKey
		row *fakePGRow
	}
	var entries []entry
	for k, r := range f.rows {
		if k.subjectID == subject {
			entries = append(entries, entry{k, r})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].row.updatedAt.After(entries[j].row.updatedAt)
	})

	rows := &fakeRows{}
	for _, e := range entries {
		conversationID := e.key.conversationID
		updatedAt := e.row.updatedAt
		value := append([]byte(nil), e.row.value...)
		rows.scans = append(rows.scans, func(dest ...any) error {
			*dest[0].(*string) = conversationID
			*dest[1].(*time.Time) = updatedAt
			*dest[2].(*[]byte) = value
			return nil
		})
	}
	return rows, nil
}

func (f *fakePG) Begin(_ context.Context) (pgx.Tx, error) {
	if f.failAll {
		return nil, errFakeDown
	}
	return &fakeTx{db: f}, nil
}

func (f *fakePG) Ping(_ context.Context) error {
	if f.failAll {
		return errFakeDown
	}
	return nil
}

// fakeTx routes the statements back to the fake store. Only the methods the
// backend uses are implemented; the embedded interface covers the rest.
type fakeTx struct {
	pgx.Tx
	db *fakePG
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(_ context.Context) error   { return nil }
func (t *fakeTx) Rollback(_ context.Context) error { return nil }

type fakeRow struct {
	err  error
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.scan(dest...)
}

type fakeRows struct {
	scans []func(dest ...any) error
	index int
	err   error
}

func (r *fakeRows) Next() bool {
	if r.index >= len(r.scans) {
		return false
	}
	r.index++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return r.scans[r.index-1](dest...)
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func newTestPostgresCache(t *testing.T, capacity int) (*PostgresCache, *fakePG) {
	t.Helper()
	db := newFakePG()
	c, err := NewPostgresCache(context.Background(), db, capacity)
	if err != nil {
		t.Fatalf("NewPostgresCache returned error: %v", err)
	}
	return c, db
}

func TestPostgresCacheAppendAndGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestPostgresCache(t, 10)

	for i := 0; i < 3; i++ {
		if err := c.Append(ctx, "user-1", "c1", testTurn(i)); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	turns, err := c.Get(ctx, "user-1", "c1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Query != "question 0" || turns[2].Query != "question 2" {
		t.Errorf("turns out of order: %+v", turns)
	}
}

func TestPostgresCacheGetAbsent(t *testing.T) {
	c, _ := newTestPostgresCache(t, 10)
	turns, err := c.Get(context.Background(), "user-1", "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if turns != nil {
		t.Errorf("expected nil history, got %v", turns)
	}
}

func TestPostgresCacheEvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	c, db := newTestPostgresCache(t, 2)

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))
	_ = c.Append(ctx, "user-1", "c3", testTurn(0))

	if len(db.rows) != 2 {
		t.Fatalf("expected 2 rows after eviction, got %d", len(db.rows))
	}
	if turns, _ := c.Get(ctx, "user-1", "c1"); turns != nil {
		t.Error("expected c1 evicted")
	}
	if turns, _ := c.Get(ctx, "user-1", "c3"); len(turns) != 1 {
		t.Error("expected c3 inserted")
	}
}

func TestPostgresCacheAppendExistingNeverEvicts(t *testing.T) {
	ctx := context.Background()
	c, db := newTestPostgresCache(t, 2)

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))
	_ = c.Append(ctx, "user-1", "c1", testTurn(1))

	if len(db.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(db.rows))
	}
	turns, _ := c.Get(ctx, "user-1", "c1")
	if len(turns) != 2 {
		t.Errorf("expected 2 turns in c1, got %d", len(turns))
	}
}

func TestPostgresCacheAppendRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestPostgresCache(t, 2)

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))
	_ = c.Append(ctx, "user-1", "c1", testTurn(1))
	_ = c.Append(ctx, "user-1", "c3", testTurn(0))

	if turns, _ := c.Get(ctx, "user-1", "c2"); turns != nil {
		t.Error("expected c2 evicted after c1 was refreshed")
	}
	if turns, _ := c.Get(ctx, "user-1", "c1"); len(turns) != 2 {
		t.Error("expected refreshed c1 retained")
	}
}

func TestPostgresCacheFailureSemantics(t *testing.T) {
	ctx := context.Background()
	c, db := newTestPostgresCache(t, 10)
	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	db.failAll = true

	t.Run("get wraps ErrUnavailable", func(t *testing.T) {
		_, err := c.Get(ctx, "user-1", "c1")
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("append wraps ErrUnavailable", func(t *testing.T) {
		err := c.Append(ctx, "user-1", "c1", testTurn(1))
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("ready is false", func(t *testing.T) {
		if c.Ready(ctx) {
			t.Error("expected not ready when storage is down")
		}
	})
}

func TestPostgresCacheDeleteAndList(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestPostgresCache(t, 10)

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))
	_ = c.Append(ctx, "user-2", "c3", testTurn(0))
	_ = c.Append(ctx, "user-1", "c1", testTurn(1))

	metas, err := c.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(metas))
	}
	if metas[0].ConversationID != "c1" || metas[0].TurnCount != 2 {
		t.Errorf("expected c1 first with 2 turns, got %+v", metas[0])
	}

	deleted, err := c.Delete(ctx, "user-1", "c2")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got deleted=%v err=%v", deleted, err)
	}
	deleted, _ = c.Delete(ctx, "user-1", "c2")
	if deleted {
		t.Error("expected second delete to report absence")
	}
}

func TestPostgresCacheStoredValueIsJSON(t *testing.T) {
	ctx := context.Background()
	c, db := newTestPostgresCache(t, 10)

	turn := testTurn(0)
	_ = c.Append(ctx, "user-1", "c1", turn)

	raw := db.rows[recordKey{"user-1", "c1"}].value
	var decoded []Turn
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("stored value is not valid JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Query != turn.Query {
		t.Errorf("stored value mismatch: %+v", decoded)
	}
}
