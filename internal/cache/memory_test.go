package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testTurn(n int) Turn {
	return Turn{
		Query:    fmt.Sprintf("question %d", n),
		Response: fmt.Sprintf("answer %d", n),
		At:       time.Date(2025, 1, 1, 0, 0, n, 0, time.UTC),
	}
}

// fakeClock hands out strictly increasing timestamps so last-updated
// ordering is deterministic in tests.
func fakeClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestMemoryCacheGetAbsent(t *testing.T) {
	c := NewMemoryCache(10)
	turns, err := c.Get(context.Background(), "user-1", "conv-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if turns != nil {
		t.Errorf("expected nil history for absent conversation, got %v", turns)
	}
}

func TestMemoryCacheAppendAndGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)

	for i := 0; i < 3; i++ {
		if err := c.Append(ctx, "user-1", "conv-1", testTurn(i)); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	turns, err := c.Get(ctx, "user-1", "conv-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Query != fmt.Sprintf("question %d", i) {
			t.Errorf("turn %d out of order: %q", i, turn.Query)
		}
	}
}

func TestMemoryCacheEvictsGloballyOldest(t *testing.T) {
	// Capacity 2: inserting C1, C2, C3 must evict C1.
	ctx := context.Background()
	c := NewMemoryCache(2)
	c.now = fakeClock()

	var evicted []string
	c.OnEvict(func(_, conversationID string) { evicted = append(evicted, conversationID) })

	for _, conv := range []string{"c1", "c2", "c3"} {
		if err := c.Append(ctx, "user-1", conv, testTurn(0)); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	if c.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", c.Len())
	}
	if turns, _ := c.Get(ctx, "user-1", "c1"); turns != nil {
		t.Error("expected c1 evicted")
	}
	for _, conv := range []string{"c2", "c3"} {
		if turns, _ := c.Get(ctx, "user-1", conv); len(turns) != 1 {
			t.Errorf("expected %s retained", conv)
		}
	}
	if len(evicted) != 1 || evicted[0] != "c1" {
		t.Errorf("expected eviction callback for c1, got %v", evicted)
	}
}

func TestMemoryCacheEvictionIgnoresOwnership(t *testing.T) {
	// The oldest record is evicted no matter which subject owns it.
	ctx := context.Background()
	c := NewMemoryCache(2)
	c.now = fakeClock()

	_ = c.Append(ctx, "user-a", "c1", testTurn(0))
	_ = c.Append(ctx, "user-b", "c2", testTurn(0))
	_ = c.Append(ctx, "user-b", "c3", testTurn(0))

	if turns, _ := c.Get(ctx, "user-a", "c1"); turns != nil {
		t.Error("expected user-a's older conversation evicted in favor of user-b's new one")
	}
}

func TestMemoryCacheAppendExistingNeverEvicts(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)
	c.now = fakeClock()

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))

	// At capacity; appending to an existing conversation must not change
	// the record count or evict anything.
	for i := 1; i < 5; i++ {
		if err := c.Append(ctx, "user-1", "c1", testTurn(i)); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}

	if c.Len() != 2 {
		t.Errorf("expected record count unchanged at 2, got %d", c.Len())
	}
	turns, _ := c.Get(ctx, "user-1", "c1")
	if len(turns) != 5 {
		t.Errorf("expected 5 turns in c1, got %d", len(turns))
	}
}

func TestMemoryCacheAppendRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)
	c.now = fakeClock()

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))
	// Touch c1 so c2 becomes the oldest.
	_ = c.Append(ctx, "user-1", "c1", testTurn(1))
	_ = c.Append(ctx, "user-1", "c3", testTurn(0))

	if turns, _ := c.Get(ctx, "user-1", "c2"); turns != nil {
		t.Error("expected c2 evicted after c1 was refreshed")
	}
	if turns, _ := c.Get(ctx, "user-1", "c1"); len(turns) != 2 {
		t.Error("expected refreshed c1 retained")
	}
}

func TestMemoryCacheGetIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)
	c.now = fakeClock()

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))

	// Reading c1 must not refresh it; it stays the eviction victim.
	_, _ = c.Get(ctx, "user-1", "c1")
	_ = c.Append(ctx, "user-1", "c3", testTurn(0))

	if turns, _ := c.Get(ctx, "user-1", "c1"); turns != nil {
		t.Error("expected c1 evicted: Get must not refresh recency")
	}
}

func TestMemoryCacheCapacityNeverExceeded(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(5)

	for i := 0; i < 100; i++ {
		conv := fmt.Sprintf("conv-%d", i%17)
		if err := c.Append(ctx, "user-1", conv, testTurn(i)); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
		if c.Len() > 5 {
			t.Fatalf("capacity exceeded after %d appends: %d records", i+1, c.Len())
		}
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))

	deleted, err := c.Delete(ctx, "user-1", "c1")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got deleted=%v err=%v", deleted, err)
	}
	deleted, err = c.Delete(ctx, "user-1", "c1")
	if err != nil || deleted {
		t.Fatalf("expected second delete to report absence, got deleted=%v err=%v", deleted, err)
	}
	if turns, _ := c.Get(ctx, "user-1", "c1"); turns != nil {
		t.Error("expected conversation gone after delete")
	}
}

func TestMemoryCacheList(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)
	c.now = fakeClock()

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	_ = c.Append(ctx, "user-1", "c2", testTurn(0))
	_ = c.Append(ctx, "user-2", "c3", testTurn(0))
	_ = c.Append(ctx, "user-1", "c1", testTurn(1))

	metas, err := c.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 conversations for user-1, got %d", len(metas))
	}
	// Most recently updated first.
	if metas[0].ConversationID != "c1" || metas[0].TurnCount != 2 {
		t.Errorf("expected c1 first with 2 turns, got %+v", metas[0])
	}
	if metas[1].ConversationID != "c2" || metas[1].TurnCount != 1 {
		t.Errorf("expected c2 second with 1 turn, got %+v", metas[1])
	}
}

func TestMemoryCacheGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10)

	_ = c.Append(ctx, "user-1", "c1", testTurn(0))
	turns, _ := c.Get(ctx, "user-1", "c1")
	turns[0].Query = "mutated"

	again, _ := c.Get(ctx, "user-1", "c1")
	if again[0].Query != "question 0" {
		t.Error("Get must return a copy; internal state was mutated")
	}
}

func TestMemoryCacheConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(8)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				conv := fmt.Sprintf("conv-%d", (g*50+i)%20)
				_ = c.Append(ctx, "user-1", conv, testTurn(i))
				_, _ = c.Get(ctx, "user-1", conv)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 8 {
		t.Errorf("capacity exceeded under concurrency: %d records", c.Len())
	}
}
