package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type recordKey struct {
	subjectID      string
	conversationID string
}

type record struct {
	key         recordKey
	turns       []Turn
	lastUpdated time.Time
}

// MemoryCache is the in-process cache backend: a map guarded by one mutex
// plus an intrusive recency list ordered by last update, front oldest. Both
// lookup and victim selection are O(1); operations never block on I/O.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	records  map[recordKey]*list.Element
	order    *list.List // of *record, front = least recently updated

	now     func() time.Time
	onEvict func(subjectID, conversationID string)
}

// NewMemoryCache creates an in-process cache bounded to capacity records.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryCache{
		capacity: capacity,
		records:  make(map[recordKey]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the turn history for a conversation, oldest first. Reads do
// not refresh recency; only Append does.
func (c *MemoryCache) Get(_ context.Context, subjectID, conversationID string) ([]Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.records[recordKey{subjectID, conversationID}]
	if !ok {
		return nil, nil
	}
	rec := elem.Value.(*record)
	turns := make([]Turn, len(rec.turns))
	copy(turns, rec.turns)
	return turns, nil
}

// Append adds a turn, evicting the oldest record first when a new
// conversation would exceed capacity.
func (c *MemoryCache) Append(_ context.Context, subjectID, conversationID string, turn Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := recordKey{subjectID, conversationID}
	if elem, ok := c.records[key]; ok {
		rec := elem.Value.(*record)
		rec.turns = append(rec.turns, turn)
		rec.lastUpdated = c.now()
		c.order.MoveToBack(elem)
		return nil
	}

	if len(c.records) >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			victim := oldest.Value.(*record).key
			c.order.Remove(oldest)
			delete(c.records, victim)
			if c.onEvict != nil {
				c.onEvict(victim.subjectID, victim.conversationID)
			}
		}
	}

	rec := &record{
		key:         key,
		turns:       []Turn{turn},
		lastUpdated: c.now(),
	}
	c.records[key] = c.order.PushBack(rec)
	return nil
}

// Delete removes a conversation.
func (c *MemoryCache) Delete(_ context.Context, subjectID, conversationID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := recordKey{subjectID, conversationID}
	elem, ok := c.records[key]
	if !ok {
		return false, nil
	}
	c.order.Remove(elem)
	delete(c.records, key)
	return true, nil
}

// List returns metadata for all conversations owned by a subject, most
// recently updated first.
func (c *MemoryCache) List(_ context.Context, subjectID string) ([]ConversationMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var metas []ConversationMeta
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		rec := elem.Value.(*record)
		if rec.key.subjectID != subjectID {
			continue
		}
		metas = append(metas, ConversationMeta{
			ConversationID: rec.key.conversationID,
			LastUpdated:    rec.lastUpdated,
			TurnCount:      len(rec.turns),
		})
	}
	return metas, nil
}

// OnEvict registers a callback invoked (under the cache lock) whenever a
// record is evicted for capacity.
func (c *MemoryCache) OnEvict(fn func(subjectID, conversationID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Ready always reports true; the in-process backend has no I/O to fail.
func (c *MemoryCache) Ready(_ context.Context) bool {
	return true
}

// Len returns the current record count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
