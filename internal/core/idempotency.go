package core

import (
	"container/list"
	"context"

	"github.com/google/uuid"
)

// ColdChecker is the slow tier of the duplicate check, backed by the
// action archive. Implemented by store.Archive; nil disables the tier.
type ColdChecker interface {
	HasAction(ctx context.Context, id uuid.UUID) (bool, error)
}

// DuplicateChecker deduplicates action IDs in two tiers: an in-memory
// LRU for the hot path and the archive for IDs that aged out of it.
type DuplicateChecker struct {
	lru  *actionLRU
	cold ColdChecker

	coldHits   int64
	coldErrors int64
}

func NewDuplicateChecker(capacity int, cold ColdChecker) *DuplicateChecker {
	return &DuplicateChecker{
		lru:  newActionLRU(capacity),
		cold: cold,
	}
}

// IsDuplicate reports whether the action was already processed. A cold
// tier failure counts as not-duplicate so an archive outage cannot
// stall the engine.
func (c *DuplicateChecker) IsDuplicate(ctx context.Context, id uuid.UUID) bool {
	if c.lru.Contains(id) {
		return true
	}
	if c.cold == nil {
		return false
	}
	seen, err := c.cold.HasAction(ctx, id)
	if err != nil {
		c.coldErrors++
		return false
	}
	if seen {
		c.coldHits++
		c.lru.Add(id)
	}
	return seen
}

// MarkProcessed records the ID after the action reaches a terminal
// state.
func (c *DuplicateChecker) MarkProcessed(id uuid.UUID) {
	c.lru.Add(id)
}

// Warm preloads recent IDs so a restart does not pay the cold tier for
// every replayed action.
func (c *DuplicateChecker) Warm(ids []uuid.UUID) {
	for _, id := range ids {
		c.lru.Add(id)
	}
}

// actionLRU is a fixed-capacity LRU of action IDs. Not safe for
// concurrent use; only the engine loop touches it.
type actionLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	order    *list.List

	evictions int64
}

func newActionLRU(capacity int) *actionLRU {
	return &actionLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *actionLRU) Contains(id uuid.UUID) bool {
	elem, ok := l.cache[id]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *actionLRU) Add(id uuid.UUID) {
	if elem, ok := l.cache[id]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[id] = l.order.PushFront(id)
	if l.order.Len() > l.capacity {
		back := l.order.Back()
		l.order.Remove(back)
		delete(l.cache, back.Value.(uuid.UUID))
		l.evictions++
	}
}

func (l *actionLRU) Len() int {
	return l.order.Len()
}
