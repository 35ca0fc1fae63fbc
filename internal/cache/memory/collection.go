// Package memory provides the in-memory cache collection used for tests and
// ephemeral environments, and as the authoritative state embedded by the
// durable sqlite and postgres collections.
package memory

import (
	"context"
	"sort"
	"sync"

	"replicore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Collection = (*Collection)(nil)

// Collection is a mutex-guarded, clone-on-read cache collection for one
// entity type. Upserts are atomic per record; concurrent writers are
// last-write-wins at the record level.
type Collection struct {
	entityType domain.EntityType

	mu      sync.RWMutex
	records map[string]domain.CacheRecord

	subMu  sync.Mutex
	subs   map[int]chan domain.ChangeEvent
	nextID int
	closed bool
}

// NewCollection constructs an empty collection for the entity type.
func NewCollection(entityType domain.EntityType) *Collection {
	return &Collection{
		entityType: entityType,
		records:    make(map[string]domain.CacheRecord),
		subs:       make(map[int]chan domain.ChangeEvent),
	}
}

// Type returns the entity type the collection caches.
func (c *Collection) Type() domain.EntityType { return c.entityType }

// Upsert writes one record, replacing any previous version of the id.
func (c *Collection) Upsert(ctx context.Context, record domain.CacheRecord) error {
	return c.UpsertMany(ctx, []domain.CacheRecord{record})
}

// UpsertMany writes records in one call. Records without an id are skipped
// silently; they are malformed input, not errors.
func (c *Collection) UpsertMany(_ context.Context, records []domain.CacheRecord) error {
	var events []domain.ChangeEvent
	c.mu.Lock()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		kind := domain.ChangeInsert
		if _, exists := c.records[rec.ID]; exists {
			kind = domain.ChangeUpdate
		}
		cloned := rec.Clone()
		c.records[rec.ID] = cloned
		events = append(events, domain.ChangeEvent{Kind: kind, Type: c.entityType, Record: cloned.Clone()})
	}
	c.mu.Unlock()
	c.emit(events)
	return nil
}

// Get returns a clone of the record with the given id.
func (c *Collection) Get(_ context.Context, id string) (domain.CacheRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return domain.CacheRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

// GetMany returns the found subset of ids, cloned, in input order.
func (c *Collection) GetMany(_ context.Context, ids []string) ([]domain.CacheRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.CacheRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Delete removes a record and reports whether it existed.
func (c *Collection) Delete(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if ok {
		delete(c.records, id)
	}
	c.mu.Unlock()
	if ok {
		c.emit([]domain.ChangeEvent{{Kind: domain.ChangeDelete, Type: c.entityType, Record: rec.Clone()}})
	}
	return ok, nil
}

// Find runs a selector query with sort, keyset cursor and limit applied in
// that order. Soft-deleted records are excluded unless requested.
func (c *Collection) Find(_ context.Context, query domain.FindQuery) ([]domain.CacheRecord, error) {
	c.mu.RLock()
	matched := make([]domain.CacheRecord, 0)
	for _, rec := range c.records {
		if !query.IncludeDeleted && rec.Deleted {
			continue
		}
		if !matchesAll(rec.Entity, query.Selectors) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	c.mu.RUnlock()

	order := query.OrderBy
	if order.Field == "" {
		order = domain.SortOption{Field: domain.FieldID, Direction: domain.SortAsc}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return domain.Less(matched[i].Entity, matched[j].Entity, order)
	})
	if query.Cursor != nil {
		filtered := matched[:0]
		for _, rec := range matched {
			if query.Cursor.Accepts(rec.Entity, order) {
				filtered = append(filtered, rec)
			}
		}
		matched = filtered
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

// Count returns how many non-deleted records match the selectors.
func (c *Collection) Count(_ context.Context, selectors []domain.Selector) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, rec := range c.records {
		if rec.Deleted {
			continue
		}
		if matchesAll(rec.Entity, selectors) {
			n++
		}
	}
	return n, nil
}

// Evict drops records cached before the cutoff and returns the count.
func (c *Collection) Evict(_ context.Context, olderThan int64) (int, error) {
	var events []domain.ChangeEvent
	c.mu.Lock()
	for id, rec := range c.records {
		if rec.CachedAt < olderThan {
			delete(c.records, id)
			events = append(events, domain.ChangeEvent{Kind: domain.ChangeDelete, Type: c.entityType, Record: rec.Clone()})
		}
	}
	c.mu.Unlock()
	c.emit(events)
	return len(events), nil
}

// Subscribe registers a change-event listener. Events that would block a
// full buffer are dropped for that subscriber.
func (c *Collection) Subscribe(buffer int) (<-chan domain.ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	ch := make(chan domain.ChangeEvent, buffer)
	if c.closed {
		close(ch)
		c.subMu.Unlock()
		return ch, func() {}
	}
	c.subs[id] = ch
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
		c.subMu.Unlock()
	}
}

// Close tears down all subscriptions. The collection remains readable.
func (c *Collection) Close() error {
	c.subMu.Lock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return nil
}

// Snapshot exports all records for durable mirrors and snapshot export.
func (c *Collection) Snapshot() []domain.CacheRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.CacheRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the collection contents without emitting change events.
// Used when hydrating from a durable mirror on open.
func (c *Collection) Restore(records []domain.CacheRecord) {
	c.mu.Lock()
	c.records = make(map[string]domain.CacheRecord, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		c.records[rec.ID] = rec.Clone()
	}
	c.mu.Unlock()
}

func (c *Collection) emit(events []domain.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	c.subMu.Lock()
	for _, ch := range c.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	c.subMu.Unlock()
}

func matchesAll(e domain.Entity, selectors []domain.Selector) bool {
	for _, sel := range selectors {
		if !sel.Matches(e) {
			return false
		}
	}
	return true
}
