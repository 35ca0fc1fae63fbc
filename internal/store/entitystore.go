// Package store provides the in-memory, observable, id-indexed entity
// collection backing each entity type, including selection state and the
// authoritative server-side total.
package store

import (
	"sync"

	"replicore/pkg/domain"
)

// Snapshot is an immutable view of the store state handed to subscribers.
type Snapshot struct {
	Type       domain.EntityType
	List       []domain.Entity
	SelectedID string
	Total      int
	Loading    bool
	Err        error
}

// Update carries a partial change set for one entity.
type Update struct {
	ID      string
	Changes map[string]domain.Value
}

// EntityStore is a normalized, reactively-observable collection for one
// entity type. All mutators emit exactly one change notification, so a bulk
// operation never fans out per record. Reads return clones; the store's
// internal state is never aliased.
type EntityStore struct {
	entityType domain.EntityType

	mu       sync.RWMutex
	byID     map[string]domain.Entity
	order    []string
	selected string
	total    int
	loading  bool
	err      error

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// New constructs an empty store for the given entity type.
func New(entityType domain.EntityType) *EntityStore {
	return &EntityStore{
		entityType: entityType,
		byID:       make(map[string]domain.Entity),
		subs:       make(map[int]chan Snapshot),
	}
}

// Type returns the entity type the store owns.
func (s *EntityStore) Type() domain.EntityType { return s.entityType }

// Subscribe registers a change listener. The returned channel receives a
// snapshot after every mutation; slow consumers drop intermediate snapshots
// rather than blocking mutators. The cancel function unregisters and closes
// the channel.
func (s *EntityStore) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, buffer)
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
}

func (s *EntityStore) notify() {
	snap := s.Snapshot()
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// drop for slow consumers; they resync on the next snapshot
		}
	}
	s.subMu.Unlock()
}

// Snapshot returns the current observable state.
func (s *EntityStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]domain.Entity, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.byID[id].Clone())
	}
	return Snapshot{
		Type:       s.entityType,
		List:       list,
		SelectedID: s.selected,
		Total:      s.total,
		Loading:    s.loading,
		Err:        s.err,
	}
}

// SetAll replaces the store contents. Selection survives when the previously
// selected id is still present; otherwise it is cleared, or — when
// autoSelectFirst is set and nothing was selected before — moved to the
// first entity. Malformed entities without an id are skipped.
func (s *EntityStore) SetAll(entities []domain.Entity, autoSelectFirst bool) {
	s.mu.Lock()
	hadSelection := s.selected != ""
	s.byID = make(map[string]domain.Entity, len(entities))
	s.order = s.order[:0]
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		if _, exists := s.byID[e.ID]; !exists {
			s.order = append(s.order, e.ID)
		}
		s.byID[e.ID] = e.Clone()
	}
	if hadSelection {
		if _, still := s.byID[s.selected]; !still {
			s.selected = ""
		}
	} else if autoSelectFirst && len(s.order) > 0 {
		s.selected = s.order[0]
	}
	s.mu.Unlock()
	s.notify()
}

// AddOne inserts a new entity. It is a no-op when the id already exists or
// the entity carries no id.
func (s *EntityStore) AddOne(e domain.Entity) {
	s.AddMany([]domain.Entity{e})
}

// AddMany inserts entities, skipping existing ids and malformed records, and
// emits a single notification.
func (s *EntityStore) AddMany(entities []domain.Entity) {
	s.mu.Lock()
	changed := false
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		if _, exists := s.byID[e.ID]; exists {
			continue
		}
		s.byID[e.ID] = e.Clone()
		s.order = append(s.order, e.ID)
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// UpdateOne applies a partial change set to an existing entity. Unknown ids
// are ignored.
func (s *EntityStore) UpdateOne(id string, changes map[string]domain.Value) {
	s.UpdateMany([]Update{{ID: id, Changes: changes}})
}

// UpdateMany applies several partial change sets with one notification.
func (s *EntityStore) UpdateMany(updates []Update) {
	s.mu.Lock()
	changed := false
	for _, u := range updates {
		current, ok := s.byID[u.ID]
		if !ok {
			continue
		}
		if current.Fields == nil && len(u.Changes) > 0 {
			current.Fields = make(map[string]domain.Value, len(u.Changes))
		}
		for k, v := range u.Changes {
			current.Fields[k] = v.Clone()
		}
		s.byID[u.ID] = current
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// UpsertOne inserts a new entity or merges fields into the existing record.
func (s *EntityStore) UpsertOne(e domain.Entity) {
	s.UpsertMany([]domain.Entity{e})
}

// UpsertMany inserts or merges entities with one notification. Merging keeps
// fields the incoming record does not carry rather than replacing wholesale.
func (s *EntityStore) UpsertMany(entities []domain.Entity) {
	s.mu.Lock()
	changed := false
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		if current, exists := s.byID[e.ID]; exists {
			s.byID[e.ID] = current.Merge(e)
		} else {
			s.byID[e.ID] = e.Clone()
			s.order = append(s.order, e.ID)
		}
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// RemoveOne deletes an entity. Removing the selected id clears selection.
func (s *EntityStore) RemoveOne(id string) {
	s.RemoveMany([]string{id})
}

// RemoveMany deletes several entities with one notification.
func (s *EntityStore) RemoveMany(ids []string) {
	s.mu.Lock()
	changed := false
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			continue
		}
		delete(s.byID, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if s.selected == id {
			s.selected = ""
		}
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// RemoveAll clears the store contents and selection.
func (s *EntityStore) RemoveAll() {
	s.mu.Lock()
	s.byID = make(map[string]domain.Entity)
	s.order = nil
	s.selected = ""
	s.mu.Unlock()
	s.notify()
}

// ByID returns a clone of the entity with the given id.
func (s *EntityStore) ByID(id string) (domain.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return domain.Entity{}, false
	}
	return e.Clone(), true
}

// ByIDs returns clones for the found subset of ids, in input order.
func (s *EntityStore) ByIDs(ids []string) []domain.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Where returns clones of all entities matching the predicate, in store order.
func (s *EntityStore) Where(pred func(domain.Entity) bool) []domain.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Entity
	for _, id := range s.order {
		if e := s.byID[id]; pred(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// List returns clones of all entities in store order.
func (s *EntityStore) List() []domain.Entity {
	return s.Where(func(domain.Entity) bool { return true })
}

// Count returns the number of locally materialized entities.
func (s *EntityStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Select marks an id as selected. The id may reference an entity that is not
// materialized yet; selection is a pure reference resolved asynchronously by
// the caller loading the entity. An empty id clears selection.
func (s *EntityStore) Select(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
	s.notify()
}

// SelectFirst selects the first entity in store order, if any.
func (s *EntityStore) SelectFirst() {
	s.mu.Lock()
	if len(s.order) > 0 {
		s.selected = s.order[0]
	}
	s.mu.Unlock()
	s.notify()
}

// SelectLast selects the last entity in store order, if any.
func (s *EntityStore) SelectLast() {
	s.mu.Lock()
	if len(s.order) > 0 {
		s.selected = s.order[len(s.order)-1]
	}
	s.mu.Unlock()
	s.notify()
}

// ClearSelection removes the selection reference.
func (s *EntityStore) ClearSelection() { s.Select("") }

// SelectedID returns the selected id, which may not be materialized.
func (s *EntityStore) SelectedID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

// Selected returns the selected entity when it is materialized locally.
func (s *EntityStore) Selected() (domain.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return domain.Entity{}, false
	}
	e, ok := s.byID[s.selected]
	if !ok {
		return domain.Entity{}, false
	}
	return e.Clone(), true
}

// SetLoading flips the loading flag.
func (s *EntityStore) SetLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
	s.notify()
}

// Loading reports whether a load is in flight.
func (s *EntityStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetErr records the last error surfaced to consumers.
func (s *EntityStore) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.notify()
}

// Err returns the last recorded error.
func (s *EntityStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// SetTotalFromServer records the authoritative remote count, independent of
// how many records are materialized locally.
func (s *EntityStore) SetTotalFromServer(total int) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
	s.notify()
}

// TotalFromServer returns the authoritative remote count.
func (s *EntityStore) TotalFromServer() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
