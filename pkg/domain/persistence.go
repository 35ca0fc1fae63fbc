package domain

import (
	"context"
	"time"
)

// Selector is one field-level predicate of a local or remote query. Not
// negates the operator (used by hybrid search to exclude prefix matches from
// the substring pass).
type Selector struct {
	Field string
	Op    Operator
	Value Value
	Not   bool
}

// Matches applies the selector to an entity.
func (s Selector) Matches(e Entity) bool {
	ok := s.Op.Matches(e.Field(s.Field), s.Value)
	if s.Not {
		return !ok
	}
	return ok
}

// FindQuery parameterizes a cache-local read: conjunctive selectors, a sort
// option, an optional keyset cursor, and a row limit (0 = unlimited).
type FindQuery struct {
	Selectors      []Selector
	OrderBy        SortOption
	Cursor         *Cursor
	Limit          int
	IncludeDeleted bool
}

// Collection is the document-style local storage for one entity type. Upserts
// are atomic per record; writes are last-write-wins at the record level.
// Implementations emit a change event per mutation to all subscribers.
type Collection interface {
	Type() EntityType
	Upsert(ctx context.Context, record CacheRecord) error
	UpsertMany(ctx context.Context, records []CacheRecord) error
	Get(ctx context.Context, id string) (CacheRecord, bool, error)
	// GetMany returns the found subset in input id order.
	GetMany(ctx context.Context, ids []string) ([]CacheRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	Find(ctx context.Context, query FindQuery) ([]CacheRecord, error)
	Count(ctx context.Context, selectors []Selector) (int, error)
	// Evict removes records whose CachedAt is older than the cutoff (epoch
	// millis) and returns how many were dropped.
	Evict(ctx context.Context, olderThan int64) (int, error)
	// Subscribe returns a buffered change stream and its cancel function.
	Subscribe(buffer int) (<-chan ChangeEvent, func())
	Close() error
}

// IDRow is one lightweight row of the ID-only pagination phase: the id plus
// the ordering values needed to build the next cursor.
type IDRow struct {
	ID        string
	SortValue Value
	TieValue  Value
}

// RemoteQuery describes a phase-1 ID selection against the remote backend.
type RemoteQuery struct {
	Type      EntityType
	Selectors []Selector
	OrderBy   SortOption
	Cursor    *Cursor
	Limit     int
}

// RemoteSource is the REST-like backend consumed by the engine. Every query
// excludes soft-deleted rows. Transport errors are classified as offline by
// the caller, not here.
type RemoteSource interface {
	// SelectIDs runs the lightweight ID+sort-key query of the two-phase
	// protocol, ordered and cursor-scoped.
	SelectIDs(ctx context.Context, query RemoteQuery) ([]IDRow, error)
	// FetchByIDs retrieves full records for the given ids.
	FetchByIDs(ctx context.Context, entityType EntityType, ids []string) ([]Entity, error)
	// Count performs an exact head count under the given selectors.
	Count(ctx context.Context, entityType EntityType, selectors []Selector) (int, error)
	// Push writes an entity upstream and returns the authoritative record.
	Push(ctx context.Context, entityType EntityType, e Entity) (Entity, error)
	// Delete soft-deletes an entity upstream.
	Delete(ctx context.Context, entityType EntityType, id string) error
	// PullSince fetches records whose updatedAt is at or after the given
	// instant, oldest first, for background replication.
	PullSince(ctx context.Context, entityType EntityType, since time.Time, limit int) ([]Entity, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now returns the function's current time.
func (f ClockFunc) Now() time.Time { return f() }
