// Package domain defines the entity envelope, schema descriptors, query
// primitives, and persistence interfaces shared by the replicore engine.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EntityType identifies one logical table-like dataset ("space"), e.g. "pet".
type EntityType string

// Reserved canonical field names injected into every synthesized schema.
const (
	// FieldID is the primary key of every entity.
	FieldID = "id"
	// FieldCreatedAt holds the remote creation timestamp.
	FieldCreatedAt = "createdAt"
	// FieldUpdatedAt holds the remote last-write timestamp used for conflict resolution.
	FieldUpdatedAt = "updatedAt"
	// FieldDeleted is the soft-delete flag.
	FieldDeleted = "deletedFlag"
	// FieldCachedAt records the local write-through time in epoch millis for TTL eviction.
	FieldCachedAt = "cachedAt"
)

// MaxIDLength bounds entity identifiers (UUID text form).
const MaxIDLength = 36

// timeFieldLayout renders envelope timestamps with fixed-width fractional
// seconds so lexicographic comparison of the rendered strings matches
// chronological order across mixed precisions.
const timeFieldLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entity is a generic record of a dynamic schema: a fixed envelope plus an
// open set of typed fields governed by the entity type's StorageSchema.
type Entity struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Deleted   bool             `json:"deleted"`
	Fields    map[string]Value `json:"fields,omitempty"`
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	cp := e
	if e.Fields != nil {
		cp.Fields = make(map[string]Value, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v.Clone()
		}
	}
	return cp
}

// Field resolves a canonical field name against the entity. Envelope fields
// are addressable under their reserved names; a dot suffix descends into
// nested object values ("meta.color").
func (e Entity) Field(name string) Value {
	root := name
	rest := ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		root, rest = name[:i], name[i+1:]
	}
	var v Value
	switch root {
	case FieldID:
		v = String(e.ID)
	case FieldCreatedAt:
		v = String(e.CreatedAt.UTC().Format(timeFieldLayout))
	case FieldUpdatedAt:
		v = String(e.UpdatedAt.UTC().Format(timeFieldLayout))
	case FieldDeleted:
		v = Bool(e.Deleted)
	default:
		if e.Fields == nil {
			return Null()
		}
		var ok bool
		v, ok = e.Fields[root]
		if !ok {
			return Null()
		}
	}
	if rest == "" {
		return v
	}
	return v.At(rest)
}

// Merge folds the non-null fields of other into a copy of e, keeping fields
// that other does not carry. Envelope fields come from other when set.
func (e Entity) Merge(other Entity) Entity {
	merged := e.Clone()
	if other.ID != "" {
		merged.ID = other.ID
	}
	if !other.CreatedAt.IsZero() {
		merged.CreatedAt = other.CreatedAt
	}
	if !other.UpdatedAt.IsZero() {
		merged.UpdatedAt = other.UpdatedAt
	}
	merged.Deleted = other.Deleted
	if len(other.Fields) > 0 && merged.Fields == nil {
		merged.Fields = make(map[string]Value, len(other.Fields))
	}
	for k, v := range other.Fields {
		merged.Fields[k] = v.Clone()
	}
	return merged
}

// CacheRecord wraps an entity with its local write-through time. CachedAt is
// epoch millis; records older than the collection TTL are evicted.
type CacheRecord struct {
	Entity
	CachedAt int64 `json:"cached_at"`
}

// Clone returns a deep copy of the cache record.
func (r CacheRecord) Clone() CacheRecord {
	cp := r
	cp.Entity = r.Entity.Clone()
	return cp
}

// Expired reports whether the record's cache age exceeds ttl at instant now.
func (r CacheRecord) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.UnixMilli()-r.CachedAt > ttl.Milliseconds()
}

// ChildRecord is one row from any child table or view of a parent entity
// type. TableType discriminates the source table; all non-core columns live
// in Additional. Records are indexed by (ParentID, TableType).
type ChildRecord struct {
	ID          string           `json:"id"`
	TableType   string           `json:"table_type"`
	ParentID    string           `json:"parent_id"`
	PartitionID string           `json:"partition_id,omitempty"`
	Additional  map[string]Value `json:"additional,omitempty"`
	CachedAt    int64            `json:"cached_at"`
}

// Clone returns a deep copy of the child record.
func (c ChildRecord) Clone() ChildRecord {
	cp := c
	if c.Additional != nil {
		cp.Additional = make(map[string]Value, len(c.Additional))
		for k, v := range c.Additional {
			cp.Additional[k] = v.Clone()
		}
	}
	return cp
}

// ChangeKind classifies a live change event.
type ChangeKind string

// Change event kinds emitted by collections and applied by replication.
const (
	// ChangeInsert reports a newly materialized record.
	ChangeInsert ChangeKind = "insert"
	// ChangeUpdate reports a field-level update of an existing record.
	ChangeUpdate ChangeKind = "update"
	// ChangeDelete reports a removal (soft delete or eviction).
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one element of a collection's live change stream.
type ChangeEvent struct {
	Kind   ChangeKind
	Type   EntityType
	Record CacheRecord
}

// MarshalJSON keeps event payloads compact for trace sinks.
func (ev ChangeEvent) MarshalJSON() ([]byte, error) {
	type alias struct {
		Kind ChangeKind `json:"kind"`
		Type EntityType `json:"type"`
		ID   string     `json:"id"`
	}
	return json.Marshal(alias{Kind: ev.Kind, Type: ev.Type, ID: ev.Record.ID})
}
