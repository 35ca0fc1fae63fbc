// Package schema synthesizes concrete local-storage schemas from space
// descriptors and migrates existing cache records across schema versions.
package schema

import (
	"replicore/pkg/domain"
)

// CurrentVersion is bumped whenever synthesis changes the shape of produced
// schemas. Version 2 added the cachedAt field for TTL eviction.
const CurrentVersion = 2

// Synthesizer derives storage schemas from runtime configuration.
type Synthesizer struct{}

// New constructs a Synthesizer.
func New() *Synthesizer { return &Synthesizer{} }

// Synthesize converts a space descriptor into a storage schema. Field
// descriptors are collected from the declared field set, the sort fields and
// the filter fields; the envelope fields id, createdAt, updatedAt,
// deletedFlag and cachedAt are always present. The second return is false
// when the descriptor does not belong to the requested entity type, which
// callers treat as "entity type unknown".
func (s *Synthesizer) Synthesize(entityType domain.EntityType, desc domain.SpaceDescriptor) (domain.StorageSchema, bool) {
	if desc.Type != entityType || entityType == "" {
		return domain.StorageSchema{}, false
	}
	out := domain.StorageSchema{
		Type:    entityType,
		Version: CurrentVersion,
		Fields:  make(map[string]domain.FieldDescriptor),
	}

	// The declared field set is the single source of truth for types.
	for key, logical := range desc.Fields {
		name := domain.NormalizeFieldKey(entityType, key)
		out.Fields[name] = domain.FieldDescriptor{Name: name, Type: domain.StorageType(logical)}
	}
	// Sort and filter declarations may reference fields the field set omits;
	// they join the schema with inferred types so ordering and filtering
	// always have a column to target.
	for _, opt := range desc.SortOptions {
		ensureField(out.Fields, domain.NormalizeFieldKey(entityType, opt.Field), domain.FieldString)
		if opt.TieBreaker != nil {
			ensureField(out.Fields, domain.NormalizeFieldKey(entityType, opt.TieBreaker.Field), domain.FieldString)
		}
	}
	for _, filter := range desc.FilterFields {
		name := domain.NormalizeFieldKey(entityType, filter.Field)
		ensureField(out.Fields, name, domain.StorageType(filter.LogicalType))
	}

	out.Fields[domain.FieldID] = domain.FieldDescriptor{
		Name:       domain.FieldID,
		Type:       domain.FieldString,
		MaxLength:  domain.MaxIDLength,
		Required:   true,
		PrimaryKey: true,
	}
	ensureField(out.Fields, domain.FieldCreatedAt, domain.FieldString)
	ensureField(out.Fields, domain.FieldUpdatedAt, domain.FieldString)
	ensureField(out.Fields, domain.FieldDeleted, domain.FieldBoolean)
	out.Fields[domain.FieldCachedAt] = domain.FieldDescriptor{Name: domain.FieldCachedAt, Type: domain.FieldNumber, Required: true}

	return out, true
}

func ensureField(fields map[string]domain.FieldDescriptor, name string, t domain.FieldType) {
	if name == "" {
		return
	}
	if _, ok := fields[name]; !ok {
		fields[name] = domain.FieldDescriptor{Name: name, Type: t}
	}
}

// Validate checks an entity against a schema: the id must be present and
// bounded, required fields must not be null, and field kinds must match the
// declared storage types. Unknown fields are rejected so duck-typed payloads
// cannot leak past the storage boundary.
func Validate(schema domain.StorageSchema, e domain.Entity) error {
	if e.ID == "" {
		return domain.ErrNotFound{Type: schema.Type, ID: ""}
	}
	if len(e.ID) > domain.MaxIDLength {
		return domain.StorageError{Type: schema.Type, Op: "validate", Err: errIDTooLong}
	}
	for name, v := range e.Fields {
		desc, ok := schema.Field(name)
		if !ok {
			return domain.StorageError{Type: schema.Type, Op: "validate", Err: unknownFieldError(name)}
		}
		if v.IsNull() {
			continue
		}
		if !kindAllowed(desc.Type, v.Kind) {
			return domain.StorageError{Type: schema.Type, Op: "validate", Err: kindMismatchError(name, desc.Type, v.Kind)}
		}
		if desc.MaxLength > 0 && v.Kind == domain.KindString && len(v.Str) > desc.MaxLength {
			return domain.StorageError{Type: schema.Type, Op: "validate", Err: tooLongError(name, desc.MaxLength)}
		}
	}
	return nil
}

func kindAllowed(t domain.FieldType, k domain.ValueKind) bool {
	switch t {
	case domain.FieldString:
		return k == domain.KindString
	case domain.FieldNumber:
		return k == domain.KindNumber
	case domain.FieldBoolean:
		return k == domain.KindBool
	case domain.FieldObject:
		return k == domain.KindObject
	case domain.FieldArray:
		return k == domain.KindArray
	}
	return false
}
