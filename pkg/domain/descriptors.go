package domain

import "strings"

// FieldType is the storage-level type of a schema field.
type FieldType string

// Storage field types produced by schema synthesis.
const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// FieldDescriptor describes one storage schema field.
type FieldDescriptor struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	MaxLength  int       `json:"max_length,omitempty"`
	Required   bool      `json:"required,omitempty"`
	PrimaryKey bool      `json:"primary_key,omitempty"`
}

// SortDirection orders query results.
type SortDirection string

// Sort directions accepted by sort options and cursors.
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// TieBreaker is the secondary ordering applied when primary sort values tie.
type TieBreaker struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// SortOption is one ordering an entity type's configuration declares. SubPath
// addresses a value inside a JSON object field; sorting on it cannot use
// storage-level ordering and runs in application code.
type SortOption struct {
	Field      string        `json:"field"`
	Direction  SortDirection `json:"direction"`
	TieBreaker *TieBreaker   `json:"tie_breaker,omitempty"`
	SubPath    string        `json:"sub_path,omitempty"`
}

// FilterField is one filterable field with its declared logical type and an
// optional explicit operator. When Operator is empty the engine infers one
// from LogicalType.
type FilterField struct {
	Field       string   `json:"field"`
	LogicalType string   `json:"logical_type"`
	Operator    Operator `json:"operator,omitempty"`
}

// ViewConfig carries per-view presentation hints the engine consumes.
type ViewConfig struct {
	Name     string `json:"name"`
	PageSize int    `json:"page_size"`
	Default  bool   `json:"default"`
}

// Permissions gates mutating operations per entity type.
type Permissions struct {
	CanAdd    bool `json:"can_add"`
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
}

// SpaceDescriptor is the flattened per-entity-type configuration: canonical
// field declarations, available orderings and filters, views, permissions,
// and the optional partition key scoping total-count queries.
type SpaceDescriptor struct {
	Type         EntityType            `json:"type"`
	Fields       map[string]string     `json:"fields"` // canonical name -> logical type
	SortOptions  []SortOption          `json:"sort_options,omitempty"`
	FilterFields []FilterField         `json:"filter_fields,omitempty"`
	Views        map[string]ViewConfig `json:"views,omitempty"`
	Permissions  Permissions           `json:"permissions"`
	PartitionKey string                `json:"partition_key,omitempty"`
	HasTotal     bool                  `json:"has_total"`
}

// DefaultPageSize is used when no view declares one.
const DefaultPageSize = 50

// PageSize returns the default view's page size, falling back to the first
// declared view and finally to DefaultPageSize.
func (d SpaceDescriptor) PageSize() int {
	var first int
	for _, view := range d.Views {
		if view.PageSize <= 0 {
			continue
		}
		if view.Default {
			return view.PageSize
		}
		if first == 0 {
			first = view.PageSize
		}
	}
	if first > 0 {
		return first
	}
	return DefaultPageSize
}

// FilterFor returns the declared filter field for a canonical name.
func (d SpaceDescriptor) FilterFor(field string) (FilterField, bool) {
	for _, f := range d.FilterFields {
		if f.Field == field {
			return f, true
		}
	}
	return FilterField{}, false
}

// StorageSchema is a concrete local-storage schema synthesized from a space
// descriptor: canonical field name to descriptor, plus a version that bumps
// when the configuration changes shape.
type StorageSchema struct {
	Type    EntityType                 `json:"type"`
	Version int                        `json:"version"`
	Fields  map[string]FieldDescriptor `json:"fields"`
}

// Field returns the descriptor for a canonical field name.
func (s StorageSchema) Field(name string) (FieldDescriptor, bool) {
	d, ok := s.Fields[name]
	return d, ok
}

// NormalizeFieldKey strips the configuration prefix "<entityType>_field_"
// from a field key so schema, sort, and filter declarations agree on
// canonical names. Keys without the prefix pass through unchanged.
func NormalizeFieldKey(entityType EntityType, key string) string {
	prefix := string(entityType) + "_field_"
	if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}

// StorageType maps a configuration-declared logical type to its storage
// type. Unknown logical types default to string.
func StorageType(logical string) FieldType {
	switch strings.ToLower(logical) {
	case "uuid", "string", "text", "date", "timestamp":
		return FieldString
	case "number", "integer", "float":
		return FieldNumber
	case "boolean", "bool":
		return FieldBoolean
	case "json", "object":
		return FieldObject
	case "array":
		return FieldArray
	}
	return FieldString
}
