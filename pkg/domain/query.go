package domain

import "strings"

// Operator is a filter comparison the engine supports. Only the operators a
// configuration declares (or implies via logical type) are available; this is
// not a general predicate language.
type Operator string

// Supported filter operators.
const (
	// OpEquals matches exact values (uuid, boolean, number).
	OpEquals Operator = "eq"
	// OpContains matches case-insensitive substrings of string fields.
	OpContains Operator = "contains"
	// OpStartsWith matches case-insensitive prefixes of string fields.
	OpStartsWith Operator = "startsWith"
	// OpGreaterOrEqual is the inferred range-start match for date fields.
	OpGreaterOrEqual Operator = "gte"
	// OpGreaterThan matches strictly greater values.
	OpGreaterThan Operator = "gt"
	// OpLessOrEqual matches lesser-or-equal values.
	OpLessOrEqual Operator = "lte"
	// OpLessThan matches strictly lesser values.
	OpLessThan Operator = "lt"
	// OpIn matches set membership over an array filter value.
	OpIn Operator = "in"
)

// InferOperator derives the operator for a field without an explicit
// declaration: text searches by substring, scalars by equality, temporal
// types as a range start.
func InferOperator(logicalType string) Operator {
	switch strings.ToLower(logicalType) {
	case "string", "text":
		return OpContains
	case "date", "timestamp":
		return OpGreaterOrEqual
	}
	return OpEquals
}

// Filters maps canonical field names to requested filter values. The
// operator applied per field comes from the space descriptor (explicit
// declaration first, inference second).
type Filters map[string]Value

// Clone returns a deep copy of the filter set.
func (f Filters) Clone() Filters {
	if f == nil {
		return nil
	}
	cp := make(Filters, len(f))
	for k, v := range f {
		cp[k] = v.Clone()
	}
	return cp
}

// Matches applies one operator to an entity field value.
func (op Operator) Matches(field, filter Value) bool {
	switch op {
	case OpEquals:
		return field.Equal(filter)
	case OpContains:
		return field.Kind == KindString && strings.Contains(strings.ToLower(field.Str), strings.ToLower(filter.Str))
	case OpStartsWith:
		return field.Kind == KindString && strings.HasPrefix(strings.ToLower(field.Str), strings.ToLower(filter.Str))
	case OpGreaterOrEqual:
		return field.Compare(filter) >= 0
	case OpGreaterThan:
		return field.Compare(filter) > 0
	case OpLessOrEqual:
		return field.Compare(filter) <= 0 && !field.IsNull()
	case OpLessThan:
		return field.Compare(filter) < 0 && !field.IsNull()
	case OpIn:
		for _, member := range filter.Array {
			if field.Equal(member) {
				return true
			}
		}
		return false
	}
	return false
}

// Cursor is an opaque keyset pagination token: the last-seen primary sort
// value plus the tie-breaker that disambiguates equal primaries. Cursors are
// only valid for the sort configuration that produced them.
type Cursor struct {
	Value           Value  `json:"value"`
	TieBreakerValue Value  `json:"tie_breaker_value"`
	TieBreakerField string `json:"tie_breaker_field"`
}

// Accepts reports whether an entity lies strictly beyond the cursor under
// the given ordering: (sort > value) OR (sort = value AND tie > tieValue),
// with both comparisons flipped for descending order.
func (c Cursor) Accepts(e Entity, order SortOption) bool {
	primary := sortValue(e, order)
	cmp := primary.Compare(c.Value)
	if order.Direction == SortDesc {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp > 0
	}
	if c.TieBreakerField == "" {
		return false
	}
	tieCmp := e.Field(c.TieBreakerField).Compare(c.TieBreakerValue)
	if order.TieBreaker != nil && order.TieBreaker.Direction == SortDesc {
		tieCmp = -tieCmp
	}
	return tieCmp > 0
}

// NextCursor builds the pagination token for the page ending at e.
func NextCursor(e Entity, order SortOption) *Cursor {
	cursor := &Cursor{Value: sortValue(e, order)}
	if order.TieBreaker != nil {
		cursor.TieBreakerField = order.TieBreaker.Field
		cursor.TieBreakerValue = e.Field(order.TieBreaker.Field)
	}
	return cursor
}

func sortValue(e Entity, order SortOption) Value {
	v := e.Field(order.Field)
	if order.SubPath != "" {
		v = v.At(order.SubPath)
	}
	return v
}

// Less orders two entities under a sort option, applying the tie-breaker and
// finally the id so the order is deterministic.
func Less(a, b Entity, order SortOption) bool {
	cmp := sortValue(a, order).Compare(sortValue(b, order))
	if order.Direction == SortDesc {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp < 0
	}
	if order.TieBreaker != nil {
		tieCmp := a.Field(order.TieBreaker.Field).Compare(b.Field(order.TieBreaker.Field))
		if order.TieBreaker.Direction == SortDesc {
			tieCmp = -tieCmp
		}
		if tieCmp != 0 {
			return tieCmp < 0
		}
	}
	return a.ID < b.ID
}

// QueryOptions parameterize one paginated read.
type QueryOptions struct {
	Limit   int
	Cursor  *Cursor
	OrderBy SortOption
}

// QueryResult is one page of a filtered read. Offline marks pages served
// entirely from the local cache so callers can surface degraded-mode UI.
type QueryResult struct {
	Records    []Entity
	Total      int
	HasMore    bool
	NextCursor *Cursor
	Offline    bool
}
