package query

import (
	"sort"

	"replicore/pkg/domain"
)

// ResolveOperator picks the comparison for a filter field. An explicit
// operator declared in configuration wins; otherwise the operator is inferred
// from the declared logical type, first from the filter declaration and then
// from the field set.
func ResolveOperator(desc domain.SpaceDescriptor, field string) domain.Operator {
	if f, ok := desc.FilterFor(field); ok {
		if f.Operator != "" {
			return f.Operator
		}
		if f.LogicalType != "" {
			return domain.InferOperator(f.LogicalType)
		}
	}
	if logical, ok := desc.Fields[field]; ok {
		return domain.InferOperator(logical)
	}
	return domain.OpEquals
}

// BuildSelectors converts requested filters into selectors in deterministic
// field order. Null filter values are ignored; array values force set
// membership regardless of the resolved operator.
func BuildSelectors(desc domain.SpaceDescriptor, filters domain.Filters) []domain.Selector {
	if len(filters) == 0 {
		return nil
	}
	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	out := make([]domain.Selector, 0, len(fields))
	for _, field := range fields {
		value := filters[field]
		if value.IsNull() {
			continue
		}
		op := ResolveOperator(desc, field)
		if value.Kind == domain.KindArray {
			op = domain.OpIn
		}
		out = append(out, domain.Selector{Field: field, Op: op, Value: value})
	}
	return out
}

// searchSelectorIndex finds the selector driving hybrid search: the first
// positive case-insensitive substring match over a non-empty string value.
func searchSelectorIndex(selectors []domain.Selector) int {
	for i, sel := range selectors {
		if sel.Op == domain.OpContains && !sel.Not && sel.Value.Kind == domain.KindString && sel.Value.Str != "" {
			return i
		}
	}
	return -1
}
