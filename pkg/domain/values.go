package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValueKind discriminates the closed set of field value shapes an entity may
// carry. The synthesized storage schema decides which kinds are legal per
// field; validation happens at the storage boundary.
type ValueKind string

// Supported value kinds for dynamic entity fields.
const (
	// KindNull marks an explicitly absent value.
	KindNull ValueKind = "null"
	// KindString holds UTF-8 text (uuid, string and text logical types).
	KindString ValueKind = "string"
	// KindNumber holds a float64 (number and integer logical types).
	KindNumber ValueKind = "number"
	// KindBool holds a boolean.
	KindBool ValueKind = "boolean"
	// KindObject holds a nested JSON object.
	KindObject ValueKind = "object"
	// KindArray holds a JSON array.
	KindArray ValueKind = "array"
)

// Value is the typed envelope for a single dynamic entity field. Exactly one
// payload is meaningful for a given Kind; the zero Value is Null.
type Value struct {
	Kind   ValueKind
	Str    string
	Num    float64
	Bool   bool
	Object map[string]Value
	Array  []Value
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// String wraps a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Object wraps a nested object value. The map is used as-is, not copied.
func Object(fields map[string]Value) Value { return Value{Kind: KindObject, Object: fields} }

// Array wraps an array value. The slice is used as-is, not copied.
func Array(items []Value) Value { return Value{Kind: KindArray, Array: items} }

// IsNull reports whether the value is null or the zero Value.
func (v Value) IsNull() bool { return v.Kind == "" || v.Kind == KindNull }

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindObject:
		if v.Object == nil {
			return v
		}
		cp := make(map[string]Value, len(v.Object))
		for k, item := range v.Object {
			cp[k] = item.Clone()
		}
		v.Object = cp
	case KindArray:
		if v.Array == nil {
			return v
		}
		cp := make([]Value, len(v.Array))
		for i, item := range v.Array {
			cp[i] = item.Clone()
		}
		v.Array = cp
	}
	return v
}

// At resolves a dot-separated path inside an object value. It returns the
// null value when any path segment is missing or traverses a non-object.
func (v Value) At(path string) Value {
	if path == "" {
		return v
	}
	current := v
	for _, segment := range strings.Split(path, ".") {
		if current.Kind != KindObject {
			return Null()
		}
		next, ok := current.Object[segment]
		if !ok {
			return Null()
		}
		current = next
	}
	return current
}

// kindRank orders value kinds so heterogeneous comparisons stay total:
// null < boolean < number < string < array < object.
func kindRank(k ValueKind) int {
	switch k {
	case "", KindNull:
		return 0
	case KindBool:
		return 1
	case KindNumber:
		return 2
	case KindString:
		return 3
	case KindArray:
		return 4
	case KindObject:
		return 5
	}
	return 6
}

// Compare imposes a total order over values: kinds rank first, then payloads
// compare within a kind. Strings compare bytewise, matching the ordering the
// remote backend applies to keyset cursors.
func (v Value) Compare(other Value) int {
	ra, rb := kindRank(v.Kind), kindRank(other.Kind)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case KindString:
		return strings.Compare(v.Str, other.Str)
	case KindNumber:
		switch {
		case v.Num < other.Num:
			return -1
		case v.Num > other.Num:
			return 1
		}
		return 0
	case KindBool:
		switch {
		case !v.Bool && other.Bool:
			return -1
		case v.Bool && !other.Bool:
			return 1
		}
		return 0
	case KindArray:
		for i := 0; i < len(v.Array) && i < len(other.Array); i++ {
			if c := v.Array[i].Compare(other.Array[i]); c != 0 {
				return c
			}
		}
		return len(v.Array) - len(other.Array)
	case KindObject:
		return strings.Compare(v.canonicalObjectKey(), other.canonicalObjectKey())
	}
	return 0
}

func (v Value) canonicalObjectKey() string {
	keys := make([]string, 0, len(v.Object))
	for k := range v.Object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		data, _ := json.Marshal(v.Object[k])
		b.Write(data)
		b.WriteByte(';')
	}
	return b.String()
}

// Equal reports payload equality.
func (v Value) Equal(other Value) bool { return v.Compare(other) == 0 }

// MarshalJSON encodes the value as its plain JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case "", KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindObject:
		if v.Object == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Object)
	case KindArray:
		if v.Array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Array)
	}
	return nil, fmt.Errorf("unknown value kind %q", v.Kind)
}

// UnmarshalJSON decodes plain JSON into the matching value kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// FromAny converts a decoded JSON value (string, bool, float64, json.Number,
// []any, map[string]any or nil) into a Value.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("decode number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			decoded, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, decoded)
		}
		return Array(items), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			decoded, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = decoded
		}
		return Object(fields), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}

// ToAny converts a Value back into plain Go data for JSON encoding.
func (v Value) ToAny() any {
	switch v.Kind {
	case "", KindNull:
		return nil
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, item := range v.Object {
			out[k] = item.ToAny()
		}
		return out
	case KindArray:
		out := make([]any, 0, len(v.Array))
		for _, item := range v.Array {
			out = append(out, item.ToAny())
		}
		return out
	}
	return nil
}
