package params

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/dshills/tabflow/table"
)

// Kind tags a Value.
type Kind int

// Value kinds. The numeric values are part of the module wire format.
const (
	KindNull   Kind = 0
	KindString Kind = 1
	KindInt    Kind = 2
	KindFloat  Kind = 3
	KindBool   Kind = 4
	KindList   Kind = 5
	KindDict   Kind = 6
	KindTab    Kind = 7
)

// TabOutput is a resolved tab reference: the tab and its rendered table.
type TabOutput struct {
	Slug     string
	Name     string
	Table    *table.Table
	Metadata table.TableMetadata
}

// Value is a cleaned parameter value. Only the field matching Kind is set.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	List  []Value
	Dict  map[string]Value
	Tab   *TabOutput
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue wraps i.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps f.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// ListValue wraps vs.
func ListValue(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{Kind: KindList, List: vs}
}

// DictValue wraps m.
func DictValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: KindDict, Dict: m}
}

// TabValue wraps a resolved tab.
func TabValue(t *TabOutput) Value {
	if t == nil {
		return NullValue()
	}
	return Value{Kind: KindTab, Tab: t}
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Get returns the dict entry named key, or null.
func (v Value) Get(key string) Value {
	if v.Kind != KindDict {
		return NullValue()
	}
	return v.Dict[key]
}

// String returns the string payload, or "".
func (v Value) String() string {
	if v.Kind == KindString {
		return v.Str
	}
	return ""
}

// Strings returns the string items of a list.
func (v Value) Strings() []string {
	if v.Kind != KindList {
		return nil
	}
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		if item.Kind == KindString {
			out = append(out, item.Str)
		}
	}
	return out
}

// Number returns an int or float payload as float64.
func (v Value) Number() float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.Int)
	case KindFloat:
		return v.Float
	}
	return 0
}

// FromRaw converts a JSON-shaped raw value into a Value without a schema.
// Integral floats become KindInt.
func FromRaw(raw any) Value {
	switch r := raw.(type) {
	case nil:
		return NullValue()
	case string:
		return StringValue(r)
	case bool:
		return BoolValue(r)
	case int:
		return IntValue(int64(r))
	case int64:
		return IntValue(r)
	case float64:
		if r == math.Trunc(r) && math.Abs(r) < 1<<53 {
			return IntValue(int64(r))
		}
		return FloatValue(r)
	case json.Number:
		if i, err := r.Int64(); err == nil {
			return IntValue(i)
		}
		f, _ := r.Float64()
		return FloatValue(f)
	case []any:
		out := make([]Value, len(r))
		for i, item := range r {
			out[i] = FromRaw(item)
		}
		return ListValue(out...)
	case []string:
		out := make([]Value, len(r))
		for i, item := range r {
			out[i] = StringValue(item)
		}
		return ListValue(out...)
	case map[string]any:
		out := make(map[string]Value, len(r))
		for k, item := range r {
			out[k] = FromRaw(item)
		}
		return DictValue(out)
	default:
		return NullValue()
	}
}

// Raw converts v back to JSON-shaped data. Tabs become their slugs.
func (v Value) Raw() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return float64(v.Int)
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Raw()
		}
		return out
	case KindDict:
		out := make(map[string]any, len(v.Dict))
		for k, item := range v.Dict {
			out[k] = item.Raw()
		}
		return out
	case KindTab:
		return v.Tab.Slug
	default:
		return nil
	}
}

// SortedKeys returns the dict keys of v in lexical order.
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.Dict))
	for k := range v.Dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tabs returns every TabOutput reachable from v, depth first.
func (v Value) Tabs() []*TabOutput {
	var out []*TabOutput
	var walk func(Value)
	walk = func(v Value) {
		switch v.Kind {
		case KindTab:
			out = append(out, v.Tab)
		case KindList:
			for _, item := range v.List {
				walk(item)
			}
		case KindDict:
			for _, k := range v.SortedKeys() {
				walk(v.Dict[k])
			}
		}
	}
	walk(v)
	return out
}
