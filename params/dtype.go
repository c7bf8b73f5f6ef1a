// Package params describes module parameter schemas and the values that flow
// through them.
//
// A schema is a tree of DType nodes. Raw parameters are the JSON-shaped values
// stored with a step (map[string]any, []any, string, float64, bool, nil).
// Clean walks schema and raw value together and produces a Value tree in
// which tab references are resolved to tab outputs and column references are
// checked against the columns they select from.
package params

import "github.com/dshills/tabflow/table"

// DType is a node of a parameter schema. The set of implementations is closed.
type DType interface {
	dtype()
}

// StringType is a free-text parameter.
type StringType struct {
	Default string
}

// IntegerType is a whole-number parameter.
type IntegerType struct {
	Default int64
}

// FloatType is a floating-point parameter.
type FloatType struct {
	Default float64
}

// BooleanType is a checkbox parameter.
type BooleanType struct {
	Default bool
}

// EnumType is a parameter restricted to Choices.
type EnumType struct {
	Choices []string
	Default string
}

// ColumnType selects one column, from the step's input or, when TabParameter
// names a sibling tab parameter, from that tab's output. A non-empty
// ColumnTypes restricts which column types may be selected.
type ColumnType struct {
	TabParameter string
	ColumnTypes  []table.TypeName
}

// MulticolumnType selects several columns. See ColumnType.
type MulticolumnType struct {
	TabParameter string
	ColumnTypes  []table.TypeName
}

// TabType references another tab's output by slug.
type TabType struct{}

// MultitabType references several tabs.
type MultitabType struct{}

// ListType is a list of Inner values.
type ListType struct {
	Inner DType
}

// Property is one named entry of a DictType.
type Property struct {
	Name string
	Type DType
}

// DictType is a record with a fixed, ordered set of properties. A module's
// whole parameter schema is a DictType.
type DictType struct {
	Properties []Property
}

// Property returns the type of the named property.
func (d DictType) Property(name string) (DType, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p.Type, true
		}
	}
	return nil, false
}

// MapType maps arbitrary string keys to Value types.
type MapType struct {
	Value DType
}

// OptionType is Inner or null.
type OptionType struct {
	Inner DType
}

func (StringType) dtype()      {}
func (IntegerType) dtype()     {}
func (FloatType) dtype()       {}
func (BooleanType) dtype()     {}
func (EnumType) dtype()        {}
func (ColumnType) dtype()      {}
func (MulticolumnType) dtype() {}
func (TabType) dtype()         {}
func (MultitabType) dtype()    {}
func (ListType) dtype()        {}
func (DictType) dtype()        {}
func (MapType) dtype()         {}
func (OptionType) dtype()      {}

// Default returns the raw default value of dt.
func Default(dt DType) any {
	switch d := dt.(type) {
	case StringType:
		return d.Default
	case IntegerType:
		return float64(d.Default)
	case FloatType:
		return d.Default
	case BooleanType:
		return d.Default
	case EnumType:
		if d.Default == "" && len(d.Choices) > 0 {
			return d.Choices[0]
		}
		return d.Default
	case ColumnType, TabType:
		return ""
	case MulticolumnType, MultitabType, ListType:
		return []any{}
	case DictType:
		out := make(map[string]any, len(d.Properties))
		for _, p := range d.Properties {
			out[p.Name] = Default(p.Type)
		}
		return out
	case MapType:
		return map[string]any{}
	default:
		return nil
	}
}
