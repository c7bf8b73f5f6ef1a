package params

import (
	"fmt"

	"github.com/dshills/tabflow/table"
)

// FieldSpec is the declarative form of one parameter in a module spec file.
type FieldSpec struct {
	IDName       string      `yaml:"id_name" json:"id_name"`
	Type         string      `yaml:"type" json:"type"`
	Default      any         `yaml:"default,omitempty" json:"default,omitempty"`
	Options      []string    `yaml:"options,omitempty" json:"options,omitempty"`
	TabParameter string      `yaml:"tab_parameter,omitempty" json:"tab_parameter,omitempty"`
	ColumnTypes  []string    `yaml:"column_types,omitempty" json:"column_types,omitempty"`
	Nullable     bool        `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Inner        *FieldSpec  `yaml:"inner,omitempty" json:"inner,omitempty"`
	Properties   []FieldSpec `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// SchemaFromFields builds the root DictType of a module's parameters.
func SchemaFromFields(fields []FieldSpec) (DictType, error) {
	d := DictType{Properties: make([]Property, 0, len(fields))}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.IDName == "" {
			return DictType{}, fmt.Errorf("parameter without id_name")
		}
		if seen[f.IDName] {
			return DictType{}, fmt.Errorf("duplicate parameter %q", f.IDName)
		}
		seen[f.IDName] = true
		dt, err := ParseField(f)
		if err != nil {
			return DictType{}, fmt.Errorf("parameter %q: %w", f.IDName, err)
		}
		d.Properties = append(d.Properties, Property{Name: f.IDName, Type: dt})
	}
	for _, p := range d.Properties {
		var tabParam string
		switch c := p.Type.(type) {
		case ColumnType:
			tabParam = c.TabParameter
		case MulticolumnType:
			tabParam = c.TabParameter
		}
		if tabParam == "" {
			continue
		}
		t, ok := d.Property(tabParam)
		if _, isTab := t.(TabType); !ok || !isTab {
			return DictType{}, fmt.Errorf("parameter %q: tab_parameter %q is not a tab parameter", p.Name, tabParam)
		}
	}
	return d, nil
}

// ParseField converts one FieldSpec to a DType.
func ParseField(f FieldSpec) (DType, error) {
	dt, err := parseField(f)
	if err != nil {
		return nil, err
	}
	if f.Nullable {
		return OptionType{Inner: dt}, nil
	}
	return dt, nil
}

func parseField(f FieldSpec) (DType, error) {
	switch f.Type {
	case "string", "text":
		s, _ := f.Default.(string)
		return StringType{Default: s}, nil
	case "integer":
		i, _ := asInt(f.Default)
		return IntegerType{Default: i}, nil
	case "float":
		v, _ := asFloat(f.Default)
		return FloatType{Default: v}, nil
	case "checkbox", "boolean":
		b, _ := f.Default.(bool)
		return BooleanType{Default: b}, nil
	case "menu", "radio", "enum":
		if len(f.Options) == 0 {
			return nil, fmt.Errorf("%s needs options", f.Type)
		}
		s, _ := f.Default.(string)
		if s == "" {
			s = f.Options[0]
		}
		return EnumType{Choices: f.Options, Default: s}, nil
	case "column", "multicolumn":
		types := make([]table.TypeName, 0, len(f.ColumnTypes))
		for _, t := range f.ColumnTypes {
			switch tn := table.TypeName(t); tn {
			case table.TypeText, table.TypeNumber, table.TypeTimestamp, table.TypeDate:
				types = append(types, tn)
			default:
				return nil, fmt.Errorf("unknown column type %q", t)
			}
		}
		if f.Type == "column" {
			return ColumnType{TabParameter: f.TabParameter, ColumnTypes: types}, nil
		}
		return MulticolumnType{TabParameter: f.TabParameter, ColumnTypes: types}, nil
	case "tab":
		return TabType{}, nil
	case "multitab":
		return MultitabType{}, nil
	case "list":
		if f.Inner == nil {
			return nil, fmt.Errorf("list needs inner")
		}
		inner, err := ParseField(*f.Inner)
		if err != nil {
			return nil, err
		}
		return ListType{Inner: inner}, nil
	case "dict":
		return SchemaFromFields(f.Properties)
	case "map":
		if f.Inner == nil {
			return nil, fmt.Errorf("map needs inner")
		}
		inner, err := ParseField(*f.Inner)
		if err != nil {
			return nil, err
		}
		return MapType{Value: inner}, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", f.Type)
	}
}
