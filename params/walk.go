package params

import (
	"fmt"
	"slices"
)

// FindTabSlugs returns the slugs of every tab referenced by raw, in first
// appearance order. Values whose shape does not match the schema are skipped.
func FindTabSlugs(schema DType, raw any) []string {
	var out []string
	add := func(slug string) {
		if slug != "" && !slices.Contains(out, slug) {
			out = append(out, slug)
		}
	}
	var walk func(DType, any)
	walk = func(dt DType, raw any) {
		switch d := dt.(type) {
		case TabType:
			if s, ok := raw.(string); ok {
				add(s)
			}
		case MultitabType:
			items, _ := raw.([]any)
			for _, item := range items {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case ListType:
			items, _ := raw.([]any)
			for _, item := range items {
				walk(d.Inner, item)
			}
		case DictType:
			m, _ := raw.(map[string]any)
			for _, p := range d.Properties {
				if item, ok := m[p.Name]; ok {
					walk(p.Type, item)
				}
			}
		case MapType:
			m, _ := raw.(map[string]any)
			for _, k := range sortedRawKeys(m) {
				walk(d.Value, m[k])
			}
		case OptionType:
			if raw != nil {
				walk(d.Inner, raw)
			}
		}
	}
	walk(schema, raw)
	return out
}

// Validate checks that raw has exactly the shape schema describes: every dict
// property present, no unknown keys, scalars of the right type and enum
// values among their choices.
func Validate(schema DType, raw any) error {
	return validate(schema, raw, "params")
}

func validate(dt DType, raw any, path string) error {
	switch d := dt.(type) {
	case StringType, ColumnType, TabType:
		if _, ok := raw.(string); !ok {
			return &ValueError{path, "string", raw}
		}
	case EnumType:
		s, ok := raw.(string)
		if !ok || !slices.Contains(d.Choices, s) {
			return &ValueError{path, fmt.Sprintf("one of %v", d.Choices), raw}
		}
	case IntegerType:
		if _, ok := asInt(raw); !ok {
			return &ValueError{path, "integer", raw}
		}
	case FloatType:
		if _, ok := asFloat(raw); !ok {
			return &ValueError{path, "number", raw}
		}
	case BooleanType:
		if _, ok := raw.(bool); !ok {
			return &ValueError{path, "boolean", raw}
		}
	case MulticolumnType, MultitabType:
		items, ok := raw.([]any)
		if !ok {
			return &ValueError{path, "list of strings", raw}
		}
		for i, item := range items {
			if _, ok := item.(string); !ok {
				return &ValueError{fmt.Sprintf("%s[%d]", path, i), "string", item}
			}
		}
	case ListType:
		items, ok := raw.([]any)
		if !ok {
			return &ValueError{path, "list", raw}
		}
		for i, item := range items {
			if err := validate(d.Inner, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case DictType:
		m, ok := raw.(map[string]any)
		if !ok {
			return &ValueError{path, "object", raw}
		}
		for _, p := range d.Properties {
			item, present := m[p.Name]
			if !present {
				return &ValueError{path + "." + p.Name, "a value", nil}
			}
			if err := validate(p.Type, item, path+"."+p.Name); err != nil {
				return err
			}
		}
		for _, k := range sortedRawKeys(m) {
			if _, known := d.Property(k); !known {
				return fmt.Errorf("param %s: unknown property %q", path, k)
			}
		}
	case MapType:
		m, ok := raw.(map[string]any)
		if !ok {
			return &ValueError{path, "object", raw}
		}
		for _, k := range sortedRawKeys(m) {
			if err := validate(d.Value, m[k], path+"."+k); err != nil {
				return err
			}
		}
	case OptionType:
		if raw != nil {
			return validate(d.Inner, raw, path)
		}
	default:
		return fmt.Errorf("param %s: unsupported schema node %T", path, dt)
	}
	return nil
}

func sortedRawKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
