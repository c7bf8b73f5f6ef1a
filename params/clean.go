package params

import (
	"fmt"
	"math"
	"slices"

	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// TabState is what cleaning knows about one tab of the workflow during a
// render pass.
type TabState struct {
	Slug string
	Name string
	// Rendered is false until the tab's flow has run in the current pass.
	Rendered bool
	Output   result.RenderResult
}

// Context is the environment a step's parameters are cleaned in.
type Context struct {
	// Input describes the step's input table.
	Input table.TableMetadata
	// Tabs lists every tab of the workflow in declaration order.
	Tabs []TabState
	// Params is the step's raw root params, consulted by column parameters
	// that select from the tab chosen in a sibling parameter.
	Params map[string]any
}

func (c *Context) tab(slug string) (*TabState, bool) {
	for i := range c.Tabs {
		if c.Tabs[i].Slug == slug {
			return &c.Tabs[i], true
		}
	}
	return nil, false
}

func (c *Context) columnsFor(tabParameter string) []table.Column {
	if tabParameter == "" {
		return c.Input.Columns
	}
	slug, _ := c.Params[tabParameter].(string)
	ts, ok := c.tab(slug)
	if !ok || !ts.Rendered || ts.Output.Status() != result.StatusOK {
		return nil
	}
	return ts.Output.Metadata().Columns
}

// Clean converts raw params to a Value tree:
//   - tab references become TabOutputs, or null for tabs that do not exist
//   - a reference to a tab not yet rendered returns *TabCycleError
//   - a reference to a tab without output returns *TabUnreachableError
//   - column references to absent columns become "" (or are dropped from lists)
//   - columns of a type the module refuses are collected into *PromptingError
//
// Missing dict properties take their schema default.
func Clean(schema DType, raw any, ctx *Context) (Value, error) {
	return clean(schema, raw, ctx, "params")
}

func clean(dt DType, raw any, ctx *Context, path string) (Value, error) {
	switch d := dt.(type) {
	case StringType:
		s, ok := raw.(string)
		if !ok {
			return Value{}, &ValueError{path, "string", raw}
		}
		return StringValue(s), nil

	case EnumType:
		s, ok := raw.(string)
		if !ok || !slices.Contains(d.Choices, s) {
			return Value{}, &ValueError{path, fmt.Sprintf("one of %v", d.Choices), raw}
		}
		return StringValue(s), nil

	case IntegerType:
		i, ok := asInt(raw)
		if !ok {
			return Value{}, &ValueError{path, "integer", raw}
		}
		return IntValue(i), nil

	case FloatType:
		f, ok := asFloat(raw)
		if !ok {
			return Value{}, &ValueError{path, "number", raw}
		}
		return FloatValue(f), nil

	case BooleanType:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, &ValueError{path, "boolean", raw}
		}
		return BoolValue(b), nil

	case TabType:
		slug, ok := raw.(string)
		if !ok {
			return Value{}, &ValueError{path, "tab slug", raw}
		}
		return cleanTab(slug, ctx)

	case MultitabType:
		items, ok := raw.([]any)
		if !ok {
			return Value{}, &ValueError{path, "list of tab slugs", raw}
		}
		chosen := make(map[string]Value, len(items))
		for i, item := range items {
			slug, ok := item.(string)
			if !ok {
				return Value{}, &ValueError{fmt.Sprintf("%s[%d]", path, i), "tab slug", item}
			}
			v, err := cleanTab(slug, ctx)
			if err != nil {
				return Value{}, err
			}
			if !v.IsNull() {
				chosen[slug] = v
			}
		}
		// Declaration order, not selection order.
		out := make([]Value, 0, len(chosen))
		for _, ts := range ctx.Tabs {
			if v, ok := chosen[ts.Slug]; ok {
				out = append(out, v)
			}
		}
		return ListValue(out...), nil

	case ColumnType:
		name, ok := raw.(string)
		if !ok {
			return Value{}, &ValueError{path, "column name", raw}
		}
		col, found := findColumn(ctx.columnsFor(d.TabParameter), name)
		if !found {
			return StringValue(""), nil
		}
		if len(d.ColumnTypes) > 0 && !slices.Contains(d.ColumnTypes, col.Type.Name) {
			return Value{}, &PromptingError{Errors: []WrongColumnType{{
				ColumnNames: []string{name},
				FoundType:   col.Type.Name,
				WantedTypes: d.ColumnTypes,
			}}}
		}
		return StringValue(name), nil

	case MulticolumnType:
		items, ok := raw.([]any)
		if !ok {
			return Value{}, &ValueError{path, "list of column names", raw}
		}
		requested := make(map[string]bool, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				requested[s] = true
			}
		}
		var agg promptAggregator
		var out []Value
		// Table order, not selection order.
		for _, col := range ctx.columnsFor(d.TabParameter) {
			if !requested[col.Name] {
				continue
			}
			if len(d.ColumnTypes) > 0 && !slices.Contains(d.ColumnTypes, col.Type.Name) {
				agg.add(WrongColumnType{ColumnNames: []string{col.Name}, FoundType: col.Type.Name, WantedTypes: d.ColumnTypes})
				continue
			}
			out = append(out, StringValue(col.Name))
		}
		if err := agg.err(); err != nil {
			return Value{}, err
		}
		return ListValue(out...), nil

	case ListType:
		items, ok := raw.([]any)
		if !ok {
			return Value{}, &ValueError{path, "list", raw}
		}
		var agg promptAggregator
		out := make([]Value, 0, len(items))
		for i, item := range items {
			v, err := clean(d.Inner, item, ctx, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				if agg.absorb(err) {
					continue
				}
				return Value{}, err
			}
			out = append(out, v)
		}
		if err := agg.err(); err != nil {
			return Value{}, err
		}
		return ListValue(out...), nil

	case DictType:
		m, ok := raw.(map[string]any)
		if !ok {
			return Value{}, &ValueError{path, "object", raw}
		}
		var agg promptAggregator
		out := make(map[string]Value, len(d.Properties))
		for _, p := range d.Properties {
			item, present := m[p.Name]
			if !present {
				item = Default(p.Type)
			}
			v, err := clean(p.Type, item, ctx, path+"."+p.Name)
			if err != nil {
				if agg.absorb(err) {
					continue
				}
				return Value{}, err
			}
			out[p.Name] = v
		}
		if err := agg.err(); err != nil {
			return Value{}, err
		}
		return DictValue(out), nil

	case MapType:
		m, ok := raw.(map[string]any)
		if !ok {
			return Value{}, &ValueError{path, "object", raw}
		}
		out := make(map[string]Value, len(m))
		for k, item := range m {
			v, err := clean(d.Value, item, ctx, path+"."+k)
			if err != nil {
				return Value{}, err
			}
			out[k] = v
		}
		return DictValue(out), nil

	case OptionType:
		if raw == nil {
			return NullValue(), nil
		}
		return clean(d.Inner, raw, ctx, path)

	default:
		return Value{}, fmt.Errorf("param %s: unsupported schema node %T", path, dt)
	}
}

func cleanTab(slug string, ctx *Context) (Value, error) {
	if slug == "" {
		return NullValue(), nil
	}
	ts, ok := ctx.tab(slug)
	if !ok {
		return NullValue(), nil
	}
	if !ts.Rendered {
		return Value{}, &TabCycleError{Slug: slug}
	}
	if ts.Output.Status() != result.StatusOK {
		return Value{}, &TabUnreachableError{Slug: slug}
	}
	return TabValue(&TabOutput{
		Slug:     ts.Slug,
		Name:     ts.Name,
		Table:    ts.Output.Table,
		Metadata: ts.Output.Metadata(),
	}), nil
}

func findColumn(cols []table.Column, name string) (table.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return table.Column{}, false
}

func asInt(raw any) (int64, bool) {
	switch r := raw.(type) {
	case int:
		return int64(r), true
	case int64:
		return r, true
	case float64:
		if r != math.Trunc(r) || math.IsInf(r, 0) {
			return 0, false
		}
		return int64(r), true
	}
	return 0, false
}

func asFloat(raw any) (float64, bool) {
	switch r := raw.(type) {
	case int:
		return float64(r), true
	case int64:
		return float64(r), true
	case float64:
		return r, !math.IsNaN(r) && !math.IsInf(r, 0)
	}
	return 0, false
}
