package params

import (
	"testing"

	"gopkg.in/yaml.v3"
)

const joinSpec = `
- id_name: right_tab
  type: tab
- id_name: on
  type: multicolumn
  tab_parameter: right_tab
- id_name: how
  type: menu
  options: [left, inner]
  default: inner
- id_name: renames
  type: map
  inner:
    type: string
- id_name: limit
  type: integer
  default: 10
  nullable: true
`

func TestSchemaFromFields(t *testing.T) {
	var fields []FieldSpec
	if err := yaml.Unmarshal([]byte(joinSpec), &fields); err != nil {
		t.Fatal(err)
	}
	schema, err := SchemaFromFields(fields)
	if err != nil {
		t.Fatalf("SchemaFromFields() error = %v", err)
	}

	def := Default(schema)
	if err := Validate(schema, def); err != nil {
		t.Errorf("default params do not validate: %v", err)
	}
	m := def.(map[string]any)
	if m["how"] != "inner" {
		t.Errorf("how default = %v", m["how"])
	}
	if m["limit"] != nil {
		t.Errorf("nullable default = %v, want nil", m["limit"])
	}
	if mc, ok := schema.Properties[1].Type.(MulticolumnType); !ok || mc.TabParameter != "right_tab" {
		t.Errorf("on = %#v", schema.Properties[1].Type)
	}
}

func TestSchemaFromFields_Errors(t *testing.T) {
	tests := []struct {
		name   string
		fields []FieldSpec
	}{
		{"missing id", []FieldSpec{{Type: "string"}}},
		{"duplicate", []FieldSpec{{IDName: "a", Type: "string"}, {IDName: "a", Type: "string"}}},
		{"unknown type", []FieldSpec{{IDName: "a", Type: "spreadsheet"}}},
		{"menu without options", []FieldSpec{{IDName: "a", Type: "menu"}}},
		{"bad column type", []FieldSpec{{IDName: "a", Type: "column", ColumnTypes: []string{"money"}}}},
		{"tab_parameter not a tab", []FieldSpec{
			{IDName: "t", Type: "string"},
			{IDName: "c", Type: "column", TabParameter: "t"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := SchemaFromFields(tt.fields); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate_RejectsUnknownAndMissing(t *testing.T) {
	schema := DictType{Properties: []Property{{Name: "a", Type: StringType{}}}}
	if err := Validate(schema, map[string]any{}); err == nil {
		t.Error("missing property accepted")
	}
	if err := Validate(schema, map[string]any{"a": "x", "b": 1.0}); err == nil {
		t.Error("unknown property accepted")
	}
	if err := Validate(schema, map[string]any{"a": "x"}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}
