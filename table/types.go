// Package table defines the tabular data contract shared by the scheduler and
// modules, the binary container tables travel in, and the validators that
// decide whether bytes from an untrusted module may be trusted.
package table

import (
	"encoding/json"
	"fmt"
)

// TypeName identifies a logical column type.
type TypeName string

// Logical column types.
const (
	TypeText      TypeName = "text"
	TypeNumber    TypeName = "number"
	TypeTimestamp TypeName = "timestamp"
	TypeDate      TypeName = "date"
)

// DefaultNumberFormat is the format given to number columns that declare none.
const DefaultNumberFormat = "{:,}"

// DateUnit is the granularity every value of a date column aligns to.
type DateUnit string

// Date units.
const (
	UnitDay     DateUnit = "day"
	UnitWeek    DateUnit = "week"
	UnitMonth   DateUnit = "month"
	UnitQuarter DateUnit = "quarter"
	UnitYear    DateUnit = "year"
)

// Valid reports whether u is one of the known date units.
func (u DateUnit) Valid() bool {
	switch u {
	case UnitDay, UnitWeek, UnitMonth, UnitQuarter, UnitYear:
		return true
	}
	return false
}

// ColumnType is the logical type of a column.
//
// Format is only meaningful for TypeNumber and Unit only for TypeDate.
type ColumnType struct {
	Name   TypeName `json:"type"`
	Format string   `json:"format,omitempty"`
	Unit   DateUnit `json:"unit,omitempty"`
}

// Text returns the text column type.
func Text() ColumnType { return ColumnType{Name: TypeText} }

// Number returns a number column type. An empty format selects DefaultNumberFormat.
func Number(format string) ColumnType {
	if format == "" {
		format = DefaultNumberFormat
	}
	return ColumnType{Name: TypeNumber, Format: format}
}

// Timestamp returns the timestamp column type.
func Timestamp() ColumnType { return ColumnType{Name: TypeTimestamp} }

// Date returns a date column type with the given unit.
func Date(unit DateUnit) ColumnType { return ColumnType{Name: TypeDate, Unit: unit} }

func (t ColumnType) String() string {
	switch t.Name {
	case TypeNumber:
		return fmt.Sprintf("number(%s)", t.Format)
	case TypeDate:
		return fmt.Sprintf("date(%s)", t.Unit)
	default:
		return string(t.Name)
	}
}

// Column is a column's name and logical type, without its data.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// MarshalJSON flattens the type into the column object:
// {"name":"A","type":"number","format":"{:,}"}.
func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name   string   `json:"name"`
		Type   TypeName `json:"type"`
		Format string   `json:"format,omitempty"`
		Unit   DateUnit `json:"unit,omitempty"`
	}{c.Name, c.Type.Name, c.Type.Format, c.Type.Unit})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Column) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name   string   `json:"name"`
		Type   TypeName `json:"type"`
		Format string   `json:"format"`
		Unit   DateUnit `json:"unit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case TypeText, TypeTimestamp:
	case TypeNumber:
		if raw.Format == "" {
			raw.Format = DefaultNumberFormat
		}
	case TypeDate:
		if !raw.Unit.Valid() {
			return fmt.Errorf("column %q: invalid date unit %q", raw.Name, raw.Unit)
		}
	default:
		return fmt.Errorf("column %q: unknown type %q", raw.Name, raw.Type)
	}
	c.Name = raw.Name
	c.Type = ColumnType{Name: raw.Type, Format: raw.Format, Unit: raw.Unit}
	return nil
}

// TableMetadata describes a table without its bytes. It is what the scheduler
// persists alongside a cached result and what parameter cleaning consults.
type TableMetadata struct {
	NRows   int      `json:"nrows"`
	Columns []Column `json:"columns"`
}

// Column returns the column named name.
func (m TableMetadata) Column(name string) (Column, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Empty reports whether the metadata describes a zero-column table.
func (m TableMetadata) Empty() bool { return len(m.Columns) == 0 }
