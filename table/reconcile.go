package table

import (
	"errors"
	"fmt"
	"time"
)

// ErrMismatch is the sentinel every *MismatchError matches with errors.Is.
var ErrMismatch = errors.New("table does not match metadata")

// Reconcile rules.
const (
	RuleColumnCount         Rule = "column-count"
	RuleRowCount            Rule = "row-count"
	RuleColumnName          Rule = "column-name"
	RuleDuplicateColumnName Rule = "duplicate-column-name"
	RuleColumnType          Rule = "column-type"
	RuleTimestampZone       Rule = "timestamp-timezone"
	RuleTimestampUnit       Rule = "timestamp-unit"
	RuleDateUnit            Rule = "date-unit"
)

// MismatchError reports a structurally sound table that disagrees with the
// metadata declared for it. Column is -1 for table-level rules.
type MismatchError struct {
	Rule     Rule
	Column   int
	Name     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	msg := "table mismatch: " + string(e.Rule)
	if e.Column >= 0 {
		msg += fmt.Sprintf(" in column %d (%q)", e.Column, e.Name)
	}
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(": expected %s, got %s", e.Expected, e.Actual)
	}
	return msg
}

// Unwrap returns ErrMismatch.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// ValidatedTable is a table known to match its metadata.
type ValidatedTable struct {
	Table    *Table
	Metadata TableMetadata
}

// Reconcile checks that t, which must already have passed Validate or Check,
// matches md exactly. Nothing is coerced.
func Reconcile(t *Table, md TableMetadata) (*ValidatedTable, error) {
	if t == nil {
		t = Empty()
	}
	if len(t.Arrays) != len(md.Columns) {
		return nil, &MismatchError{Rule: RuleColumnCount, Column: -1,
			Expected: fmt.Sprint(len(md.Columns)), Actual: fmt.Sprint(len(t.Arrays))}
	}
	if t.NRows != md.NRows {
		return nil, &MismatchError{Rule: RuleRowCount, Column: -1,
			Expected: fmt.Sprint(md.NRows), Actual: fmt.Sprint(t.NRows)}
	}

	seen := make(map[string]struct{}, len(md.Columns))
	for i, col := range md.Columns {
		a := t.Arrays[i]
		if a.Name != col.Name {
			return nil, &MismatchError{Rule: RuleColumnName, Column: i, Name: col.Name,
				Expected: fmt.Sprintf("%q", col.Name), Actual: fmt.Sprintf("%q", a.Name)}
		}
		if _, dup := seen[col.Name]; dup {
			return nil, &MismatchError{Rule: RuleDuplicateColumnName, Column: i, Name: col.Name}
		}
		seen[col.Name] = struct{}{}
		if err := reconcileColumn(i, a, col); err != nil {
			return nil, err
		}
	}
	return &ValidatedTable{Table: t, Metadata: md}, nil
}

func reconcileColumn(i int, a *Array, col Column) error {
	wrongType := &MismatchError{Rule: RuleColumnType, Column: i, Name: col.Name,
		Expected: col.Type.String(), Actual: a.Kind.String()}

	switch col.Type.Name {
	case TypeText:
		if a.Kind != KindUTF8 && a.Kind != KindDictionary {
			return wrongType
		}
	case TypeNumber:
		if a.Kind != KindInt64 && a.Kind != KindFloat64 {
			return wrongType
		}
	case TypeTimestamp:
		if a.Kind != KindTimestamp {
			return wrongType
		}
		if a.TimeZone != "" {
			return &MismatchError{Rule: RuleTimestampZone, Column: i, Name: col.Name,
				Expected: "no timezone", Actual: fmt.Sprintf("%q", a.TimeZone)}
		}
		if a.TimeUnit != "ns" {
			return &MismatchError{Rule: RuleTimestampUnit, Column: i, Name: col.Name,
				Expected: "ns", Actual: fmt.Sprintf("%q", a.TimeUnit)}
		}
	case TypeDate:
		if a.Kind != KindDate32 {
			return wrongType
		}
		for row, d := range a.Days {
			if a.IsNull(row) {
				continue
			}
			if !DateAligned(d, col.Type.Unit) {
				return &MismatchError{Rule: RuleDateUnit, Column: i, Name: col.Name,
					Expected: fmt.Sprintf("every value aligned to %s", col.Type.Unit),
					Actual:   fmt.Sprintf("%s at row %d", dayToTime(d).Format("2006-01-02"), row)}
			}
		}
	default:
		return wrongType
	}
	return nil
}

// epochWeekday is the weekday of 1970-01-01.
const epochWeekday = time.Thursday

// DateAligned reports whether days-since-epoch d falls on the anchor day of
// unit: any day for UnitDay, Monday for UnitWeek, the first of the month for
// UnitMonth, the first of January/April/July/October for UnitQuarter and
// January 1 for UnitYear.
func DateAligned(d int32, unit DateUnit) bool {
	switch unit {
	case UnitDay:
		return true
	case UnitWeek:
		wd := (int(epochWeekday) + int(d)%7 + 7) % 7
		return time.Weekday(wd) == time.Monday
	}
	t := dayToTime(d)
	if t.Day() != 1 {
		return false
	}
	switch unit {
	case UnitMonth:
		return true
	case UnitQuarter:
		return (t.Month()-1)%3 == 0
	case UnitYear:
		return t.Month() == time.January
	}
	return false
}

func dayToTime(d int32) time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}
