package table

import (
	"errors"
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"
)

// MaxColumnNameBytes is the longest column name, in UTF-8 bytes, a table may carry.
const MaxColumnNameBytes = 120

// ErrInvalidFormat is the sentinel every *FormatError matches with errors.Is.
var ErrInvalidFormat = errors.New("invalid table format")

// Rule names the structural invariant a payload broke.
type Rule string

// Structural rules checked by Validate and Check.
const (
	RuleHeader              Rule = "header"
	RuleTruncated           Rule = "truncated"
	RuleLength              Rule = "length"
	RuleKind                Rule = "kind"
	RuleColumnNameEmpty     Rule = "column-name-empty"
	RuleColumnNameUTF8      Rule = "column-name-utf8"
	RuleColumnNameTooLong   Rule = "column-name-too-long"
	RuleColumnNameControl   Rule = "column-name-control"
	RuleTextUTF8            Rule = "text-utf8"
	RuleFloatNotFinite      Rule = "float-not-finite"
	RuleDictionaryNull      Rule = "dictionary-null"
	RuleDictionaryUnused    Rule = "dictionary-unused"
	RuleDictionaryDuplicate Rule = "dictionary-duplicate"
	RuleDictionaryIndex     Rule = "dictionary-index"
)

// FormatError reports a payload that is not a structurally sound table.
// Column and Row are -1 when the violation is not specific to one.
type FormatError struct {
	Rule   Rule
	Column int
	Name   string
	Row    int
	Detail string
}

func (e *FormatError) Error() string {
	msg := "invalid table: " + string(e.Rule)
	if e.Column >= 0 {
		msg += fmt.Sprintf(" in column %d", e.Column)
		if e.Name != "" && utf8.ValidString(e.Name) {
			msg += fmt.Sprintf(" (%q)", e.Name)
		}
	}
	if e.Row >= 0 {
		msg += fmt.Sprintf(" at row %d", e.Row)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns ErrInvalidFormat.
func (e *FormatError) Unwrap() error { return ErrInvalidFormat }

// Validate decodes bytes of untrusted origin and checks every structural
// rule. No other component may read a table that has not passed Validate or
// Check.
func Validate(raw []byte) (*Table, error) {
	t, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := Check(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Check applies the structural rules to an in-memory table.
func Check(t *Table) error {
	if t == nil {
		return nil
	}
	if t.NRows < 0 {
		return &FormatError{Rule: RuleLength, Column: -1, Row: -1, Detail: "negative row count"}
	}
	for i, a := range t.Arrays {
		if err := checkArray(i, a, t.NRows); err != nil {
			return err
		}
	}
	return nil
}

func checkArray(col int, a *Array, nrows int) error {
	fail := func(rule Rule, row int, detail string) error {
		return &FormatError{Rule: rule, Column: col, Name: a.Name, Row: row, Detail: detail}
	}

	if err := checkColumnName(a.Name); err != nil {
		return fail(err.Rule, -1, err.Detail)
	}
	switch a.Kind {
	case KindUTF8, KindDictionary, KindInt64, KindFloat64, KindTimestamp, KindDate32:
	default:
		return fail(RuleKind, -1, fmt.Sprintf("unknown physical kind %d", a.Kind))
	}
	if n := a.Len(); n != nrows {
		return fail(RuleLength, -1, fmt.Sprintf("%d values for %d rows", n, nrows))
	}
	if a.Valid != nil && len(a.Valid) != nrows {
		return fail(RuleLength, -1, fmt.Sprintf("%d validity flags for %d rows", len(a.Valid), nrows))
	}

	switch a.Kind {
	case KindUTF8:
		for row, s := range a.Strings {
			if !a.IsNull(row) && !utf8.ValidString(s) {
				return fail(RuleTextUTF8, row, "")
			}
		}
	case KindFloat64:
		for row, f := range a.Floats {
			if !a.IsNull(row) && (math.IsNaN(f) || math.IsInf(f, 0)) {
				return fail(RuleFloatNotFinite, row, fmt.Sprint(f))
			}
		}
	case KindDictionary:
		return checkDictionary(a, fail)
	}
	return nil
}

func checkDictionary(a *Array, fail func(Rule, int, string) error) error {
	if a.DictionaryValid != nil {
		if len(a.DictionaryValid) != len(a.Dictionary) {
			return fail(RuleLength, -1, "dictionary validity does not match dictionary")
		}
		for i, ok := range a.DictionaryValid {
			if !ok {
				return fail(RuleDictionaryNull, -1, fmt.Sprintf("entry %d is null", i))
			}
		}
	}
	seen := make(map[string]int, len(a.Dictionary))
	for i, s := range a.Dictionary {
		if !utf8.ValidString(s) {
			return fail(RuleTextUTF8, -1, fmt.Sprintf("dictionary entry %d", i))
		}
		if j, dup := seen[s]; dup {
			return fail(RuleDictionaryDuplicate, -1, fmt.Sprintf("entries %d and %d are equal", j, i))
		}
		seen[s] = i
	}
	used := make([]bool, len(a.Dictionary))
	for row, idx := range a.Indices {
		if a.IsNull(row) {
			continue
		}
		if idx < 0 || int(idx) >= len(a.Dictionary) {
			return fail(RuleDictionaryIndex, row, fmt.Sprintf("index %d out of range", idx))
		}
		used[idx] = true
	}
	for i, u := range used {
		if !u {
			return fail(RuleDictionaryUnused, -1, fmt.Sprintf("entry %d is never used", i))
		}
	}
	return nil
}

type nameError struct {
	Rule   Rule
	Detail string
}

func checkColumnName(name string) *nameError {
	switch {
	case name == "":
		return &nameError{RuleColumnNameEmpty, ""}
	case !utf8.ValidString(name):
		return &nameError{RuleColumnNameUTF8, ""}
	case len(name) > MaxColumnNameBytes:
		return &nameError{RuleColumnNameTooLong, fmt.Sprintf("%d bytes, max %d", len(name), MaxColumnNameBytes)}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return &nameError{RuleColumnNameControl, fmt.Sprintf("contains %U", r)}
		}
	}
	return nil
}
