package table

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func validTable() *Table {
	return New(
		Strings("name", []string{"a", "b", "c"}),
		Floats("score", []float64{1.5, 2, 3}),
		Dictionary("tag", []string{"x", "y"}, []int32{0, 1, 0}),
	)
}

func TestValidate_RoundTrip(t *testing.T) {
	in := validTable()
	out, err := Validate(Encode(in))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out.NRows != 3 || len(out.Arrays) != 3 {
		t.Fatalf("got %d rows, %d columns", out.NRows, len(out.Arrays))
	}
	if got := out.Array("tag").Dictionary[1]; got != "y" {
		t.Errorf("dictionary[1] = %q, want %q", got, "y")
	}
	if got := out.Array("score").Floats[0]; got != 1.5 {
		t.Errorf("score[0] = %v, want 1.5", got)
	}
}

func TestValidate_NullsSurviveEncoding(t *testing.T) {
	in := New(Ints("n", []int64{1, 0, -3}, 1))
	out, err := Validate(Encode(in))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	a := out.Arrays[0]
	if !a.IsNull(1) || a.IsNull(0) || a.Ints[2] != -3 {
		t.Errorf("unexpected array %+v", a)
	}
}

func TestValidate_Rejects(t *testing.T) {
	encoded := Encode(validTable())

	tests := []struct {
		name string
		raw  []byte
		rule Rule
		col  int
	}{
		{"empty", nil, RuleHeader, -1},
		{"truncated header", encoded[:3], RuleHeader, -1},
		{"bad magic", append([]byte("XXXX\x01"), encoded[HeaderSize:]...), RuleHeader, -1},
		{"future version", append([]byte("TFTB\x09"), encoded[HeaderSize:]...), RuleHeader, -1},
		{"truncated body", encoded[:len(encoded)-4], RuleTruncated, -1},
		{
			"invalid utf8 text",
			Encode(New(Strings("a", []string{"ok", "bad\xff"}))),
			RuleTextUTF8, 0,
		},
		{
			"invalid utf8 column name",
			Encode(New(Strings("bad\xc3", []string{"x"}))),
			RuleColumnNameUTF8, 0,
		},
		{
			"control character in column name",
			Encode(New(Strings("ok", []string{"x"}), Strings("a\nb", []string{"x"}))),
			RuleColumnNameControl, 1,
		},
		{
			"column name too long",
			Encode(New(Strings(strings.Repeat("é", 61), []string{"x"}))),
			RuleColumnNameTooLong, 0,
		},
		{
			"empty column name",
			Encode(New(Strings("", []string{"x"}))),
			RuleColumnNameEmpty, 0,
		},
		{
			"non-finite float",
			Encode(New(Floats("f", []float64{1, math.Inf(1)}))),
			RuleFloatNotFinite, 0,
		},
		{
			"NaN float",
			Encode(New(Floats("f", []float64{math.NaN()}))),
			RuleFloatNotFinite, 0,
		},
		{
			"unused dictionary entry",
			Encode(New(Dictionary("d", []string{"x", "y", "z"}, []int32{0, 2}))),
			RuleDictionaryUnused, 0,
		},
		{
			"duplicate dictionary entry",
			Encode(New(Dictionary("d", []string{"x", "x"}, []int32{0, 1}))),
			RuleDictionaryDuplicate, 0,
		},
		{
			"null dictionary entry",
			Encode(New(&Array{Name: "d", Kind: KindDictionary, Dictionary: []string{"x", ""},
				DictionaryValid: []bool{true, false}, Indices: []int32{0, 1}})),
			RuleDictionaryNull, 0,
		},
		{
			"dictionary index out of range",
			Encode(New(Dictionary("d", []string{"x"}, []int32{0, 5}))),
			RuleDictionaryIndex, 0,
		},
		{
			"column length mismatch",
			Encode(&Table{NRows: 4, Arrays: []*Array{Strings("a", []string{"x"})}}),
			RuleLength, 0,
		},
		{
			"unknown kind",
			Encode(New(&Array{Name: "a", Kind: Kind(42)})),
			RuleKind, 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("errors.Is(err, ErrInvalidFormat) = false for %v", err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FormatError, got %T", err)
			}
			if fe.Rule != tt.rule {
				t.Errorf("Rule = %q, want %q (%v)", fe.Rule, tt.rule, err)
			}
			if fe.Column != tt.col {
				t.Errorf("Column = %d, want %d", fe.Column, tt.col)
			}
		})
	}
}

func TestValidate_NullsSkipContentRules(t *testing.T) {
	tbl := New(
		Floats("f", []float64{math.Inf(-1), 2}, 0),
		Strings("s", []string{"\xff", "ok"}, 0),
	)
	if err := Check(tbl); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestCheck_ZeroColumnTableWithRows(t *testing.T) {
	if _, err := Validate(Encode(&Table{NRows: 3})); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
