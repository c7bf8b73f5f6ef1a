package table

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// FormatVersion is the container version written by Encode.
const FormatVersion byte = 1

var magic = []byte("TFTB")

// HeaderSize is the number of bytes preceding the table body.
const HeaderSize = 5

// Field numbers of the table body.
const (
	fieldNRows protowire.Number = 1
	fieldArray protowire.Number = 2
)

// Field numbers of an array message.
const (
	fieldName            protowire.Number = 1
	fieldKind            protowire.Number = 2
	fieldTimeUnit        protowire.Number = 3
	fieldTimeZone        protowire.Number = 4
	fieldValid           protowire.Number = 5
	fieldString          protowire.Number = 6
	fieldDictionary      protowire.Number = 7
	fieldIndices         protowire.Number = 8
	fieldInts            protowire.Number = 9
	fieldFloats          protowire.Number = 10
	fieldDays            protowire.Number = 11
	fieldDictionaryValid protowire.Number = 12
)

// Encode serializes t into the container format.
func Encode(t *Table) []byte {
	b := make([]byte, 0, HeaderSize+64)
	b = append(b, magic...)
	b = append(b, FormatVersion)
	if t == nil {
		t = Empty()
	}
	b = protowire.AppendTag(b, fieldNRows, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.NRows))
	for _, a := range t.Arrays {
		b = protowire.AppendTag(b, fieldArray, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeArray(a))
	}
	return b
}

func encodeArray(a *Array) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, a.Name)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Kind))
	if a.TimeUnit != "" {
		b = protowire.AppendTag(b, fieldTimeUnit, protowire.BytesType)
		b = protowire.AppendString(b, a.TimeUnit)
	}
	if a.TimeZone != "" {
		b = protowire.AppendTag(b, fieldTimeZone, protowire.BytesType)
		b = protowire.AppendString(b, a.TimeZone)
	}
	if a.Valid != nil {
		b = protowire.AppendTag(b, fieldValid, protowire.BytesType)
		b = protowire.AppendBytes(b, packBools(a.Valid))
	}
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range a.Dictionary {
		b = protowire.AppendTag(b, fieldDictionary, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	if a.DictionaryValid != nil {
		b = protowire.AppendTag(b, fieldDictionaryValid, protowire.BytesType)
		b = protowire.AppendBytes(b, packBools(a.DictionaryValid))
	}
	if len(a.Indices) > 0 {
		var packed []byte
		for _, v := range a.Indices {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
		}
		b = protowire.AppendTag(b, fieldIndices, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(a.Ints) > 0 {
		var packed []byte
		for _, v := range a.Ints {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
		}
		b = protowire.AppendTag(b, fieldInts, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(a.Floats) > 0 {
		packed := make([]byte, 0, 8*len(a.Floats))
		for _, v := range a.Floats {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, fieldFloats, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(a.Days) > 0 {
		var packed []byte
		for _, v := range a.Days {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
		}
		b = protowire.AppendTag(b, fieldDays, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func packBools(v []bool) []byte {
	out := make([]byte, len(v))
	for i, ok := range v {
		if ok {
			out[i] = 1
		}
	}
	return out
}

func unpackBools(b []byte) []bool {
	out := make([]bool, len(b))
	for i, v := range b {
		out[i] = v != 0
	}
	return out
}

// decode parses the container without checking any content rule.
func decode(raw []byte) (*Table, error) {
	if len(raw) < HeaderSize {
		return nil, &FormatError{Rule: RuleHeader, Column: -1, Row: -1,
			Detail: fmt.Sprintf("need %d header bytes, got %d", HeaderSize, len(raw))}
	}
	if string(raw[:len(magic)]) != string(magic) {
		return nil, &FormatError{Rule: RuleHeader, Column: -1, Row: -1, Detail: "bad magic"}
	}
	if raw[len(magic)] != FormatVersion {
		return nil, &FormatError{Rule: RuleHeader, Column: -1, Row: -1,
			Detail: fmt.Sprintf("unsupported version %d", raw[len(magic)])}
	}

	t := &Table{}
	err := consumeFields(raw[HeaderSize:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldNRows && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				if v > math.MaxInt32 {
					return 0, &FormatError{Rule: RuleLength, Column: -1, Row: -1, Detail: "row count overflows"}
				}
				t.NRows = int(v)
			}
			return n, nil
		case num == fieldArray && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			a, err := decodeArray(v)
			if err != nil {
				return 0, err
			}
			t.Arrays = append(t.Arrays, a)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeArray(raw []byte) (*Array, error) {
	a := &Array{}
	err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		want := protowire.BytesType
		if num == fieldKind {
			want = protowire.VarintType
		}
		if typ != want {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		switch num {
		case fieldKind:
			v, n := protowire.ConsumeVarint(b)
			a.Kind = Kind(v)
			return n, nil
		case fieldName, fieldTimeUnit, fieldTimeZone, fieldString, fieldDictionary:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s := string(v)
			switch num {
			case fieldName:
				a.Name = s
			case fieldTimeUnit:
				a.TimeUnit = s
			case fieldTimeZone:
				a.TimeZone = s
			case fieldString:
				a.Strings = append(a.Strings, s)
			case fieldDictionary:
				a.Dictionary = append(a.Dictionary, s)
			}
			return n, nil
		case fieldValid, fieldDictionaryValid:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if num == fieldValid {
				a.Valid = unpackBools(v)
			} else {
				a.DictionaryValid = unpackBools(v)
			}
			return n, nil
		case fieldIndices, fieldInts, fieldDays:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(v) > 0 {
				x, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				v = v[m:]
				z := protowire.DecodeZigZag(x)
				switch num {
				case fieldIndices:
					a.Indices = append(a.Indices, int32(z))
				case fieldInts:
					a.Ints = append(a.Ints, z)
				case fieldDays:
					a.Days = append(a.Days, int32(z))
				}
			}
			return n, nil
		case fieldFloats:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if len(v)%8 != 0 {
				return 0, &FormatError{Rule: RuleTruncated, Column: -1, Row: -1, Detail: "float data is not a multiple of 8 bytes"}
			}
			for len(v) > 0 {
				x, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return m, nil
				}
				v = v[m:]
				a.Floats = append(a.Floats, math.Float64frombits(x))
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// consumeFields walks a protowire message. fn returns the number of bytes it
// consumed, or a negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return truncated(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return truncated(m)
		}
		b = b[m:]
	}
	return nil
}

func truncated(code int) error {
	return &FormatError{Rule: RuleTruncated, Column: -1, Row: -1, Detail: protowire.ParseError(code).Error()}
}

// ReadFile reads and validates a table file.
func ReadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Validate(raw)
}

// WriteFile encodes t to path with mode 0o600.
func WriteFile(path string, t *Table) error {
	return os.WriteFile(path, Encode(t), 0o600)
}
