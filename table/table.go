package table

// Kind is the physical encoding of an array.
type Kind int

// Physical kinds. The numeric values are part of the container format.
const (
	KindUTF8       Kind = 1
	KindDictionary Kind = 2
	KindInt64      Kind = 3
	KindFloat64    Kind = 4
	KindTimestamp  Kind = 5
	KindDate32     Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindUTF8:
		return "utf8"
	case KindDictionary:
		return "dictionary"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindTimestamp:
		return "timestamp"
	case KindDate32:
		return "date32"
	default:
		return "unknown"
	}
}

// Array is one named column of physical data.
//
// Exactly one of the data slices is populated, chosen by Kind:
//   - KindUTF8: Strings
//   - KindDictionary: Dictionary plus Indices into it
//   - KindInt64, KindTimestamp: Ints (timestamps are counted in TimeUnit since the epoch)
//   - KindFloat64: Floats
//   - KindDate32: Days since 1970-01-01
//
// Valid marks non-null rows; a nil Valid means every row is non-null.
type Array struct {
	Name       string
	Kind       Kind
	Valid      []bool
	Strings    []string
	Dictionary []string
	Indices    []int32
	Ints       []int64
	Floats     []float64
	Days       []int32
	TimeUnit   string
	TimeZone   string

	// DictionaryValid marks non-null dictionary entries. A decoded table keeps
	// it so the validator can reject null entries; producers leave it nil.
	DictionaryValid []bool
}

// Len returns the number of rows in the array.
func (a *Array) Len() int {
	switch a.Kind {
	case KindUTF8:
		return len(a.Strings)
	case KindDictionary:
		return len(a.Indices)
	case KindInt64, KindTimestamp:
		return len(a.Ints)
	case KindFloat64:
		return len(a.Floats)
	case KindDate32:
		return len(a.Days)
	default:
		return 0
	}
}

// IsNull reports whether row i is null.
func (a *Array) IsNull(i int) bool {
	return a.Valid != nil && !a.Valid[i]
}

// Table is an immutable sequence of equal-length arrays.
//
// A table may have rows but no columns: that is how modules report "no output".
type Table struct {
	NRows  int
	Arrays []*Array
}

// Empty returns a table with no rows and no columns.
func Empty() *Table { return &Table{} }

// New builds a table from arrays. The row count comes from the first array.
func New(arrays ...*Array) *Table {
	t := &Table{Arrays: arrays}
	if len(arrays) > 0 {
		t.NRows = arrays[0].Len()
	}
	return t
}

// NumColumns returns the number of columns.
func (t *Table) NumColumns() int {
	if t == nil {
		return 0
	}
	return len(t.Arrays)
}

// Array returns the array with the given name, or nil.
func (t *Table) Array(name string) *Array {
	for _, a := range t.Arrays {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Strings builds a utf8 array. Row indexes listed in nulls are marked null.
func Strings(name string, values []string, nulls ...int) *Array {
	return withNulls(&Array{Name: name, Kind: KindUTF8, Strings: values}, len(values), nulls)
}

// Dictionary builds a dictionary-encoded text array.
func Dictionary(name string, dictionary []string, indices []int32, nulls ...int) *Array {
	return withNulls(&Array{Name: name, Kind: KindDictionary, Dictionary: dictionary, Indices: indices}, len(indices), nulls)
}

// Ints builds an int64 number array.
func Ints(name string, values []int64, nulls ...int) *Array {
	return withNulls(&Array{Name: name, Kind: KindInt64, Ints: values}, len(values), nulls)
}

// Floats builds a float64 number array.
func Floats(name string, values []float64, nulls ...int) *Array {
	return withNulls(&Array{Name: name, Kind: KindFloat64, Floats: values}, len(values), nulls)
}

// Timestamps builds a timezone-naive nanosecond timestamp array.
func Timestamps(name string, nanos []int64, nulls ...int) *Array {
	return withNulls(&Array{Name: name, Kind: KindTimestamp, Ints: nanos, TimeUnit: "ns"}, len(nanos), nulls)
}

// Dates builds a date32 array of days since the epoch.
func Dates(name string, days []int32, nulls ...int) *Array {
	return withNulls(&Array{Name: name, Kind: KindDate32, Days: days}, len(days), nulls)
}

func withNulls(a *Array, n int, nulls []int) *Array {
	if len(nulls) == 0 {
		return a
	}
	a.Valid = make([]bool, n)
	for i := range a.Valid {
		a.Valid[i] = true
	}
	for _, i := range nulls {
		a.Valid[i] = false
	}
	return a
}

// InferMetadata describes a table produced by trusted code.
//
// Number columns get DefaultNumberFormat and date columns get UnitDay, since
// the physical encoding carries neither.
func InferMetadata(t *Table) TableMetadata {
	if t == nil {
		return TableMetadata{}
	}
	md := TableMetadata{NRows: t.NRows, Columns: make([]Column, 0, len(t.Arrays))}
	for _, a := range t.Arrays {
		var ct ColumnType
		switch a.Kind {
		case KindUTF8, KindDictionary:
			ct = Text()
		case KindInt64, KindFloat64:
			ct = Number("")
		case KindTimestamp:
			ct = Timestamp()
		case KindDate32:
			ct = Date(UnitDay)
		}
		md.Columns = append(md.Columns, Column{Name: a.Name, Type: ct})
	}
	return md
}
