// Package value converts SQLite function arguments into RawValue, a closed
// sum over the five fundamental SQLite datatypes.
package value

import (
	"database/sql/driver"
	"math"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/hmherr"
)

// SQLite fundamental datatype codes, as returned by sqlite3_value_type.
const (
	TypeInteger = 1
	TypeFloat   = 2
	TypeText    = 3
	TypeBlob    = 4
	TypeNull    = 5
)

// Kind discriminates a RawValue.
type Kind uint8

const (
	Null Kind = iota
	Int
	Float
	Text
	Blob
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "NULL"
	case Int:
		return "INTEGER"
	case Float:
		return "FLOAT"
	case Text:
		return "TEXT"
	case Blob:
		return "BLOB"
	}
	return "UNKNOWN"
}

// RawValue is one argument at the moment of a call. Text and Blob borrow the
// host's memory and must be consumed before the call returns.
type RawValue struct {
	kind Kind
	bits uint64 // Int as two's complement, Float as IEEE-754 bit pattern
	text string
	blob []byte
}

func NullValue() RawValue { return RawValue{kind: Null} }

func IntValue(i int64) RawValue { return RawValue{kind: Int, bits: uint64(i)} }

// FloatValue keeps the bit pattern of f so equal doubles hash identically.
func FloatValue(f float64) RawValue { return RawValue{kind: Float, bits: math.Float64bits(f)} }

func TextValue(s string) RawValue { return RawValue{kind: Text, text: s} }

// BlobValue never stores a nil span; zero-length blobs become an empty slice.
func BlobValue(b []byte) RawValue {
	if b == nil {
		b = []byte{}
	}
	return RawValue{kind: Blob, blob: b}
}

func (v RawValue) Kind() Kind        { return v.kind }
func (v RawValue) IsNull() bool      { return v.kind == Null }
func (v RawValue) Int() int64        { return int64(v.bits) }
func (v RawValue) FloatBits() uint64 { return v.bits }
func (v RawValue) Text() string      { return v.text }
func (v RawValue) Bytes() []byte     { return v.blob }

// AsBlob returns the blob bytes, or a TypeMismatch error naming pos.
func (v RawValue) AsBlob(pos int) ([]byte, error) {
	if v.kind != Blob {
		return nil, hmherr.NewTypeMismatch(pos, v.kind.String())
	}
	return v.blob, nil
}

// Source is a host value handle, shaped after the sqlite3_value accessors.
type Source interface {
	Type() int
	Int64() int64
	Float() float64
	Text() string
	Blob() []byte
}

// Marshal converts one host value. Text is taken as valid UTF-8 since the
// functions are registered with SQLITE_UTF8.
func Marshal(src Source) (RawValue, error) {
	switch typ := src.Type(); typ {
	case TypeNull:
		return NullValue(), nil
	case TypeInteger:
		return IntValue(src.Int64()), nil
	case TypeFloat:
		return FloatValue(src.Float()), nil
	case TypeText:
		return TextValue(src.Text()), nil
	case TypeBlob:
		return BlobValue(src.Blob()), nil
	default:
		return RawValue{}, hmherr.NewUnknownValueType(typ)
	}
}

// MarshalAll converts every argument of one call, stopping at the first
// unknown type.
func MarshalAll(srcs []Source) ([]RawValue, error) {
	vals := make([]RawValue, len(srcs))
	for i, src := range srcs {
		v, err := Marshal(src)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// driverValue adapts the driver.Value arguments modernc.org/sqlite passes to
// application-defined functions.
type driverValue struct {
	v driver.Value
}

// FromDriver wraps modernc function arguments as Sources. The driver maps
// NULL, INTEGER, FLOAT, TEXT and BLOB to nil, int64, float64, string and
// []byte; any other Go type reports type code 0.
func FromDriver(args []driver.Value) []Source {
	srcs := make([]Source, len(args))
	for i, a := range args {
		srcs[i] = driverValue{v: a}
	}
	return srcs
}

func (d driverValue) Type() int {
	switch d.v.(type) {
	case nil:
		return TypeNull
	case int64:
		return TypeInteger
	case float64:
		return TypeFloat
	case string:
		return TypeText
	case []byte:
		return TypeBlob
	}
	return 0
}

func (d driverValue) Int64() int64 {
	i, _ := d.v.(int64)
	return i
}

func (d driverValue) Float() float64 {
	f, _ := d.v.(float64)
	return f
}

func (d driverValue) Text() string {
	s, _ := d.v.(string)
	return s
}

func (d driverValue) Blob() []byte {
	b, _ := d.v.([]byte)
	return b
}
