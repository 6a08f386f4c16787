package datatype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/colstore/internal/status"
)

// LogicalType enumerates column types.
type LogicalType uint8

const (
	Invalid LogicalType = iota
	Boolean
	TinyInt
	SmallInt
	Integer
	BigInt
	HugeInt
	Decimal
	Float
	Double
	Date
	Time
	DateTime
	Timestamp
	Interval
	Point
	Line
	LineSeg
	Box
	Circle
	Bitmap
	Uuid
	Embedding
	Varchar
	Array
	Tuple
	Path
	Polygon
	Blob
	Mixed
	Null
	Missing
)

var typeNames = [...]string{
	Invalid:   "invalid",
	Boolean:   "boolean",
	TinyInt:   "tinyint",
	SmallInt:  "smallint",
	Integer:   "integer",
	BigInt:    "bigint",
	HugeInt:   "hugeint",
	Decimal:   "decimal",
	Float:     "float",
	Double:    "double",
	Date:      "date",
	Time:      "time",
	DateTime:  "datetime",
	Timestamp: "timestamp",
	Interval:  "interval",
	Point:     "point",
	Line:      "line",
	LineSeg:   "lineseg",
	Box:       "box",
	Circle:    "circle",
	Bitmap:    "bitmap",
	Uuid:      "uuid",
	Embedding: "embedding",
	Varchar:   "varchar",
	Array:     "array",
	Tuple:     "tuple",
	Path:      "path",
	Polygon:   "polygon",
	Blob:      "blob",
	Mixed:     "mixed",
	Null:      "null",
	Missing:   "missing",
}

// fixedSizes holds the element width of every fixed-width type except Embedding.
var fixedSizes = map[LogicalType]int{
	Boolean:   1,
	TinyInt:   1,
	SmallInt:  2,
	Integer:   4,
	BigInt:    8,
	HugeInt:   16,
	Decimal:   16,
	Float:     4,
	Double:    8,
	Date:      4,
	Time:      4,
	DateTime:  8,
	Timestamp: 8,
	Interval:  8,
	Point:     16,
	Line:      24,
	LineSeg:   32,
	Box:       32,
	Circle:    24,
	Bitmap:    16,
	Uuid:      16,
}

func (t LogicalType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// ElemType is the element type of an embedding.
type ElemType uint8

const (
	ElemBit ElemType = iota
	ElemInt8
	ElemInt16
	ElemInt32
	ElemInt64
	ElemFloat
	ElemDouble
)

var elemNames = [...]string{"bit", "int8", "int16", "int32", "int64", "float", "double"}
var elemBits = [...]int{1, 8, 16, 32, 64, 32, 64}

func (e ElemType) String() string {
	if int(e) < len(elemNames) {
		return elemNames[e]
	}
	return "unknown"
}

// DataType is a logical type plus its type parameters.
type DataType struct {
	Type LogicalType
	// Dim and Elem are only meaningful for Embedding.
	Dim  uint32
	Elem ElemType
}

// New returns a DataType for a parameterless logical type.
func New(t LogicalType) DataType { return DataType{Type: t} }

// NewEmbedding returns an embedding type with the given element type and dimension.
func NewEmbedding(elem ElemType, dim uint32) DataType {
	return DataType{Type: Embedding, Dim: dim, Elem: elem}
}

// FixedWidth reports whether values of the type have a constant byte size.
func (d DataType) FixedWidth() bool {
	if d.Type == Embedding {
		return d.Dim > 0 && int(d.Elem) < len(elemBits)
	}
	_, ok := fixedSizes[d.Type]
	return ok
}

// Size returns the byte width of one value.
// Variable-width types return ErrNotImplemented; null, missing and invalid types return ErrInvalidDataType.
func (d DataType) Size() (int, error) {
	if sz, ok := fixedSizes[d.Type]; ok {
		return sz, nil
	}
	switch d.Type {
	case Embedding:
		if d.Dim == 0 || int(d.Elem) >= len(elemBits) {
			return 0, fmt.Errorf("%w: %s", status.ErrInvalidDataType, d)
		}
		return (int(d.Dim)*elemBits[d.Elem] + 7) / 8, nil
	case Varchar, Array, Tuple, Path, Polygon, Blob, Mixed:
		return 0, fmt.Errorf("%w: %s is not a fixed-width type", status.ErrNotImplemented, d)
	default:
		return 0, fmt.Errorf("%w: %s", status.ErrInvalidDataType, d)
	}
}

// Numeric reports whether min/max statistics can be kept for the type.
func (d DataType) Numeric() bool {
	switch d.Type {
	case TinyInt, SmallInt, Integer, BigInt, Float, Double, Date, Time, DateTime, Timestamp:
		return true
	}
	return false
}

// Equal reports whether two types are identical including parameters.
func (d DataType) Equal(o DataType) bool {
	if d.Type != o.Type {
		return false
	}
	if d.Type == Embedding {
		return d.Dim == o.Dim && d.Elem == o.Elem
	}
	return true
}

func (d DataType) String() string {
	if d.Type == Embedding {
		return fmt.Sprintf("embedding(%s,%d)", d.Elem, d.Dim)
	}
	return d.Type.String()
}

// MarshalText implements encoding.TextMarshaler.
func (d DataType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DataType) UnmarshalText(b []byte) error {
	dt, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = dt
	return nil
}

// Parse parses the textual form produced by String.
func Parse(s string) (DataType, error) {
	if rest, ok := strings.CutPrefix(s, "embedding("); ok {
		rest, ok = strings.CutSuffix(rest, ")")
		elemStr, dimStr, found := strings.Cut(rest, ",")
		if !ok || !found {
			return DataType{}, fmt.Errorf("%w: %q", status.ErrInvalidDataType, s)
		}
		dim, err := strconv.ParseUint(dimStr, 10, 32)
		if err != nil {
			return DataType{}, fmt.Errorf("%w: %q", status.ErrInvalidDataType, s)
		}
		for i, n := range elemNames {
			if n == elemStr {
				return NewEmbedding(ElemType(i), uint32(dim)), nil
			}
		}
		return DataType{}, fmt.Errorf("%w: %q", status.ErrInvalidDataType, s)
	}
	for i, n := range typeNames {
		if n == s && LogicalType(i) != Embedding {
			return New(LogicalType(i)), nil
		}
	}
	return DataType{}, fmt.Errorf("%w: %q", status.ErrInvalidDataType, s)
}
