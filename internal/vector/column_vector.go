package vector

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/status"
)

// ColumnVector holds the values of one column.
type ColumnVector struct {
	dt       datatype.DataType
	width    int // 0 for variable-width types
	capacity int
	size     int
	data     []byte
	varData  [][]byte
}

// NewColumnVector creates an empty vector able to hold capacity values.
func NewColumnVector(dt datatype.DataType, capacity int) *ColumnVector {
	cv := &ColumnVector{dt: dt, capacity: capacity}
	if w, err := dt.Size(); err == nil {
		cv.width = w
		cv.data = make([]byte, 0, w*capacity)
	}
	return cv
}

// Type returns the logical type of the vector.
func (c *ColumnVector) Type() datatype.DataType { return c.dt }

// Size returns the number of values.
func (c *ColumnVector) Size() int { return c.size }

// Capacity returns the maximum number of values.
func (c *ColumnVector) Capacity() int { return c.capacity }

// Width returns the byte width of one value, 0 for variable-width types.
func (c *ColumnVector) Width() int { return c.width }

// Data returns the raw fixed-width storage. It is nil for variable-width types.
func (c *ColumnVector) Data() []byte { return c.data }

// Append appends one encoded value.
func (c *ColumnVector) Append(v []byte) error {
	if c.size >= c.capacity {
		return fmt.Errorf("%w: column vector full (%d)", status.ErrInvalidArgument, c.capacity)
	}
	if c.width == 0 {
		c.varData = append(c.varData, append([]byte(nil), v...))
		c.size++
		return nil
	}
	if len(v) != c.width {
		return fmt.Errorf("%w: value of %d bytes for %s", status.ErrInvalidArgument, len(v), c.dt)
	}
	c.data = append(c.data, v...)
	c.size++
	return nil
}

// Value returns the encoded value at row i.
func (c *ColumnVector) Value(i int) []byte {
	if c.width == 0 {
		return c.varData[i]
	}
	return c.data[i*c.width : (i+1)*c.width]
}

// AppendFrom copies count values starting at from out of src.
func (c *ColumnVector) AppendFrom(src *ColumnVector, from, count int) error {
	if !c.dt.Equal(src.dt) {
		return fmt.Errorf("%w: %s vs %s", status.ErrDataTypeMismatch, c.dt, src.dt)
	}
	if c.size+count > c.capacity || from+count > src.size {
		return fmt.Errorf("%w: copy of %d rows out of range", status.ErrInvalidArgument, count)
	}
	if c.width == 0 {
		for i := from; i < from+count; i++ {
			c.varData = append(c.varData, src.varData[i])
		}
	} else {
		c.data = append(c.data, src.data[from*c.width:(from+count)*c.width]...)
	}
	c.size += count
	return nil
}

// AppendInt64 appends an integer value encoded for the vector's type width.
func (c *ColumnVector) AppendInt64(v int64) error {
	var buf [8]byte
	switch c.width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf[:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf[:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
	default:
		return fmt.Errorf("%w: %s is not an integer type", status.ErrDataTypeMismatch, c.dt)
	}
	return c.Append(buf[:c.width])
}

// AppendFloat64 appends a float or double value.
func (c *ColumnVector) AppendFloat64(v float64) error {
	var buf [8]byte
	switch c.dt.Type {
	case datatype.Float:
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
	case datatype.Double:
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	default:
		return fmt.Errorf("%w: %s is not a floating point type", status.ErrDataTypeMismatch, c.dt)
	}
	return c.Append(buf[:c.width])
}

// Int64At decodes the integer value at row i.
func (c *ColumnVector) Int64At(i int) int64 {
	return DecodeInt(c.Value(i))
}

// Float64At decodes the float or double value at row i.
func (c *ColumnVector) Float64At(i int) float64 {
	v, _ := DecodeFloat(c.Value(i))
	return v
}

// DecodeInt decodes a little-endian signed integer of 1, 2, 4 or 8 bytes.
func DecodeInt(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// DecodeFloat decodes a little-endian float (4 bytes) or double (8 bytes).
func DecodeFloat(b []byte) (float64, bool) {
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), true
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), true
	}
	return 0, false
}
