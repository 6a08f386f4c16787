package filter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/colstore/internal/datatype"
)

const filterVersion = 1

// ColumnData is the raw fixed-width bytes of one column over the rows of a block.
type ColumnData struct {
	Type datatype.DataType
	Data []byte
}

// FastRoughFilter summarizes the columns of a block or segment.
type FastRoughFilter struct {
	RowCount int
	MinMax   []MinMax
	Blooms   []*BloomFilter
}

// Build creates the filter of one block. capacity sizes the Bloom filters so
// that filters of blocks with the same capacity can be merged.
func Build(columns []ColumnData, rowCount, capacity int) (*FastRoughFilter, error) {
	f := &FastRoughFilter{
		RowCount: rowCount,
		MinMax:   make([]MinMax, len(columns)),
		Blooms:   make([]*BloomFilter, len(columns)),
	}
	for c, col := range columns {
		width, err := col.Type.Size()
		if err != nil {
			return nil, err
		}
		if len(col.Data) < width*rowCount {
			return nil, fmt.Errorf("filter: column %d has %d bytes, need %d", c, len(col.Data), width*rowCount)
		}
		bloom := NewBloomFilter(capacity)
		numeric := col.Type.Numeric()
		for r := 0; r < rowCount; r++ {
			v := col.Data[r*width : (r+1)*width]
			bloom.Add(v)
			if numeric {
				f.MinMax[c].observe(col.Type, v)
			}
		}
		f.Blooms[c] = bloom
	}
	return f, nil
}

// BuildSegment builds one filter per block concurrently and merges them into
// the segment filter. workers bounds the parallelism.
func BuildSegment(ctx context.Context, blocks [][]ColumnData, rowCounts []int, capacity, workers int) (*FastRoughFilter, []*FastRoughFilter, error) {
	blockFilters := make([]*FastRoughFilter, len(blocks))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := range blocks {
		g.Go(func() error {
			f, err := Build(blocks[i], rowCounts[i], capacity)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			blockFilters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return Merge(blockFilters), blockFilters, nil
}

// Merge combines block filters into one. Bloom filters of different geometry
// cannot be combined; the merged filter then keeps no Bloom for that column.
func Merge(filters []*FastRoughFilter) *FastRoughFilter {
	if len(filters) == 0 {
		return &FastRoughFilter{}
	}
	ncols := len(filters[0].MinMax)
	out := &FastRoughFilter{
		MinMax: make([]MinMax, ncols),
		Blooms: make([]*BloomFilter, ncols),
	}
	for c := 0; c < ncols; c++ {
		var bloom *BloomFilter
		ok := true
		for _, f := range filters {
			out.MinMax[c].merge(f.MinMax[c])
			if !ok || f.Blooms[c] == nil {
				ok = false
				continue
			}
			if bloom == nil {
				bloom = &BloomFilter{
					bits:    make([]uint64, len(f.Blooms[c].bits)),
					numBits: f.Blooms[c].numBits,
					k:       f.Blooms[c].k,
				}
			}
			ok = bloom.Union(f.Blooms[c])
		}
		if ok {
			out.Blooms[c] = bloom
		}
	}
	for _, f := range filters {
		out.RowCount += f.RowCount
	}
	return out
}

// MayContain reports false if column col definitely holds no value equal to v.
func (f *FastRoughFilter) MayContain(col int, v []byte) bool {
	if f == nil || col >= len(f.Blooms) || f.Blooms[col] == nil {
		return true
	}
	return f.Blooms[col].MayContain(v)
}

// MayOverlapInt reports false if no integer value of column col lies in [lo, hi].
func (f *FastRoughFilter) MayOverlapInt(col int, lo, hi int64) bool {
	if f == nil || col >= len(f.MinMax) {
		return true
	}
	return f.MinMax[col].OverlapsInt(lo, hi)
}

// MayOverlapFloat reports false if no float value of column col lies in [lo, hi].
func (f *FastRoughFilter) MayOverlapFloat(col int, lo, hi float64) bool {
	if f == nil || col >= len(f.MinMax) {
		return true
	}
	return f.MinMax[col].OverlapsFloat(lo, hi)
}

// Serialize encodes the filter.
func (f *FastRoughFilter) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	var scratch [8]byte
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}

	put32(filterVersion)
	put64(uint64(f.RowCount))
	put32(uint32(len(f.MinMax)))
	for i, mm := range f.MinMax {
		var flags byte
		if mm.Valid {
			flags |= 1
		}
		if mm.IsFloat {
			flags |= 2
		}
		if f.Blooms[i] != nil {
			flags |= 4
		}
		buf.WriteByte(flags)
		put64(uint64(mm.MinI))
		put64(uint64(mm.MaxI))
		put64(math.Float64bits(mm.MinF))
		put64(math.Float64bits(mm.MaxF))
		if f.Blooms[i] != nil {
			if _, err := f.Blooms[i].WriteTo(&buf); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a filter produced by Serialize.
func Deserialize(b []byte) (*FastRoughFilter, error) {
	r := bytes.NewReader(b)
	var scratch [8]byte
	get32 := func() (uint32, error) {
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return 0, ErrCorruptedFilter
		}
		return binary.LittleEndian.Uint32(scratch[:4]), nil
	}
	get64 := func() (uint64, error) {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return 0, ErrCorruptedFilter
		}
		return binary.LittleEndian.Uint64(scratch[:]), nil
	}

	version, err := get32()
	if err != nil || version != filterVersion {
		return nil, ErrCorruptedFilter
	}
	rows, err := get64()
	if err != nil {
		return nil, err
	}
	ncols, err := get32()
	if err != nil || ncols > 1<<16 {
		return nil, ErrCorruptedFilter
	}
	f := &FastRoughFilter{
		RowCount: int(rows),
		MinMax:   make([]MinMax, ncols),
		Blooms:   make([]*BloomFilter, ncols),
	}
	for i := range f.MinMax {
		flags, err := r.ReadByte()
		if err != nil {
			return nil, ErrCorruptedFilter
		}
		var vals [4]uint64
		for j := range vals {
			if vals[j], err = get64(); err != nil {
				return nil, err
			}
		}
		f.MinMax[i] = MinMax{
			Valid:   flags&1 != 0,
			IsFloat: flags&2 != 0,
			MinI:    int64(vals[0]),
			MaxI:    int64(vals[1]),
			MinF:    math.Float64frombits(vals[2]),
			MaxF:    math.Float64frombits(vals[3]),
		}
		if flags&4 != 0 {
			if f.Blooms[i], err = ReadBloomFilter(r); err != nil {
				return nil, ErrCorruptedFilter
			}
		}
	}
	return f, nil
}
