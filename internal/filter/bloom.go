package filter

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrCorruptedFilter indicates filter bytes are invalid.
var ErrCorruptedFilter = errors.New("filter: corrupted data")

// BloomFilter is a space-efficient probabilistic set of byte strings.
// It can definitively say "not in set" but may have false positives for "in set".
type BloomFilter struct {
	bits    []uint64
	numBits uint64
	k       uint32
	count   uint32
}

// BloomFilterSize computes optimal bloom filter size for given parameters.
// Returns (numBits, numHashFunctions).
func BloomFilterSize(expectedElements int, falsePositiveRate float64) (numBits uint64, k uint32) {
	if expectedElements <= 0 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -n*ln(p) / (ln(2)^2), k = (m/n) * ln(2)
	ln2Sq := math.Ln2 * math.Ln2
	m := float64(-expectedElements) * math.Log(falsePositiveRate) / ln2Sq
	kFloat := (m / float64(expectedElements)) * math.Ln2

	numBits = max(((uint64(m)+63)/64)*64, 64)
	k = uint32(math.Ceil(kFloat))
	k = min(max(k, 1), 16)
	return numBits, k
}

// NewBloomFilter creates a Bloom filter with about 1% false positives at expectedElements.
func NewBloomFilter(expectedElements int) *BloomFilter {
	numBits, k := BloomFilterSize(expectedElements, 0.01)
	return &BloomFilter{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// Add inserts a value.
func (bf *BloomFilter) Add(value []byte) {
	h1, h2 := bloomHash(value)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
	bf.count++
}

// MayContain reports false if value was definitely never added.
func (bf *BloomFilter) MayContain(value []byte) bool {
	h1, h2 := bloomHash(value)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of values added.
func (bf *BloomFilter) Count() uint32 { return bf.count }

// Union ORs other into bf. Both filters must have the same geometry.
func (bf *BloomFilter) Union(other *BloomFilter) bool {
	if other.numBits != bf.numBits || other.k != bf.k {
		return false
	}
	for i, w := range other.bits {
		bf.bits[i] |= w
	}
	bf.count += other.count
	return true
}

// WriteTo serializes the filter.
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 16+8*len(bf.bits))
	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], bf.k)
	binary.LittleEndian.PutUint32(buf[12:16], bf.count)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+8*i:], word)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadBloomFilter deserializes a filter written by WriteTo.
func ReadBloomFilter(r io.Reader) (*BloomFilter, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	numBits := binary.LittleEndian.Uint64(header[0:8])
	k := binary.LittleEndian.Uint32(header[8:12])
	if numBits < 64 || numBits%64 != 0 || numBits > 1<<34 || k < 1 || k > 16 {
		return nil, ErrCorruptedFilter
	}
	raw := make([]byte, numBits/8)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	bits := make([]uint64, numBits/64)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}
	return &BloomFilter{
		bits:    bits,
		numBits: numBits,
		k:       k,
		count:   binary.LittleEndian.Uint32(header[12:16]),
	}, nil
}

// bloomHash computes two FNV-1a variants for double hashing.
func bloomHash(b []byte) (h1, h2 uint64) {
	const (
		fnvOffset = 14695981039346656037
		fnvPrime  = 1099511628211
	)
	h1 = fnvOffset
	for _, c := range b {
		h1 ^= uint64(c)
		h1 *= fnvPrime
	}
	h2 = fnvOffset ^ 0x5555555555555555
	for i := len(b) - 1; i >= 0; i-- {
		h2 ^= uint64(b[i])
		h2 *= fnvPrime
	}
	h2 |= 1
	return h1, h2
}
