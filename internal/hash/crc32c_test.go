package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32CStreamingMatchesOneShot(t *testing.T) {
	data := []byte("column payload bytes")
	h := NewCRC32C()
	_, _ = h.Write(data[:7])
	_, _ = h.Write(data[7:])
	assert.Equal(t, CRC32C(data), h.Sum32())
	assert.Equal(t, CRC32C(data), UpdateCRC32C(CRC32C(data[:7]), data[7:]))
	assert.NotEqual(t, CRC32C(data), CRC32C([]byte("column payload bytez")))
}
