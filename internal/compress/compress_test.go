package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte(`{"op":"add_column_entry","segment_id":1}`), 200)
	random := make([]byte, 257)
	for i := range random {
		random[i] = byte(i*131 + i>>3)
	}

	for _, typ := range []Type{None, LZ4, ZSTD} {
		for _, data := range [][]byte{compressible, random, {}} {
			frame, err := Encode(data, typ)
			require.NoError(t, err, typ.String())
			got, err := Decode(frame)
			require.NoError(t, err, typ.String())
			assert.Equal(t, len(data), len(got))
			assert.True(t, bytes.Equal(data, got))
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 1024)
	for _, typ := range []Type{LZ4, ZSTD} {
		frame, err := Encode(data, typ)
		require.NoError(t, err)
		assert.Less(t, len(frame), len(data)/4, typ.String())
	}
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	frame, err := Encode(bytes.Repeat([]byte("x"), 512), LZ4)
	require.NoError(t, err)
	_, err = Decode(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrCorrupt)

	frame[0] = 9
	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrCorrupt)
}
