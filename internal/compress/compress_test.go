package compress

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	compressible := bytes.Repeat([]byte("node-description "), 500)
	random := make([]byte, 4096)
	rand.New(rand.NewSource(3)).Read(random)

	for _, codec := range []Codec{None, LZ4, ZSTD} {
		for name, data := range map[string][]byte{"compressible": compressible, "random": random, "empty": {}} {
			t.Run(codec.String()+"/"+name, func(t *testing.T) {
				frame, err := Encode(data, codec)
				require.NoError(t, err)
				got, err := Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(got))
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestEncode_ShrinksCompressible(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	for _, codec := range []Codec{LZ4, ZSTD} {
		frame, err := Encode(data, codec)
		require.NoError(t, err)
		assert.Less(t, len(frame), len(data)/2, codec.String())
	}
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	frame, err := Encode(bytes.Repeat([]byte("x"), 1000), ZSTD)
	require.NoError(t, err)
	_, err = Decode(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_OversizedHeader(t *testing.T) {
	for _, codec := range []Codec{None, LZ4, ZSTD} {
		frame := make([]byte, headerSize+4)
		frame[0] = byte(codec)
		binary.LittleEndian.PutUint32(frame[1:], math.MaxUint32)
		if codec != None {
			binary.LittleEndian.PutUint32(frame[5:], 4)
		}
		_, err := Decode(frame)
		assert.ErrorIs(t, err, ErrCorrupt, codec.String())
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, LZ4, c)
	_, err = ParseCodec("brotli")
	assert.Error(t, err)
}
