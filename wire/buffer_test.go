package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_PackUnpack(t *testing.T) {
	b := NewBuffer(0)
	b.PackUint8(7)
	b.PackBool(true)
	b.PackInt32(-42)
	b.PackUint64(math.MaxUint64)
	b.PackFloat64(math.Inf(1))
	b.PackString("core")
	b.PackBytes([]byte{1, 2, 3})
	b.PackInt32s([]int32{4, -5, 6})
	b.PackFloat64s([]float64{0.5, -1.25})
	b.PackBytes(nil)

	r := FromBytes(b.Bytes())
	assert.Equal(t, uint8(7), r.UnpackUint8())
	assert.True(t, r.UnpackBool())
	assert.Equal(t, int32(-42), r.UnpackInt32())
	assert.Equal(t, uint64(math.MaxUint64), r.UnpackUint64())
	assert.True(t, math.IsInf(r.UnpackFloat64(), 1))
	assert.Equal(t, "core", r.UnpackString())
	assert.Equal(t, []byte{1, 2, 3}, r.UnpackBytes())
	assert.Equal(t, []int32{4, -5, 6}, r.UnpackInt32s())
	assert.Equal(t, []float64{0.5, -1.25}, r.UnpackFloat64s())
	assert.Nil(t, r.UnpackBytes())
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestBuffer_Truncated(t *testing.T) {
	b := NewBuffer(0)
	b.PackUint32(1)

	r := FromBytes(b.Bytes())
	_ = r.UnpackUint64()
	require.ErrorIs(t, r.Err(), ErrTruncatedMessage)

	// Sticky: later reads keep returning zero values.
	assert.Equal(t, uint32(0), r.UnpackUint32())
	require.ErrorIs(t, r.Err(), ErrTruncatedMessage)
}

func TestBuffer_TruncatedArrayLength(t *testing.T) {
	b := NewBuffer(0)
	// Claims a billion elements but carries none.
	b.PackUint32(1 << 30)

	r := FromBytes(b.Bytes())
	assert.Nil(t, r.UnpackFloat64s())
	require.ErrorIs(t, r.Err(), ErrTruncatedMessage)
}

func TestBuffer_EmptyMessage(t *testing.T) {
	r := FromBytes(nil)
	assert.Equal(t, "", r.UnpackString())
	require.ErrorIs(t, r.Err(), ErrTruncatedMessage)
}

func TestBuffer_GrowsGeometricallyAndNeverShrinks(t *testing.T) {
	b := NewBuffer(0)
	require.Equal(t, minCapacity, b.Cap())

	for i := 0; i < 100; i++ {
		b.PackUint64(uint64(i))
	}
	grown := b.Cap()
	assert.GreaterOrEqual(t, grown, 800)
	// Capacity is a power-of-two multiple of the minimum.
	assert.Zero(t, grown%minCapacity)

	b.Reset()
	assert.Equal(t, 0, b.Size())
	assert.Equal(t, grown, b.Cap())
	require.NoError(t, b.Err())
}
