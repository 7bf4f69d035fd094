package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncatedMessage is returned when fewer bytes remain than an unpack requires.
var ErrTruncatedMessage = errors.New("wire: truncated message")

const minCapacity = 64

// Buffer is a growable byte buffer with typed pack/unpack operations.
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf []byte
	pos int
	err error
}

// NewBuffer creates an empty buffer with at least the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// FromBytes wraps b for unpacking. The buffer takes ownership of b.
func FromBytes(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Reset clears the content and the read position. Capacity is retained.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
	b.err = nil
}

// Size returns the number of packed bytes.
func (b *Buffer) Size() int { return len(b.buf) }

// Cap returns the allocated capacity.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Remaining returns the number of bytes not yet unpacked.
func (b *Buffer) Remaining() int { return len(b.buf) - b.pos }

// Bytes returns the packed bytes. The slice aliases the buffer until the next Pack or Reset.
func (b *Buffer) Bytes() []byte { return b.buf }

// Err returns the first unpack error, if any.
func (b *Buffer) Err() error { return b.err }

func (b *Buffer) grow(n int) {
	if len(b.buf)+n <= cap(b.buf) {
		return
	}
	newCap := cap(b.buf) * 2
	if newCap < minCapacity {
		newCap = minCapacity
	}
	for newCap < len(b.buf)+n {
		newCap *= 2
	}
	nb := make([]byte, len(b.buf), newCap)
	copy(nb, b.buf)
	b.buf = nb
}

// PackUint8 appends a single byte.
func (b *Buffer) PackUint8(v uint8) {
	b.grow(1)
	b.buf = append(b.buf, v)
}

// PackBool appends a bool as one byte.
func (b *Buffer) PackBool(v bool) {
	if v {
		b.PackUint8(1)
		return
	}
	b.PackUint8(0)
}

// PackTag appends the discriminant of a tagged union.
func (b *Buffer) PackTag(tag uint8) { b.PackUint8(tag) }

// PackUint32 appends a uint32.
func (b *Buffer) PackUint32(v uint32) {
	b.grow(4)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

// PackInt32 appends an int32.
func (b *Buffer) PackInt32(v int32) { b.PackUint32(uint32(v)) }

// PackUint64 appends a uint64.
func (b *Buffer) PackUint64(v uint64) {
	b.grow(8)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

// PackInt64 appends an int64.
func (b *Buffer) PackInt64(v int64) { b.PackUint64(uint64(v)) }

// PackFloat64 appends a float64 in IEEE 754 bit layout.
func (b *Buffer) PackFloat64(v float64) { b.PackUint64(math.Float64bits(v)) }

// PackBytes appends a length-prefixed byte slice. A nil slice packs as length 0.
func (b *Buffer) PackBytes(v []byte) {
	b.PackUint32(uint32(len(v)))
	b.grow(len(v))
	b.buf = append(b.buf, v...)
}

// PackString appends a length-prefixed string.
func (b *Buffer) PackString(s string) {
	b.PackUint32(uint32(len(s)))
	b.grow(len(s))
	b.buf = append(b.buf, s...)
}

// PackInt32s appends a length-prefixed int32 array.
func (b *Buffer) PackInt32s(v []int32) {
	b.PackUint32(uint32(len(v)))
	b.grow(4 * len(v))
	for _, x := range v {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(x))
	}
}

// PackFloat64s appends a length-prefixed float64 array.
func (b *Buffer) PackFloat64s(v []float64) {
	b.PackUint32(uint32(len(v)))
	b.grow(8 * len(v))
	for _, x := range v {
		b.buf = binary.LittleEndian.AppendUint64(b.buf, math.Float64bits(x))
	}
}

// Need reports whether n more bytes can be unpacked. When they cannot, the
// buffer records ErrTruncatedMessage. Decoders of composite arrays call Need
// before allocating.
func (b *Buffer) Need(n int) bool { return b.need(n) }

func (b *Buffer) need(n int) bool {
	if b.err != nil {
		return false
	}
	if n < 0 || b.pos+n > len(b.buf) {
		b.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncatedMessage, n, b.pos, len(b.buf)-b.pos)
		return false
	}
	return true
}

// UnpackUint8 reads a single byte.
func (b *Buffer) UnpackUint8() uint8 {
	if !b.need(1) {
		return 0
	}
	v := b.buf[b.pos]
	b.pos++
	return v
}

// UnpackBool reads a bool packed by PackBool.
func (b *Buffer) UnpackBool() bool { return b.UnpackUint8() != 0 }

// UnpackTag reads a tagged-union discriminant.
func (b *Buffer) UnpackTag() uint8 { return b.UnpackUint8() }

// UnpackUint32 reads a uint32.
func (b *Buffer) UnpackUint32() uint32 {
	if !b.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(b.buf[b.pos:])
	b.pos += 4
	return v
}

// UnpackInt32 reads an int32.
func (b *Buffer) UnpackInt32() int32 { return int32(b.UnpackUint32()) }

// UnpackUint64 reads a uint64.
func (b *Buffer) UnpackUint64() uint64 {
	if !b.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(b.buf[b.pos:])
	b.pos += 8
	return v
}

// UnpackInt64 reads an int64.
func (b *Buffer) UnpackInt64() int64 { return int64(b.UnpackUint64()) }

// UnpackFloat64 reads a float64.
func (b *Buffer) UnpackFloat64() float64 { return math.Float64frombits(b.UnpackUint64()) }

// unpackLen reads an array length and verifies that elemSize*n bytes remain.
func (b *Buffer) unpackLen(elemSize int) (int, bool) {
	n := int(b.UnpackUint32())
	if b.err != nil {
		return 0, false
	}
	if !b.need(n * elemSize) {
		return 0, false
	}
	return n, true
}

// UnpackBytes reads a length-prefixed byte slice. The result is a copy.
func (b *Buffer) UnpackBytes() []byte {
	n, ok := b.unpackLen(1)
	if !ok || n == 0 {
		return nil
	}
	v := make([]byte, n)
	copy(v, b.buf[b.pos:b.pos+n])
	b.pos += n
	return v
}

// UnpackString reads a length-prefixed string.
func (b *Buffer) UnpackString() string {
	n, ok := b.unpackLen(1)
	if !ok {
		return ""
	}
	s := string(b.buf[b.pos : b.pos+n])
	b.pos += n
	return s
}

// UnpackInt32s reads a length-prefixed int32 array.
func (b *Buffer) UnpackInt32s() []int32 {
	n, ok := b.unpackLen(4)
	if !ok || n == 0 {
		return nil
	}
	v := make([]int32, n)
	for i := range v {
		v[i] = int32(binary.LittleEndian.Uint32(b.buf[b.pos:]))
		b.pos += 4
	}
	return v
}

// UnpackFloat64s reads a length-prefixed float64 array.
func (b *Buffer) UnpackFloat64s() []float64 {
	n, ok := b.unpackLen(8)
	if !ok || n == 0 {
		return nil
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b.buf[b.pos:]))
		b.pos += 8
	}
	return v
}
