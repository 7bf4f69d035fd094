// Package wire provides the growable byte buffer every bnc message is packed into.
//
// A Buffer is written with the Pack* methods and read back with the Unpack*
// methods in the same order. All values are little-endian. Arrays and strings
// carry a uint32 length prefix.
//
// Reading past the end of the buffer never panics: the first short read records
// an error wrapping ErrTruncatedMessage, every later read returns a zero value,
// and the error is reported by Err. Callers unpack a whole message and check Err
// once:
//
//	b := wire.FromBytes(payload)
//	id := b.UnpackInt64()
//	bounds := b.UnpackFloat64s()
//	if err := b.Err(); err != nil {
//	    return err
//	}
//
// Buffers grow geometrically and Reset keeps the allocated capacity, so a
// Buffer reused on a hot send path stops allocating after warm-up.
package wire
