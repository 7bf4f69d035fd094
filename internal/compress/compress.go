// Package compress frames offload batches and fetched descriptions with
// optional LZ4 or ZSTD block compression.
//
// Frame format: [Codec uint8][UncompressedSize uint32][CompressedSize uint32][Data...]
// A CompressedSize of 0 means Data is stored uncompressed.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression algorithm.
type Codec uint8

const (
	None Codec = 0
	LZ4  Codec = 1
	ZSTD Codec = 2
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	}
	return fmt.Sprintf("Codec(%d)", uint8(c))
}

// ParseCodec maps "none", "lz4" and "zstd" to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	}
	return None, fmt.Errorf("compress: unknown codec %q", s)
}

// ErrCorrupt is returned for frames that cannot be decoded.
var ErrCorrupt = errors.New("compress: corrupt frame")

const headerSize = 9

// MaxFrameSize bounds the uncompressed size of a frame. Decode rejects
// headers above it before allocating.
const MaxFrameSize = 256 << 20

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	return dec
}

// Encode frames data. When compression does not save at least 10% the data
// is stored raw.
func Encode(data []byte, codec Codec) ([]byte, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("compress: %d bytes exceed the frame limit of %d", len(data), MaxFrameSize)
	}
	var packed []byte
	switch codec {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n] // n == 0: incompressible
	case ZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("compress: unknown codec %d", codec)
	}

	raw := len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9
	if raw {
		packed = data
	}
	out := make([]byte, headerSize+len(packed))
	out[0] = byte(codec)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	if !raw {
		binary.LittleEndian.PutUint32(out[5:], uint32(len(packed)))
	}
	copy(out[headerSize:], packed)
	return out, nil
}

// Decode reverses Encode. The codec is read from the frame.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(frame))
	}
	codec := Codec(frame[0])
	size := binary.LittleEndian.Uint32(frame[1:])
	packedSize := binary.LittleEndian.Uint32(frame[5:])
	body := frame[headerSize:]
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: size %d exceeds %d", ErrCorrupt, size, MaxFrameSize)
	}

	if packedSize == 0 {
		if uint32(len(body)) != size {
			return nil, fmt.Errorf("%w: raw body %d, want %d", ErrCorrupt, len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	}
	if uint32(len(body)) != packedSize {
		return nil, fmt.Errorf("%w: body %d, want %d", ErrCorrupt, len(body), packedSize)
	}

	out := make([]byte, size)
	switch codec {
	case LZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
		}
		return out, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(body, out[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint32(len(decoded)) != size {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("%w: codec %d", ErrCorrupt, codec)
}
