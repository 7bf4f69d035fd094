package proto

import (
	"fmt"

	"github.com/hupe1980/bnc/internal/compress"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
	"github.com/hupe1980/bnc/wire"
)

// ItemKind distinguishes stored node descriptions from registry objects.
type ItemKind uint8

const (
	ItemNode ItemKind = iota
	ItemObject
)

// Item is one stored unit. Node items carry a marshaled desc.Description;
// object items carry an encoded problem.Object.
type Item struct {
	Kind ItemKind
	Key  uint32 // node id, or registry index
	Data []byte
}

// ObjectItem wraps a registry object as an Item.
func ObjectItem(index int32, obj problem.Object) Item {
	buf := wire.NewBuffer(len(obj.Data) + 5)
	encodeObject(buf, obj)
	return Item{Kind: ItemObject, Key: uint32(index), Data: buf.Bytes()}
}

// Object decodes an object item.
func (it Item) Object() (problem.Object, error) {
	buf := wire.FromBytes(it.Data)
	obj := decodeObject(buf)
	if err := buf.Err(); err != nil {
		return problem.Object{}, err
	}
	return obj, nil
}

// EncodedSize returns the bytes the item adds to a batch.
func (it Item) EncodedSize() int { return 1 + 4 + 4 + len(it.Data) }

// EncodeItems serializes and compresses items.
func EncodeItems(items []Item, codec compress.Codec) ([]byte, error) {
	size := 4
	for _, it := range items {
		size += it.EncodedSize()
	}
	buf := wire.NewBuffer(size)
	buf.PackUint32(uint32(len(items)))
	for _, it := range items {
		buf.PackUint8(uint8(it.Kind))
		buf.PackUint32(it.Key)
		buf.PackBytes(it.Data)
	}
	return compress.Encode(buf.Bytes(), codec)
}

// DecodeItems reverses EncodeItems.
func DecodeItems(frame []byte) ([]Item, error) {
	raw, err := compress.Decode(frame)
	if err != nil {
		return nil, err
	}
	buf := wire.FromBytes(raw)
	n := int(buf.UnpackUint32())
	if !buf.Need(n * 9) {
		return nil, buf.Err()
	}
	items := make([]Item, n)
	for i := range items {
		items[i].Kind = ItemKind(buf.UnpackUint8())
		items[i].Key = buf.UnpackUint32()
		items[i].Data = buf.UnpackBytes()
		if items[i].Kind > ItemObject {
			return nil, fmt.Errorf("proto: unknown item kind %d", items[i].Kind)
		}
	}
	if err := buf.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const boundSize = 17

func encodeBound(buf *wire.Buffer, b problem.Bound) {
	buf.PackFloat64(b.Lower)
	buf.PackFloat64(b.Upper)
	buf.PackUint8(b.Status)
}

func decodeBound(buf *wire.Buffer) problem.Bound {
	return problem.Bound{
		Lower:  buf.UnpackFloat64(),
		Upper:  buf.UnpackFloat64(),
		Status: buf.UnpackUint8(),
	}
}

func encodeObject(buf *wire.Buffer, o problem.Object) {
	buf.PackUint8(uint8(o.Kind))
	buf.PackBytes(o.Data)
}

func decodeObject(buf *wire.Buffer) problem.Object {
	return problem.Object{Kind: problem.Kind(buf.UnpackUint8()), Data: buf.UnpackBytes()}
}

func encodeObjects(buf *wire.Buffer, objs []problem.Object) {
	buf.PackUint32(uint32(len(objs)))
	for _, o := range objs {
		encodeObject(buf, o)
	}
}

func decodeObjects(buf *wire.Buffer) []problem.Object {
	n := int(buf.UnpackUint32())
	if n == 0 || !buf.Need(n*5) {
		return nil
	}
	out := make([]problem.Object, n)
	for i := range out {
		out[i] = decodeObject(buf)
	}
	return out
}

func encodeDefinitions(buf *wire.Buffer, defs []Definition) {
	buf.PackUint32(uint32(len(defs)))
	for _, d := range defs {
		buf.PackInt32(d.Index)
		encodeObject(buf, d.Object)
	}
}

func decodeDefinitions(buf *wire.Buffer) []Definition {
	n := int(buf.UnpackUint32())
	if n == 0 || !buf.Need(n*9) {
		return nil
	}
	out := make([]Definition, n)
	for i := range out {
		out[i].Index = buf.UnpackInt32()
		out[i].Object = decodeObject(buf)
	}
	return out
}

func packUint32s(buf *wire.Buffer, v []uint32) {
	buf.PackUint32(uint32(len(v)))
	for _, x := range v {
		buf.PackUint32(x)
	}
}

func unpackUint32s(buf *wire.Buffer) []uint32 {
	n := int(buf.UnpackUint32())
	if n == 0 || !buf.Need(n*4) {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = buf.UnpackUint32()
	}
	return out
}

func packIDs(buf *wire.Buffer, ids []message.ProcessID) {
	buf.PackUint32(uint32(len(ids)))
	for _, id := range ids {
		buf.PackInt32(int32(id))
	}
}

func unpackIDs(buf *wire.Buffer) []message.ProcessID {
	n := int(buf.UnpackUint32())
	if n == 0 || !buf.Need(n*4) {
		return nil
	}
	out := make([]message.ProcessID, n)
	for i := range out {
		out[i] = message.ProcessID(buf.UnpackInt32())
	}
	return out
}
