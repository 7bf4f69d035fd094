package desc

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/hupe1980/bnc/problem"
	"github.com/hupe1980/bnc/wire"
)

// Blob is an opaque per-node byte string (warm start or user payload).
// NoData inherits the parent's value; Explicit replaces it.
type Blob struct {
	Mode Mode
	Data []byte
}

// Description is the stored delta of one tree node.
type Description struct {
	Core        ChangeSet
	Columns     ChangeSet
	Constraints ChangeSet
	WarmStart   Blob
	Payload     Blob
}

// State is a fully resolved node formulation: all change-sets are explicit.
type State struct {
	Core        ChangeSet
	Columns     ChangeSet
	Constraints ChangeSet
	WarmStart   []byte
	Payload     []byte
}

// EmptyState returns a state with empty explicit lists.
func EmptyState() State {
	return State{
		Core:        NewExplicit(nil),
		Columns:     NewExplicit(nil),
		Constraints: NewExplicit(nil),
	}
}

// CoreState builds the explicit core change-set from unconditional core bounds.
func CoreState(bounds []problem.Bound) ChangeSet {
	entries := make([]Entry, len(bounds))
	for i, b := range bounds {
		entries[i] = Entry{Index: int32(i), Bound: b}
	}
	return NewExplicit(entries)
}

// Explicit returns a description that stores s verbatim.
func (s State) Explicit() *Description {
	return &Description{
		Core:        NewExplicit(slices.Clone(s.Core.Entries)),
		Columns:     NewExplicit(slices.Clone(s.Columns.Entries)),
		Constraints: NewExplicit(slices.Clone(s.Constraints.Entries)),
		WarmStart:   Blob{Mode: Explicit, Data: bytes.Clone(s.WarmStart)},
		Payload:     Blob{Mode: Explicit, Data: bytes.Clone(s.Payload)},
	}
}

// Equal reports whether two states are identical.
func (s State) Equal(o State) bool {
	return s.Core.Equal(o.Core) &&
		s.Columns.Equal(o.Columns) &&
		s.Constraints.Equal(o.Constraints) &&
		bytes.Equal(s.WarmStart, o.WarmStart) &&
		bytes.Equal(s.Payload, o.Payload)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{
		Core:        s.Core.Clone(),
		Columns:     s.Columns.Clone(),
		Constraints: s.Constraints.Clone(),
		WarmStart:   bytes.Clone(s.WarmStart),
		Payload:     bytes.Clone(s.Payload),
	}
}

// Compose encodes child relative to its parent state, picking the cheapest
// representation per component. parent is nil for the root.
func Compose(parent *State, core ChangeSet, child State) *Description {
	d := &Description{}
	if parent == nil {
		d.Core = Choose(nil, core, child.Core)
		d.Columns = NewExplicit(slices.Clone(child.Columns.Entries))
		d.Constraints = NewExplicit(slices.Clone(child.Constraints.Entries))
		d.WarmStart = Blob{Mode: Explicit, Data: bytes.Clone(child.WarmStart)}
		d.Payload = Blob{Mode: Explicit, Data: bytes.Clone(child.Payload)}
		return d
	}
	empty := NewExplicit(nil)
	d.Core = Choose(&parent.Core, core, child.Core)
	d.Columns = Choose(&parent.Columns, empty, child.Columns)
	d.Constraints = Choose(&parent.Constraints, empty, child.Constraints)
	d.WarmStart = chooseBlob(parent.WarmStart, child.WarmStart)
	d.Payload = chooseBlob(parent.Payload, child.Payload)
	return d
}

func chooseBlob(parent, child []byte) Blob {
	if bytes.Equal(parent, child) {
		return Blob{Mode: NoData}
	}
	return Blob{Mode: Explicit, Data: bytes.Clone(child)}
}

// Step applies one description on top of the resolved parent state. core is
// the explicit core state used for WrtCore components.
func Step(parent State, d *Description, core ChangeSet) (State, error) {
	var (
		out State
		err error
	)
	if out.Core, err = stepComponent(parent.Core, d.Core, core); err != nil {
		return State{}, fmt.Errorf("core: %w", err)
	}
	empty := NewExplicit(nil)
	if out.Columns, err = stepComponent(parent.Columns, d.Columns, empty); err != nil {
		return State{}, fmt.Errorf("columns: %w", err)
	}
	if out.Constraints, err = stepComponent(parent.Constraints, d.Constraints, empty); err != nil {
		return State{}, fmt.Errorf("constraints: %w", err)
	}
	out.WarmStart = stepBlob(parent.WarmStart, d.WarmStart)
	out.Payload = stepBlob(parent.Payload, d.Payload)
	return out, nil
}

func stepComponent(parent, delta, core ChangeSet) (ChangeSet, error) {
	if delta.Mode == WrtCore {
		return Update(core, delta)
	}
	return Update(parent, delta)
}

func stepBlob(parent []byte, b Blob) []byte {
	if b.Mode == Explicit {
		return bytes.Clone(b.Data)
	}
	return bytes.Clone(parent)
}

// Encode packs d into buf.
func (d *Description) Encode(buf *wire.Buffer) {
	encodeChangeSet(buf, d.Core)
	encodeChangeSet(buf, d.Columns)
	encodeChangeSet(buf, d.Constraints)
	encodeBlob(buf, d.WarmStart)
	encodeBlob(buf, d.Payload)
}

// EncodedSize returns the number of bytes Encode produces.
func (d *Description) EncodedSize() int {
	return d.Core.EncodedSize() + d.Columns.EncodedSize() + d.Constraints.EncodedSize() +
		blobSize(d.WarmStart) + blobSize(d.Payload)
}

// Marshal returns the encoded description.
func (d *Description) Marshal() []byte {
	buf := wire.NewBuffer(d.EncodedSize())
	d.Encode(buf)
	return buf.Bytes()
}

// Unmarshal decodes a description produced by Marshal.
func Unmarshal(data []byte) (*Description, error) {
	buf := wire.FromBytes(data)
	d, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if buf.Remaining() != 0 {
		return nil, fmt.Errorf("desc: %d trailing bytes", buf.Remaining())
	}
	return d, nil
}

// Decode unpacks a description from buf.
func Decode(buf *wire.Buffer) (*Description, error) {
	d := &Description{}
	var err error
	if d.Core, err = decodeChangeSet(buf); err != nil {
		return nil, err
	}
	if d.Columns, err = decodeChangeSet(buf); err != nil {
		return nil, err
	}
	if d.Constraints, err = decodeChangeSet(buf); err != nil {
		return nil, err
	}
	d.WarmStart = decodeBlob(buf)
	d.Payload = decodeBlob(buf)
	if err := buf.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeState packs an explicit state.
func EncodeState(buf *wire.Buffer, s State) {
	encodeChangeSet(buf, s.Core)
	encodeChangeSet(buf, s.Columns)
	encodeChangeSet(buf, s.Constraints)
	buf.PackBytes(s.WarmStart)
	buf.PackBytes(s.Payload)
}

// DecodeState unpacks a state packed by EncodeState. Core may be a WrtCore
// delta, which is resolved against core.
func DecodeState(buf *wire.Buffer, core ChangeSet) (State, error) {
	var s State
	var err error
	if s.Core, err = decodeChangeSet(buf); err != nil {
		return State{}, err
	}
	if s.Core.Mode != Explicit {
		if s.Core, err = Update(core, s.Core); err != nil {
			return State{}, err
		}
	}
	if s.Columns, err = decodeChangeSet(buf); err != nil {
		return State{}, err
	}
	if s.Constraints, err = decodeChangeSet(buf); err != nil {
		return State{}, err
	}
	s.WarmStart = buf.UnpackBytes()
	s.Payload = buf.UnpackBytes()
	if err := buf.Err(); err != nil {
		return State{}, err
	}
	if s.Columns.Mode != Explicit || s.Constraints.Mode != Explicit {
		return State{}, fmt.Errorf("%w: state lists must be explicit", ErrBadDelta)
	}
	return s, nil
}

func encodeEntry(buf *wire.Buffer, e Entry) {
	buf.PackInt32(e.Index)
	encodeBound(buf, e.Bound)
}

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

func encodeEntries(buf *wire.Buffer, entries []Entry) {
	buf.PackUint32(uint32(len(entries)))
	for _, e := range entries {
		encodeEntry(buf, e)
	}
}

func decodeEntries(buf *wire.Buffer) []Entry {
	n := int(buf.UnpackUint32())
	if buf.Err() != nil || n == 0 {
		return nil
	}
	if !buf.Need(n * entrySize) {
		return nil
	}
	entries := make([]Entry, n)
	for i := range entries {
		entries[i].Index = buf.UnpackInt32()
		entries[i].Bound = decodeBound(buf)
	}
	return entries
}

func encodeChangeSet(buf *wire.Buffer, cs ChangeSet) {
	buf.PackTag(uint8(cs.Mode))
	switch cs.Mode {
	case NoData:
	case Explicit:
		encodeEntries(buf, cs.Entries)
	default:
		buf.PackInt32s(cs.Deleted)
		buf.PackUint32(uint32(len(cs.Changed)))
		for i, pos := range cs.Changed {
			encodeEntry(buf, Entry{Index: pos, Bound: cs.Bounds[i]})
		}
		encodeEntries(buf, cs.Added)
	}
}

func decodeChangeSet(buf *wire.Buffer) (ChangeSet, error) {
	cs := ChangeSet{Mode: Mode(buf.UnpackTag())}
	switch cs.Mode {
	case NoData:
	case Explicit:
		cs.Entries = decodeEntries(buf)
	case WrtParent, WrtCore:
		cs.Deleted = buf.UnpackInt32s()
		changed := decodeEntries(buf)
		if len(changed) > 0 {
			cs.Changed = make([]int32, len(changed))
			cs.Bounds = make([]problem.Bound, len(changed))
			for i, e := range changed {
				cs.Changed[i] = e.Index
				cs.Bounds[i] = e.Bound
			}
		}
		cs.Added = decodeEntries(buf)
	default:
		if err := buf.Err(); err != nil {
			return ChangeSet{}, err
		}
		return ChangeSet{}, fmt.Errorf("%w: unknown mode %d", ErrBadDelta, cs.Mode)
	}
	if err := buf.Err(); err != nil {
		return ChangeSet{}, err
	}
	return cs, nil
}

func encodeBlob(buf *wire.Buffer, b Blob) {
	buf.PackTag(uint8(b.Mode))
	if b.Mode == Explicit {
		buf.PackBytes(b.Data)
	}
}

func decodeBlob(buf *wire.Buffer) Blob {
	b := Blob{Mode: Mode(buf.UnpackTag())}
	if b.Mode == Explicit {
		b.Data = buf.UnpackBytes()
	} else {
		b.Mode = NoData
	}
	return b
}

func blobSize(b Blob) int {
	if b.Mode == Explicit {
		return 1 + 4 + len(b.Data)
	}
	return 1
}
