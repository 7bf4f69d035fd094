// Package proto defines the payload of every message tag and its encoding
// over wire.Buffer.
package proto

import (
	"fmt"

	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
	"github.com/hupe1980/bnc/wire"
)

// Payload is implemented by every message body.
type Payload interface {
	Encode(buf *wire.Buffer)
	Decode(buf *wire.Buffer) error
}

// Marshal encodes p into a fresh byte slice.
func Marshal(p Payload) []byte {
	buf := wire.NewBuffer(0)
	p.Encode(buf)
	return buf.Bytes()
}

// Unmarshal decodes data into p. Truncated or oversized payloads are
// protocol violations.
func Unmarshal(tag message.Tag, data []byte, p Payload) error {
	buf := wire.FromBytes(data)
	if err := p.Decode(buf); err != nil {
		return message.Violation("%s: %v", tag, err)
	}
	if err := buf.Err(); err != nil {
		return message.Violation("%s: %v", tag, err)
	}
	if buf.Remaining() != 0 {
		return message.Violation("%s: %d trailing bytes", tag, buf.Remaining())
	}
	return nil
}

// AssignRole tells a process which role to serve.
type AssignRole struct {
	Role  message.Role
	RunID string
}

func (p *AssignRole) Encode(buf *wire.Buffer) {
	buf.PackUint8(uint8(p.Role))
	buf.PackString(p.RunID)
}

func (p *AssignRole) Decode(buf *wire.Buffer) error {
	p.Role = message.Role(buf.UnpackUint8())
	p.RunID = buf.UnpackString()
	return nil
}

// CoreDescription carries the fixed core formulation.
type CoreDescription struct {
	Core problem.Core
}

func (p *CoreDescription) Encode(buf *wire.Buffer) {
	encodeObjects(buf, p.Core.Columns)
	encodeObjects(buf, p.Core.Constraints)
	buf.PackUint32(uint32(len(p.Core.Bounds)))
	for _, b := range p.Core.Bounds {
		encodeBound(buf, b)
	}
}

func (p *CoreDescription) Decode(buf *wire.Buffer) error {
	p.Core.Columns = decodeObjects(buf)
	p.Core.Constraints = decodeObjects(buf)
	n := int(buf.UnpackUint32())
	if !buf.Need(n * boundSize) {
		return buf.Err()
	}
	p.Core.Bounds = make([]problem.Bound, n)
	for i := range p.Core.Bounds {
		p.Core.Bounds[i] = decodeBound(buf)
	}
	if buf.Err() == nil && len(p.Core.Bounds) != p.Core.Size() {
		return fmt.Errorf("%d core bounds for %d objects", len(p.Core.Bounds), p.Core.Size())
	}
	return nil
}

// InitialPayload completes the bootstrap of a process.
type InitialPayload struct {
	UpperBound    float64
	IndexFirst    int32
	IndexCount    int32
	CutWorkers    []message.ProcessID
	ColumnWorkers []message.ProcessID
}

func (p *InitialPayload) Encode(buf *wire.Buffer) {
	buf.PackFloat64(p.UpperBound)
	buf.PackInt32(p.IndexFirst)
	buf.PackInt32(p.IndexCount)
	packIDs(buf, p.CutWorkers)
	packIDs(buf, p.ColumnWorkers)
}

func (p *InitialPayload) Decode(buf *wire.Buffer) error {
	p.UpperBound = buf.UnpackFloat64()
	p.IndexFirst = buf.UnpackInt32()
	p.IndexCount = buf.UnpackInt32()
	p.CutWorkers = unpackIDs(buf)
	p.ColumnWorkers = unpackIDs(buf)
	return nil
}

// Empty is the body of Shutdown.
type Empty struct{}

func (*Empty) Encode(*wire.Buffer)       {}
func (*Empty) Decode(*wire.Buffer) error { return nil }

// UpperBound announces a new incumbent value.
type UpperBound struct {
	Value float64
}

func (p *UpperBound) Encode(buf *wire.Buffer)       { buf.PackFloat64(p.Value) }
func (p *UpperBound) Decode(buf *wire.Buffer) error { p.Value = buf.UnpackFloat64(); return nil }

// RegistryRequest asks for a block of registry indices.
type RegistryRequest struct {
	Count int32
}

func (p *RegistryRequest) Encode(buf *wire.Buffer)       { buf.PackInt32(p.Count) }
func (p *RegistryRequest) Decode(buf *wire.Buffer) error { p.Count = buf.UnpackInt32(); return nil }

// RegistryGrant hands out indices [First, First+Count).
type RegistryGrant struct {
	First int32
	Count int32
}

func (p *RegistryGrant) Encode(buf *wire.Buffer) {
	buf.PackInt32(p.First)
	buf.PackInt32(p.Count)
}

func (p *RegistryGrant) Decode(buf *wire.Buffer) error {
	p.First = buf.UnpackInt32()
	p.Count = buf.UnpackInt32()
	return nil
}

// Definition is a registry object shipped with a node.
type Definition struct {
	Index  int32
	Object problem.Object
}

// ActiveNode dispatches a node to a relaxation worker. A dive carries no
// state: the worker continues with child ChildIndex of the node it just
// branched on.
type ActiveNode struct {
	Node       uint32
	Phase      int32
	Price      bool
	UpperBound float64
	Dive       bool
	ChildIndex int32
	State      desc.State // core may be WrtCore; lists explicit
	Objects    []Definition
}

func (p *ActiveNode) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Node)
	buf.PackInt32(p.Phase)
	buf.PackBool(p.Price)
	buf.PackFloat64(p.UpperBound)
	buf.PackBool(p.Dive)
	if p.Dive {
		buf.PackInt32(p.ChildIndex)
		return
	}
	desc.EncodeState(buf, p.State)
	encodeDefinitions(buf, p.Objects)
}

// Decode unpacks the node; the core is left as shipped. Use DecodeWithCore
// to resolve a compacted core.
func (p *ActiveNode) Decode(buf *wire.Buffer) error {
	return p.DecodeWithCore(buf, desc.ChangeSet{Mode: desc.Explicit})
}

// DecodeWithCore unpacks the node, resolving a WrtCore core against core.
func (p *ActiveNode) DecodeWithCore(buf *wire.Buffer, core desc.ChangeSet) error {
	p.Node = buf.UnpackUint32()
	p.Phase = buf.UnpackInt32()
	p.Price = buf.UnpackBool()
	p.UpperBound = buf.UnpackFloat64()
	p.Dive = buf.UnpackBool()
	if p.Dive {
		p.ChildIndex = buf.UnpackInt32()
		return nil
	}
	s, err := desc.DecodeState(buf, core)
	if err != nil {
		return err
	}
	p.State = s
	p.Objects = decodeDefinitions(buf)
	return nil
}

// ChildResult is one child of a branching result. Desc is relative to the
// parent's final state.
type ChildResult struct {
	Quality    float64
	LowerBound float64
	Dive       bool
	Desc       *desc.Description
}

// BranchingResult reports a processed node. Final is the node's final state
// relative to the state it was dispatched with.
type BranchingResult struct {
	Node       uint32
	LowerBound float64
	Final      *desc.Description
	Children   []ChildResult
	Objects    []Definition
}

func (p *BranchingResult) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Node)
	buf.PackFloat64(p.LowerBound)
	p.Final.Encode(buf)
	buf.PackUint32(uint32(len(p.Children)))
	for _, c := range p.Children {
		buf.PackFloat64(c.Quality)
		buf.PackFloat64(c.LowerBound)
		buf.PackBool(c.Dive)
		c.Desc.Encode(buf)
	}
	encodeDefinitions(buf, p.Objects)
}

func (p *BranchingResult) Decode(buf *wire.Buffer) error {
	p.Node = buf.UnpackUint32()
	p.LowerBound = buf.UnpackFloat64()
	final, err := desc.Decode(buf)
	if err != nil {
		return err
	}
	p.Final = final
	n := int(buf.UnpackUint32())
	// Each child needs at least 17 bytes plus 5 mode tags.
	if !buf.Need(n * 22) {
		return buf.Err()
	}
	p.Children = make([]ChildResult, n)
	for i := range p.Children {
		c := &p.Children[i]
		c.Quality = buf.UnpackFloat64()
		c.LowerBound = buf.UnpackFloat64()
		c.Dive = buf.UnpackBool()
		if c.Desc, err = desc.Decode(buf); err != nil {
			return err
		}
	}
	p.Objects = decodeDefinitions(buf)
	return nil
}

// Reason qualifies a terminal or deferred outcome.
type Reason uint8

const (
	ReasonOverBound Reason = iota
	ReasonInfeasible
	ReasonDiscarded
)

func (r Reason) String() string {
	switch r {
	case ReasonOverBound:
		return "over-bound"
	case ReasonInfeasible:
		return "infeasible"
	case ReasonDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// NodeOutcome is the body of NodePruned, NodeNextPhase and NodeDeferred.
type NodeOutcome struct {
	Node       uint32
	Reason     Reason
	LowerBound float64
	Objects    []Definition // objects defined while processing the node
}

func (p *NodeOutcome) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Node)
	buf.PackUint8(uint8(p.Reason))
	buf.PackFloat64(p.LowerBound)
	encodeDefinitions(buf, p.Objects)
}

func (p *NodeOutcome) Decode(buf *wire.Buffer) error {
	p.Node = buf.UnpackUint32()
	p.Reason = Reason(buf.UnpackUint8())
	p.LowerBound = buf.UnpackFloat64()
	p.Objects = decodeDefinitions(buf)
	if p.Reason > ReasonDiscarded {
		return fmt.Errorf("unknown reason %d", p.Reason)
	}
	return nil
}

// FeasibleSolution reports a solution found at Node.
type FeasibleSolution struct {
	Node      uint32
	Objective float64
	Values    []float64
}

func (p *FeasibleSolution) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Node)
	buf.PackFloat64(p.Objective)
	buf.PackFloat64s(p.Values)
}

func (p *FeasibleSolution) Decode(buf *wire.Buffer) error {
	p.Node = buf.UnpackUint32()
	p.Objective = buf.UnpackFloat64()
	p.Values = buf.UnpackFloat64s()
	return nil
}

// GeneratorRequest is the body of CutRequest and PriceRequest: the node's
// explicit extra lists with their objects, and the primal (cuts) or dual
// (pricing) vector.
type GeneratorRequest struct {
	Seq     uint32
	State   desc.State
	Objects []Definition
	Values  []float64
}

func (p *GeneratorRequest) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Seq)
	desc.EncodeState(buf, p.State)
	encodeDefinitions(buf, p.Objects)
	buf.PackFloat64s(p.Values)
}

func (p *GeneratorRequest) Decode(buf *wire.Buffer) error {
	p.Seq = buf.UnpackUint32()
	s, err := desc.DecodeState(buf, desc.ChangeSet{Mode: desc.Explicit})
	if err != nil {
		return err
	}
	p.State = s
	p.Objects = decodeDefinitions(buf)
	p.Values = buf.UnpackFloat64s()
	return nil
}

// GeneratorReply is the body of CutReply and PriceReply.
type GeneratorReply struct {
	Seq     uint32
	Objects []problem.NewObject
	Failed  string
}

func (p *GeneratorReply) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Seq)
	buf.PackUint32(uint32(len(p.Objects)))
	for _, o := range p.Objects {
		encodeObject(buf, o.Object)
		encodeBound(buf, o.Bound)
	}
	buf.PackString(p.Failed)
}

func (p *GeneratorReply) Decode(buf *wire.Buffer) error {
	p.Seq = buf.UnpackUint32()
	n := int(buf.UnpackUint32())
	if !buf.Need(n * (5 + boundSize)) {
		return buf.Err()
	}
	p.Objects = make([]problem.NewObject, n)
	for i := range p.Objects {
		p.Objects[i].Object = decodeObject(buf)
		p.Objects[i].Bound = decodeBound(buf)
	}
	p.Failed = buf.UnpackString()
	return nil
}

// OffloadBatch moves descriptions and registry objects to a storage worker.
// Frame is a compress frame of an encoded Items list.
type OffloadBatch struct {
	Batch uint32
	Frame []byte
}

func (p *OffloadBatch) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Batch)
	buf.PackBytes(p.Frame)
}

func (p *OffloadBatch) Decode(buf *wire.Buffer) error {
	p.Batch = buf.UnpackUint32()
	p.Frame = buf.UnpackBytes()
	return nil
}

// OffloadAck lists what a storage worker accepted from a batch.
type OffloadAck struct {
	Batch   uint32
	Nodes   []uint32
	Objects []int32
}

func (p *OffloadAck) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Batch)
	packUint32s(buf, p.Nodes)
	buf.PackInt32s(p.Objects)
}

func (p *OffloadAck) Decode(buf *wire.Buffer) error {
	p.Batch = buf.UnpackUint32()
	p.Nodes = unpackUint32s(buf)
	p.Objects = buf.UnpackInt32s()
	return nil
}

// Accepted returns the number of accepted items.
func (p *OffloadAck) Accepted() int { return len(p.Nodes) + len(p.Objects) }

// Keys selects stored node descriptions and registry objects.
type Keys struct {
	Nodes   []uint32
	Objects []int32
}

func (k *Keys) encode(buf *wire.Buffer) {
	packUint32s(buf, k.Nodes)
	buf.PackInt32s(k.Objects)
}

func (k *Keys) decode(buf *wire.Buffer) {
	k.Nodes = unpackUint32s(buf)
	k.Objects = buf.UnpackInt32s()
}

// Len returns the number of keys.
func (k *Keys) Len() int { return len(k.Nodes) + len(k.Objects) }

// FetchRequest asks a storage worker for stored items.
type FetchRequest struct {
	Transfer uint32
	Keys
}

func (p *FetchRequest) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Transfer)
	p.Keys.encode(buf)
}

func (p *FetchRequest) Decode(buf *wire.Buffer) error {
	p.Transfer = buf.UnpackUint32()
	p.Keys.decode(buf)
	return nil
}

// FetchReply returns the requested items as a compress frame of Items.
type FetchReply struct {
	Transfer uint32
	Frame    []byte
	Missing  Keys
}

func (p *FetchReply) Encode(buf *wire.Buffer) {
	buf.PackUint32(p.Transfer)
	buf.PackBytes(p.Frame)
	p.Missing.encode(buf)
}

func (p *FetchReply) Decode(buf *wire.Buffer) error {
	p.Transfer = buf.UnpackUint32()
	p.Frame = buf.UnpackBytes()
	p.Missing.decode(buf)
	return nil
}

// DeleteRequest drops stored items.
type DeleteRequest struct {
	Keys
}

func (p *DeleteRequest) Encode(buf *wire.Buffer)       { p.Keys.encode(buf) }
func (p *DeleteRequest) Decode(buf *wire.Buffer) error { p.Keys.decode(buf); return nil }

// DeleteReply reports how many items were removed.
type DeleteReply struct {
	Deleted uint32
}

func (p *DeleteReply) Encode(buf *wire.Buffer)       { buf.PackUint32(p.Deleted) }
func (p *DeleteReply) Decode(buf *wire.Buffer) error { p.Deleted = buf.UnpackUint32(); return nil }
