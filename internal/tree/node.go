package tree

import (
	"fmt"

	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/message"
)

// NodeID identifies a search node. The root is 1; 0 means none.
type NodeID uint32

// Root is the id assigned by Seed.
const Root NodeID = 1

// Status is the lifecycle state of a node.
type Status uint8

const (
	Candidate Status = iota
	Active
	Processed
	PrunedOverBound
	PrunedInfeasible
	PrunedDiscarded
	NextPhaseOverBound
	NextPhaseInfeasible
)

var statusNames = [...]string{
	Candidate:           "candidate",
	Active:              "active",
	Processed:           "processed",
	PrunedOverBound:     "pruned/over-bound",
	PrunedInfeasible:    "pruned/infeasible",
	PrunedDiscarded:     "pruned/discarded",
	NextPhaseOverBound:  "next-phase/over-bound",
	NextPhaseInfeasible: "next-phase/infeasible",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Pruned reports whether s is one of the pruned leaf states.
func (s Status) Pruned() bool {
	return s == PrunedOverBound || s == PrunedInfeasible || s == PrunedDiscarded
}

// NextPhase reports whether s is parked for the next phase.
func (s Status) NextPhase() bool {
	return s == NextPhaseOverBound || s == NextPhaseInfeasible
}

// Open reports whether the node still needs processing in this or a later phase.
func (s Status) Open() bool {
	return s == Candidate || s == Active || s.NextPhase()
}

// Node is one vertex of the search tree. Nodes refer to each other by id.
type Node struct {
	ID         NodeID
	Parent     NodeID
	Depth      int
	Status     Status
	Quality    float64
	LowerBound float64

	// Desc is nil while the description lives on a storage worker.
	Desc *desc.Description
	// DescBytes is the encoded size of Desc when it was last stored locally.
	DescBytes int

	Children []NodeID
	Worker   message.ProcessID // 0 when not active
	Storage  message.ProcessID // 0 when the description is local
}

// Remote reports whether the node's description is held by a storage worker.
func (n *Node) Remote() bool { return n.Storage != 0 }

func (n *Node) String() string {
	return fmt.Sprintf("node %d (%s, depth %d, lb %g)", n.ID, n.Status, n.Depth, n.LowerBound)
}
