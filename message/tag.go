package message

import "fmt"

// Tag identifies the kind of a message.
type Tag uint16

const (
	// Control messages.
	TagAssignRole Tag = iota + 1
	TagParameters
	TagCoreDescription
	TagInitialPayload
	TagShutdown
	TagUpperBound
	TagRegistryRequest
	TagRegistryGrant

	// Tree-node transfer messages.
	TagActiveNode
	TagBranchingResult
	TagNodePruned
	TagNodeNextPhase
	TagNodeDeferred
	TagFeasibleSolution

	// Generator messages (relaxation worker <-> cut/column generator).
	TagCutRequest
	TagCutReply
	TagPriceRequest
	TagPriceReply

	// Storage-balancing messages.
	TagOffloadBatch
	TagOffloadAck
	TagFetchRequest
	TagFetchReply
	TagDeleteRequest
	TagDeleteReply

	tagSentinel
)

var tagNames = [...]string{
	TagAssignRole:       "AssignRole",
	TagParameters:       "Parameters",
	TagCoreDescription:  "CoreDescription",
	TagInitialPayload:   "InitialPayload",
	TagShutdown:         "Shutdown",
	TagUpperBound:       "UpperBound",
	TagRegistryRequest:  "RegistryRequest",
	TagRegistryGrant:    "RegistryGrant",
	TagActiveNode:       "ActiveNode",
	TagBranchingResult:  "BranchingResult",
	TagNodePruned:       "NodePruned",
	TagNodeNextPhase:    "NodeNextPhase",
	TagNodeDeferred:     "NodeDeferred",
	TagFeasibleSolution: "FeasibleSolution",
	TagCutRequest:       "CutRequest",
	TagCutReply:         "CutReply",
	TagPriceRequest:     "PriceRequest",
	TagPriceReply:       "PriceReply",
	TagOffloadBatch:     "OffloadBatch",
	TagOffloadAck:       "OffloadAck",
	TagFetchRequest:     "FetchRequest",
	TagFetchReply:       "FetchReply",
	TagDeleteRequest:    "DeleteRequest",
	TagDeleteReply:      "DeleteReply",
}

// Valid reports whether t is a member of the closed tag set.
func (t Tag) Valid() bool { return t > 0 && t < tagSentinel }

func (t Tag) String() string {
	if t.Valid() {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint16(t))
}

// Role is the capability a process currently serves.
type Role uint8

const (
	RoleNone Role = iota
	RoleManager
	RoleRelaxation
	RoleCutGenerator
	RoleColumnGenerator
	RoleStorage
)

func (r Role) String() string {
	switch r {
	case RoleManager:
		return "manager"
	case RoleRelaxation:
		return "relaxation"
	case RoleCutGenerator:
		return "cut-generator"
	case RoleColumnGenerator:
		return "column-generator"
	case RoleStorage:
		return "storage"
	default:
		return "none"
	}
}

// Accepts reports whether a process in role r understands tag t in its main loop.
func (r Role) Accepts(t Tag) bool {
	switch t {
	case TagAssignRole, TagCoreDescription, TagShutdown:
		return r != RoleManager
	}
	switch r {
	case RoleRelaxation:
		switch t {
		case TagActiveNode, TagUpperBound, TagRegistryGrant, TagCutReply, TagPriceReply:
			return true
		}
	case RoleCutGenerator:
		return t == TagCutRequest
	case RoleColumnGenerator:
		return t == TagPriceRequest
	case RoleStorage:
		switch t {
		case TagOffloadBatch, TagFetchRequest, TagDeleteRequest:
			return true
		}
	case RoleManager:
		switch t {
		case TagBranchingResult, TagNodePruned, TagNodeNextPhase, TagNodeDeferred,
			TagFeasibleSolution, TagRegistryRequest, TagOffloadAck, TagFetchReply, TagDeleteReply:
			return true
		}
	}
	return false
}
