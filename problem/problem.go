// Package problem defines the collaborator contracts a bnc run is parameterized with.
//
// A Solver computes continuous relaxations; a Problem supplies the formulation,
// generates cuts and columns, chooses branching decisions and recognizes
// feasible solutions. Neither is implemented by bnc itself. Worker processes
// call these interfaces; the tree manager never does.
package problem

import "errors"

// ErrNotSupported may be returned by optional collaborator hooks.
var ErrNotSupported = errors.New("problem: not supported")

// Kind distinguishes columns (variables) from constraints (rows).
type Kind uint8

const (
	KindColumn Kind = iota
	KindConstraint
)

// Status values carried in a Bound. The meaning beyond these is problem specific.
const (
	StatusActive   uint8 = 0
	StatusInactive uint8 = 1
	StatusFixed    uint8 = 2
)

// Bound is the lower/upper bound and status triple of one formulation object.
type Bound struct {
	Lower  float64
	Upper  float64
	Status uint8
}

// Object is the opaque definition of a column or constraint (coefficients,
// right-hand side, ...). Only the Problem and Solver interpret Data.
type Object struct {
	Kind Kind
	Data []byte
}

// NewObject is a generated column or cut together with its initial bound.
type NewObject struct {
	Object
	Bound Bound
}

// Core is the fixed set of columns and constraints present at every node.
// Bounds holds the unconditional bounds, columns first, then constraints.
type Core struct {
	Columns     []Object
	Constraints []Object
	Bounds      []Bound
}

// Size returns the number of core objects.
func (c *Core) Size() int { return len(c.Columns) + len(c.Constraints) }

// Root is the initial non-core part of the formulation.
type Root struct {
	Columns     []NewObject
	Constraints []NewObject
	Payload     []byte
}

// Extra is a non-core object in a node formulation, keyed by its global index.
type Extra struct {
	Index  int32
	Object Object
	Bound  Bound
}

// Formulation is the full formulation of one tree node as seen by a worker.
//
// Object positions for SetBounds, Primal and Dual follow this layout: core
// columns, core constraints, extra columns, extra constraints.
type Formulation struct {
	Core        *Core
	CoreBounds  []Bound
	Columns     []Extra
	Constraints []Extra
	WarmStart   []byte
	Payload     []byte
}

// NumColumns returns the total number of columns.
func (f *Formulation) NumColumns() int { return len(f.Core.Columns) + len(f.Columns) }

// NumConstraints returns the total number of constraints.
func (f *Formulation) NumConstraints() int { return len(f.Core.Constraints) + len(f.Constraints) }

// RelaxationStatus is the outcome of a relaxation solve.
type RelaxationStatus uint8

const (
	RelaxationOptimal RelaxationStatus = iota
	RelaxationInfeasible
	RelaxationUnbounded
)

// Relaxation is the result of solving a node's continuous relaxation.
//
// Primal is indexed by column (core columns, then extra columns), Dual by
// constraint (core constraints, then extra constraints).
type Relaxation struct {
	Status    RelaxationStatus
	Objective float64
	Primal    []float64
	Dual      []float64
	WarmStart []byte
}

// Solver computes relaxations. One Solver instance serves one worker.
type Solver interface {
	LoadFormulation(f *Formulation) error
	SetBounds(positions []int32, bounds []Bound) error
	SolveRelaxation() (Relaxation, error)
}

// Target selects which object list a BoundChange applies to.
type Target uint8

const (
	TargetCore Target = iota
	TargetColumn
	TargetConstraint
)

// BoundChange rewrites one object's bound. Position is a core position for
// TargetCore and a global registry index otherwise.
type BoundChange struct {
	Target   Target
	Position int32
	Bound    Bound
}

// Child describes one branch of a branching decision.
type Child struct {
	Changes []BoundChange
	// Quality is the search priority (lower is explored first under best-first).
	Quality float64
	// Dive marks the child as a candidate to stay on the same worker.
	Dive bool
}

// DecisionKind is the outcome of branching candidate selection.
type DecisionKind uint8

const (
	DecisionBranch DecisionKind = iota
	DecisionDoNotBranch
	DecisionFathomed
)

// Decision is returned by SelectBranchingCandidates.
type Decision struct {
	Kind     DecisionKind
	Children []Child
}

// Solution is a feasible solution found at some node.
type Solution struct {
	Objective float64
	Values    []float64
}

// Problem is the problem-specific collaborator.
type Problem interface {
	// InitializeCore returns the shared columns and constraints.
	InitializeCore() (*Core, error)
	// CreateRoot returns extra columns, constraints and the user payload of the root node.
	CreateRoot(core *Core) (*Root, error)
	// GenerateColumns prices new columns from dual values.
	GenerateColumns(f *Formulation, dual []float64) ([]NewObject, error)
	// GenerateCuts separates violated constraints from primal values.
	GenerateCuts(f *Formulation, primal []float64) ([]NewObject, error)
	// SelectBranchingCandidates decides how to branch on a solved relaxation.
	SelectBranchingCandidates(f *Formulation, r Relaxation) (Decision, error)
	// TestFeasibility returns a solution when the relaxation optimum is feasible.
	TestFeasibility(f *Formulation, r Relaxation) (*Solution, bool)
}

// SolverFactory creates a fresh Solver for a worker process.
type SolverFactory func() Solver
