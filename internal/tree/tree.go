package tree

import (
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/queue"
	"github.com/hupe1980/bnc/message"
)

var (
	// ErrUnknownNode is returned for ids that were never created or were trimmed.
	ErrUnknownNode = errors.New("tree: unknown node")
	// ErrBadTransition is returned when an operation does not apply to the
	// node's current status.
	ErrBadTransition = errors.New("tree: invalid status transition")
)

// Config holds the search parameters the tree needs.
type Config struct {
	Strategy              queue.Strategy
	AbsoluteGap           float64
	RelativeGap           float64
	Granularity           float64
	UnconditionalDiveProb float64
	DiveThreshold         float64
}

// Phase describes the current generation phase.
type Phase struct {
	Index int
	// Certified is true when the relaxation bounds of this phase are valid
	// for the full problem (column generation is enabled).
	Certified bool
	// PriceOverBound dispatches over-bound nodes anyway.
	PriceOverBound bool
}

// Stats counts tree events.
type Stats struct {
	Created   int
	Processed int
	Pruned    int
	Deferred  int
	Dives     int
	Requeued  int
	Trimmed   int
	MaxDepth  int
}

// Rand is the random source used for dive decisions.
type Rand interface {
	Float64() float64
}

// Child describes a child reported by a branching result.
type Child struct {
	Quality    float64
	LowerBound float64
	Desc       *desc.Description
	DescBytes  int
}

// Tree owns every node and the candidate queue. It is mutated only by the
// manager loop and is not safe for concurrent use.
type Tree struct {
	cfg        Config
	nodes      []*Node // arena indexed by NodeID, slot 0 unused
	live       int
	queue      *queue.Candidates
	upperBound float64
	stats      Stats
}

// New returns an empty tree with an infinite upper bound.
func New(cfg Config) *Tree {
	return &Tree{
		cfg:        cfg,
		nodes:      make([]*Node, 1, 1024),
		queue:      queue.New(cfg.Strategy, 1024),
		upperBound: math.Inf(1),
	}
}

// Seed inserts the root candidate.
func (t *Tree) Seed(lowerBound float64, d *desc.Description, descBytes int) (*Node, error) {
	if len(t.nodes) > 1 {
		return nil, fmt.Errorf("%w: tree already seeded", ErrBadTransition)
	}
	return t.insert(0, 0, lowerBound, lowerBound, d, descBytes), nil
}

func (t *Tree) insert(parent NodeID, depth int, quality, lowerBound float64, d *desc.Description, descBytes int) *Node {
	n := &Node{
		ID:         NodeID(len(t.nodes)),
		Parent:     parent,
		Depth:      depth,
		Status:     Candidate,
		Quality:    quality,
		LowerBound: lowerBound,
		Desc:       d,
		DescBytes:  descBytes,
	}
	t.nodes = append(t.nodes, n)
	t.live++
	t.stats.Created++
	if depth > t.stats.MaxDepth {
		t.stats.MaxDepth = depth
	}
	t.queue.Push(uint32(n.ID), quality)
	return n
}

// Get returns the node with the given id, or nil.
func (t *Tree) Get(id NodeID) *Node {
	if id == 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

func (t *Tree) node(id NodeID) (*Node, error) {
	n := t.Get(id)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return n, nil
}

// Len returns the number of live nodes.
func (t *Tree) Len() int { return t.live }

// QueueLen returns the number of queued candidates.
func (t *Tree) QueueLen() int { return t.queue.Len() }

// Stats returns the event counters.
func (t *Tree) Stats() Stats { return t.stats }

// UpperBound returns the incumbent value (+Inf when none).
func (t *Tree) UpperBound() float64 { return t.upperBound }

// SetUpperBound installs a new incumbent value. It reports whether ub improved.
func (t *Tree) SetUpperBound(ub float64) bool {
	if ub < t.upperBound {
		t.upperBound = ub
		return true
	}
	return false
}

// OverBound reports whether a node with lower bound lb cannot improve the
// incumbent by more than the configured gaps.
func (t *Tree) OverBound(lb float64) bool {
	ub := t.upperBound
	if math.IsInf(ub, 1) {
		return false
	}
	if lb >= ub-t.cfg.Granularity {
		return true
	}
	gap := ub - lb
	if gap <= t.cfg.AbsoluteGap {
		return true
	}
	return gap <= t.cfg.RelativeGap*math.Abs(ub)
}

// PopEligible discards queued candidates that cannot improve the incumbent
// and returns the first one that must be dispatched. The returned node stays
// queued until MarkActive. Discarded nodes are resolved as PrunedOverBound in
// certified phases and NextPhaseOverBound otherwise; they are returned in
// skipped.
func (t *Tree) PopEligible(phase Phase) (n *Node, skipped []*Node) {
	for {
		it, ok := t.queue.Peek()
		if !ok {
			return nil, skipped
		}
		c := t.nodes[it.ID]
		if phase.PriceOverBound || !t.OverBound(c.LowerBound) {
			return c, skipped
		}
		t.queue.Pop()
		if phase.Certified {
			c.Status = PrunedOverBound
			t.stats.Pruned++
		} else {
			c.Status = NextPhaseOverBound
			t.stats.Deferred++
		}
		skipped = append(skipped, c)
	}
}

// MarkActive moves a candidate to Active under worker.
func (t *Tree) MarkActive(id NodeID, worker message.ProcessID) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if n.Status != Candidate {
		return fmt.Errorf("%w: %s to active", ErrBadTransition, n)
	}
	t.queue.Remove(uint32(id))
	n.Status = Active
	n.Worker = worker
	return nil
}

// AddChild inserts a candidate under parent.
func (t *Tree) AddChild(parent NodeID, c Child) (*Node, error) {
	p, err := t.node(parent)
	if err != nil {
		return nil, err
	}
	n := t.insert(parent, p.Depth+1, c.Quality, c.LowerBound, c.Desc, c.DescBytes)
	p.Children = append(p.Children, n.ID)
	return n, nil
}

// Branch marks an active node Processed and inserts its children as
// candidates. The final description of the node replaces the stored one.
func (t *Tree) Branch(id NodeID, final *desc.Description, finalBytes int, lowerBound float64, children []Child) ([]*Node, error) {
	n, err := t.node(id)
	if err != nil {
		return nil, err
	}
	if n.Status != Active {
		return nil, fmt.Errorf("%w: branch on %s", ErrBadTransition, n)
	}
	n.Status = Processed
	n.Worker = 0
	n.LowerBound = lowerBound
	if final != nil {
		n.Desc = final
		n.DescBytes = finalBytes
		n.Storage = 0
	}
	t.stats.Processed++
	out := make([]*Node, 0, len(children))
	for _, c := range children {
		child, err := t.AddChild(id, c)
		if err != nil {
			return out, err
		}
		out = append(out, child)
	}
	return out, nil
}

// Resolve moves an active node into a terminal or next-phase status.
func (t *Tree) Resolve(id NodeID, outcome Status, lowerBound float64) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if n.Status != Active || !(outcome.Pruned() || outcome.NextPhase()) {
		return fmt.Errorf("%w: %s to %s", ErrBadTransition, n, outcome)
	}
	n.Status = outcome
	n.Worker = 0
	if lowerBound > n.LowerBound {
		n.LowerBound = lowerBound
	}
	t.stats.Processed++
	if outcome.Pruned() {
		t.stats.Pruned++
	} else {
		t.stats.Deferred++
	}
	return nil
}

// Requeue returns an active node to the queue, e.g. after its worker died.
func (t *Tree) Requeue(id NodeID) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if n.Status != Active {
		return fmt.Errorf("%w: requeue %s", ErrBadTransition, n)
	}
	n.Status = Candidate
	n.Worker = 0
	t.queue.Push(uint32(id), n.Quality)
	t.stats.Requeued++
	return nil
}

// ShouldDive decides whether the worker keeps child instead of queueing it.
func (t *Tree) ShouldDive(child *Node, rng Rand) bool {
	if t.OverBound(child.LowerBound) {
		return false
	}
	best, ok := t.queue.BestQuality()
	if !ok {
		return true
	}
	if rng != nil && rng.Float64() < t.cfg.UnconditionalDiveProb {
		return true
	}
	return child.Quality <= best+t.cfg.DiveThreshold*math.Abs(best)
}

// RecordDive counts a dive taken by the manager.
func (t *Tree) RecordDive() { t.stats.Dives++ }

// PromoteNextPhase requeues every parked node and returns how many moved.
func (t *Tree) PromoteNextPhase() int {
	moved := 0
	for _, n := range t.nodes[1:] {
		if n != nil && n.Status.NextPhase() {
			n.Status = Candidate
			t.queue.Push(uint32(n.ID), n.Quality)
			moved++
		}
	}
	return moved
}

// NextPhaseLen returns the number of parked nodes.
func (t *Tree) NextPhaseLen() int {
	k := 0
	for _, n := range t.nodes[1:] {
		if n != nil && n.Status.NextPhase() {
			k++
		}
	}
	return k
}

// LowerBound returns the minimum lower bound over open nodes, capped by the
// upper bound. With no open node it is the upper bound.
func (t *Tree) LowerBound() float64 {
	lb := t.upperBound
	for _, n := range t.nodes[1:] {
		if n != nil && n.Status.Open() && n.LowerBound < lb {
			lb = n.LowerBound
		}
	}
	return lb
}

// Active returns the ids of all active nodes.
func (t *Tree) Active() []NodeID {
	var out []NodeID
	for _, n := range t.nodes[1:] {
		if n != nil && n.Status == Active {
			out = append(out, n.ID)
		}
	}
	return out
}

// Queued returns the queued candidate ids in heap order.
func (t *Tree) Queued() []NodeID {
	items := t.queue.Items()
	out := make([]NodeID, len(items))
	for i, it := range items {
		out[i] = NodeID(it.ID)
	}
	return out
}

// Each calls fn for every live node in id order.
func (t *Tree) Each(fn func(*Node)) {
	for _, n := range t.nodes[1:] {
		if n != nil {
			fn(n)
		}
	}
}

// Chain returns the node followed by its ancestors up to the root.
func (t *Tree) Chain(id NodeID) ([]*Node, error) {
	n, err := t.node(id)
	if err != nil {
		return nil, err
	}
	chain := make([]*Node, 0, n.Depth+1)
	for n != nil {
		chain = append(chain, n)
		if n.Parent == 0 {
			break
		}
		n = t.Get(n.Parent)
		if n == nil {
			return nil, fmt.Errorf("%w: ancestor of %d trimmed", ErrUnknownNode, id)
		}
	}
	return chain, nil
}

// Descriptions returns the description chain of id (nil entries are remote).
func (t *Tree) Descriptions(id NodeID) ([]*desc.Description, error) {
	chain, err := t.Chain(id)
	if err != nil {
		return nil, err
	}
	out := make([]*desc.Description, len(chain))
	for i, n := range chain {
		out[i] = n.Desc
	}
	return out, nil
}

// SetRemote records that id's description now lives on storage.
func (t *Tree) SetRemote(id NodeID, storage message.ProcessID) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	n.Desc = nil
	n.Storage = storage
	return nil
}

// TrimResult lists what a Trim pass removed.
type TrimResult struct {
	Nodes []*Node
	// Remote maps storage workers to the removed nodes whose descriptions they hold.
	Remote map[message.ProcessID][]NodeID
}

// Trim removes every maximal subtree that has no active or parked node and
// whose open nodes all have lower bounds at or above the upper bound minus
// granularity.
// Each node is checked individually; lower bounds are not assumed monotone.
func (t *Tree) Trim() TrimResult {
	res := TrimResult{Remote: map[message.ProcessID][]NodeID{}}
	if len(t.nodes) <= 1 || t.nodes[Root] == nil || math.IsInf(t.upperBound, 1) {
		return res
	}
	threshold := t.upperBound - t.cfg.Granularity

	// Post-order over an explicit stack.
	keep := roaring.New()
	type frame struct {
		id      NodeID
		visited bool
	}
	stack := []frame{{id: Root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[f.id]
		if !f.visited {
			stack = append(stack, frame{id: f.id, visited: true})
			for _, c := range n.Children {
				stack = append(stack, frame{id: c})
			}
			continue
		}
		// Parked nodes carry bounds of an unpriced phase and are never trimmed.
		needed := n.Status == Active || n.Status.NextPhase() || (n.Status.Open() && n.LowerBound < threshold)
		for _, c := range n.Children {
			if keep.Contains(uint32(c)) {
				needed = true
				break
			}
		}
		if needed {
			keep.Add(uint32(n.ID))
		}
	}

	// Remove maximal trimmable subtrees top-down.
	var roots []NodeID
	if !keep.Contains(uint32(Root)) {
		roots = append(roots, Root)
	} else {
		walk := []NodeID{Root}
		for len(walk) > 0 {
			id := walk[len(walk)-1]
			walk = walk[:len(walk)-1]
			n := t.nodes[id]
			kept := n.Children[:0]
			for _, c := range n.Children {
				if keep.Contains(uint32(c)) {
					kept = append(kept, c)
					walk = append(walk, c)
				} else {
					roots = append(roots, c)
				}
			}
			n.Children = kept
		}
	}
	for _, r := range roots {
		walk := []NodeID{r}
		for len(walk) > 0 {
			id := walk[len(walk)-1]
			walk = walk[:len(walk)-1]
			n := t.nodes[id]
			walk = append(walk, n.Children...)
			t.queue.Remove(uint32(id))
			if n.Storage != 0 {
				res.Remote[n.Storage] = append(res.Remote[n.Storage], id)
			}
			res.Nodes = append(res.Nodes, n)
			t.nodes[id] = nil
			t.live--
		}
	}
	t.stats.Trimmed += len(res.Nodes)
	return res
}

// CheckInvariants verifies that the queue holds exactly the Candidate nodes,
// that active nodes have a worker and that parent links are consistent.
func (t *Tree) CheckInvariants() error {
	candidates := 0
	for _, n := range t.nodes[1:] {
		if n == nil {
			continue
		}
		queued := t.queue.Contains(uint32(n.ID))
		if queued != (n.Status == Candidate) {
			return fmt.Errorf("tree: %s queued=%v", n, queued)
		}
		if n.Status == Candidate {
			candidates++
		}
		if (n.Status == Active) != (n.Worker != 0) {
			return fmt.Errorf("tree: %s has worker %d", n, n.Worker)
		}
		for _, c := range n.Children {
			child := t.Get(c)
			if child == nil || child.Parent != n.ID {
				return fmt.Errorf("tree: %s has dangling child %d", n, c)
			}
		}
		if n.Parent != 0 && t.Get(n.Parent) == nil {
			return fmt.Errorf("tree: %s has trimmed parent", n)
		}
	}
	if candidates != t.queue.Len() {
		return fmt.Errorf("tree: %d candidates, %d queued", candidates, t.queue.Len())
	}
	return nil
}
