// Package scheduler tracks worker slots per role, assigns free relaxation
// workers to candidate nodes, handles worker death and throttles the amount
// of estimated in-flight work.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bnc/message"
)

var (
	// ErrNoFreeWorker is returned by Assign when every relaxation worker is busy.
	ErrNoFreeWorker = errors.New("scheduler: no free worker")
	// ErrPoolExhausted is returned by MarkDead when no relaxation worker is left.
	ErrPoolExhausted = errors.New("scheduler: relaxation worker pool exhausted")
	// ErrUnknownWorker is returned for ids never registered.
	ErrUnknownWorker = errors.New("scheduler: unknown worker")
	// ErrNodeOwned is returned when a node already has a busy worker.
	ErrNodeOwned = errors.New("scheduler: node already owned")
)

// State of a worker slot.
type State uint8

const (
	Free State = iota
	Busy
	Dead
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Busy:
		return "busy"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Slot is one worker's entry.
type Slot struct {
	ID    message.ProcessID
	Role  message.Role
	State State
	Node  uint32 // valid while Busy

	dispatched time.Time
	bytes      int
	cost       time.Duration
}

// Config controls admission.
type Config struct {
	// InFlightHorizon bounds the estimated work in flight per live relaxation worker.
	InFlightHorizon time.Duration
	// InitialRTT seeds the estimator.
	InitialRTT time.Duration
}

// Scheduler is owned by the manager loop and is not safe for concurrent use.
type Scheduler struct {
	cfg      Config
	slots    map[message.ProcessID]*Slot
	order    []message.ProcessID
	owners   map[uint32]message.ProcessID
	dead     *roaring.Bitmap
	est      *Estimator
	inFlight time.Duration
}

// New returns an empty scheduler.
func New(cfg Config) *Scheduler {
	if cfg.InitialRTT <= 0 {
		cfg.InitialRTT = 10 * time.Millisecond
	}
	return &Scheduler{
		cfg:    cfg,
		slots:  make(map[message.ProcessID]*Slot),
		owners: make(map[uint32]message.ProcessID),
		dead:   roaring.New(),
		est:    NewEstimator(cfg.InitialRTT, 0.2),
	}
}

// Register adds a worker in role as Free.
func (s *Scheduler) Register(role message.Role, id message.ProcessID) error {
	if _, ok := s.slots[id]; ok || s.dead.Contains(uint32(id)) {
		return fmt.Errorf("scheduler: worker %d already registered", id)
	}
	s.slots[id] = &Slot{ID: id, Role: role, State: Free}
	s.order = append(s.order, id)
	return nil
}

// Slot returns a copy of a worker's slot.
func (s *Scheduler) Slot(id message.ProcessID) (Slot, bool) {
	sl, ok := s.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *sl, true
}

// Assign attaches the first free relaxation worker to node.
func (s *Scheduler) Assign(node uint32) (message.ProcessID, error) {
	if owner, ok := s.owners[node]; ok {
		return 0, fmt.Errorf("%w: node %d by worker %d", ErrNodeOwned, node, owner)
	}
	for _, id := range s.order {
		sl := s.slots[id]
		if sl.Role == message.RoleRelaxation && sl.State == Free {
			s.bind(sl, node)
			return id, nil
		}
	}
	return 0, ErrNoFreeWorker
}

// Continue rebinds a busy worker to a new node, used when it dives into a child.
func (s *Scheduler) Continue(id message.ProcessID, node uint32) error {
	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	if owner, ok := s.owners[node]; ok && owner != id {
		return fmt.Errorf("%w: node %d by worker %d", ErrNodeOwned, node, owner)
	}
	if sl.State == Dead {
		return fmt.Errorf("scheduler: worker %d is dead", id)
	}
	if sl.State == Busy {
		delete(s.owners, sl.Node)
	}
	s.bind(sl, node)
	return nil
}

func (s *Scheduler) bind(sl *Slot, node uint32) {
	sl.State = Busy
	sl.Node = node
	s.owners[node] = sl.ID
}

// Dispatched records the start of a round trip for admission control.
func (s *Scheduler) Dispatched(id message.ProcessID, bytes int, now time.Time) {
	sl, ok := s.slots[id]
	if !ok || sl.State != Busy {
		return
	}
	s.settle(sl)
	sl.dispatched = now
	sl.bytes = bytes
	sl.cost = s.est.Estimate(bytes)
	s.inFlight += sl.cost
}

func (s *Scheduler) settle(sl *Slot) {
	if sl.cost > 0 {
		s.inFlight -= sl.cost
		sl.cost = 0
	}
}

// Release returns a worker to Free and reports the node it held. The round
// trip, if one was started, feeds the estimator.
func (s *Scheduler) Release(id message.ProcessID, now time.Time) (uint32, error) {
	sl, ok := s.slots[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	if sl.State != Busy {
		return 0, nil
	}
	if sl.cost > 0 && !sl.dispatched.IsZero() {
		s.est.Observe(sl.bytes, now.Sub(sl.dispatched))
	}
	s.settle(sl)
	node := sl.Node
	delete(s.owners, node)
	sl.State = Free
	sl.Node = 0
	return node, nil
}

// MarkDead removes a worker permanently. It returns the node the worker was
// busy with (ok false when idle); the caller requeues it. When no live
// relaxation worker remains, ErrPoolExhausted is returned as well.
func (s *Scheduler) MarkDead(id message.ProcessID) (node uint32, ok bool, err error) {
	sl, found := s.slots[id]
	if !found {
		return 0, false, fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	if sl.State == Dead {
		return 0, false, nil
	}
	if sl.State == Busy {
		node, ok = sl.Node, true
		delete(s.owners, node)
		s.settle(sl)
	}
	sl.State = Dead
	sl.Node = 0
	s.dead.Add(uint32(id))
	if sl.Role == message.RoleRelaxation && s.Alive(message.RoleRelaxation) == 0 {
		err = ErrPoolExhausted
	}
	return node, ok, err
}

// IsDead reports whether id was marked dead.
func (s *Scheduler) IsDead(id message.ProcessID) bool { return s.dead.Contains(uint32(id)) }

// Reassign moves a free worker into a new role.
func (s *Scheduler) Reassign(id message.ProcessID, role message.Role) error {
	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	if sl.State != Free {
		return fmt.Errorf("scheduler: worker %d is %s", id, sl.State)
	}
	sl.Role = role
	return nil
}

// Owner returns the busy worker holding node.
func (s *Scheduler) Owner(node uint32) (message.ProcessID, bool) {
	id, ok := s.owners[node]
	return id, ok
}

func (s *Scheduler) count(role message.Role, match func(State) bool) int {
	n := 0
	for _, id := range s.order {
		sl := s.slots[id]
		if sl.Role == role && match(sl.State) {
			n++
		}
	}
	return n
}

// Free returns the number of free workers in role.
func (s *Scheduler) Free(role message.Role) int {
	return s.count(role, func(st State) bool { return st == Free })
}

// Busy returns the number of busy workers in role.
func (s *Scheduler) Busy(role message.Role) int {
	return s.count(role, func(st State) bool { return st == Busy })
}

// Alive returns the number of live workers in role.
func (s *Scheduler) Alive(role message.Role) int {
	return s.count(role, func(st State) bool { return st != Dead })
}

// Workers returns the live workers in role, in registration order.
func (s *Scheduler) Workers(role message.Role) []message.ProcessID {
	var out []message.ProcessID
	for _, id := range s.order {
		sl := s.slots[id]
		if sl.Role == role && sl.State != Dead {
			out = append(out, id)
		}
	}
	return out
}

// Live returns every live worker regardless of role.
func (s *Scheduler) Live() []message.ProcessID {
	var out []message.ProcessID
	for _, id := range s.order {
		if s.slots[id].State != Dead {
			out = append(out, id)
		}
	}
	return out
}

// FreeWorker returns a free worker in role.
func (s *Scheduler) FreeWorker(role message.Role) (message.ProcessID, bool) {
	for _, id := range s.order {
		sl := s.slots[id]
		if sl.Role == role && sl.State == Free {
			return id, true
		}
	}
	return 0, false
}

// InFlight returns the estimated work currently outstanding.
func (s *Scheduler) InFlight() time.Duration { return s.inFlight }

// Admit reports whether dispatching a node of the given size keeps the
// estimated in-flight work within the horizon. An idle pool always admits.
func (s *Scheduler) Admit(bytes int) bool {
	if s.cfg.InFlightHorizon <= 0 || s.inFlight <= 0 {
		return true
	}
	budget := s.cfg.InFlightHorizon * time.Duration(s.Alive(message.RoleRelaxation))
	return s.inFlight+s.est.Estimate(bytes) <= budget
}

// Estimator exposes the round-trip model.
func (s *Scheduler) Estimator() *Estimator { return s.est }
