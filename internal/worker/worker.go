package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/hupe1980/bnc/blobstore"
	"github.com/hupe1980/bnc/internal/compress"
	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/resource"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/param"
	"github.com/hupe1980/bnc/problem"
)

// ErrUnbounded is returned when a node relaxation is unbounded.
var ErrUnbounded = errors.New("worker: unbounded relaxation")

// Config holds the collaborators of a worker process.
type Config struct {
	Problem   problem.Problem
	NewSolver problem.SolverFactory
	// Store backs the storage role. Defaults to an in-memory store.
	Store blobstore.Store
	// Resource bounds parallel blob writes of the storage role.
	Resource *resource.Controller
	Logger   *slog.Logger
}

type bootStage uint8

const (
	expectRole bootStage = iota
	expectParameters
	expectCore
	expectInitial
	running
)

var bootTags = [...]message.Tag{
	expectRole:       message.TagAssignRole,
	expectParameters: message.TagParameters,
	expectCore:       message.TagCoreDescription,
	expectInitial:    message.TagInitialPayload,
}

// Worker is the state machine of one worker process. It is not safe for
// concurrent use; the transport serializes Handle calls.
type Worker struct {
	ch     message.Channel
	cfg    Config
	logger *slog.Logger

	stage       bootStage
	awaitCore   bool
	role        message.Role
	runID       string
	params      param.Params
	core        *problem.Core
	coreState   desc.ChangeSet
	codec       compress.Codec
	upperBound  float64
	cutWorkers  []message.ProcessID
	priceWorker []message.ProcessID

	relax   *relaxation
	storage *storage

	backlog []message.Message
	done    bool
}

// New creates a worker bound to ch.
func New(ch message.Channel, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		ch:         ch,
		cfg:        cfg,
		logger:     logger.With("worker", ch.Self()),
		params:     param.Default(),
		upperBound: math.Inf(1),
	}
}

// Role returns the role currently served.
func (w *Worker) Role() message.Role { return w.role }

// Done reports whether the worker received Shutdown.
func (w *Worker) Done() bool { return w.done }

// Run receives messages until Shutdown, the channel closes or ctx ends.
func Run(ctx context.Context, ch message.Channel, cfg Config) error {
	w := New(ch, cfg)
	for !w.Done() {
		msg, err := ch.Receive(ctx, message.Forever)
		if err != nil {
			if errors.Is(err, message.ErrClosed) {
				return nil
			}
			return err
		}
		if err := w.Handle(ctx, msg); err != nil {
			w.logger.Error("worker stopped", "role", w.role, "error", err)
			return err
		}
	}
	return nil
}

// Handle processes one message. A returned error ends the process.
func (w *Worker) Handle(ctx context.Context, msg message.Message) error {
	if err := w.handle(ctx, msg); err != nil {
		return err
	}
	for len(w.backlog) > 0 && !w.done {
		next := w.backlog[0]
		w.backlog = w.backlog[1:]
		if err := w.handle(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, msg message.Message) error {
	if msg.Tag == message.TagShutdown {
		w.done = true
		if w.storage != nil {
			n, err := w.storage.purge(ctx)
			if err != nil {
				w.logger.Warn("stored items left behind", "prefix", w.storage.prefix, "error", err)
				return nil
			}
			w.logger.Debug("stored items purged", "prefix", w.storage.prefix, "count", n)
		}
		return nil
	}
	if w.stage < running {
		return w.bootstrap(msg)
	}
	if w.awaitCore && msg.Tag != message.TagCoreDescription {
		return message.Violation("expected CoreDescription after role change, got %s", msg.Tag)
	}
	if !w.role.Accepts(msg.Tag) {
		return message.Violation("%s worker got %s from %d", w.role, msg.Tag, msg.Sender)
	}

	switch msg.Tag {
	case message.TagAssignRole:
		var p proto.AssignRole
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		if p.Role != message.RoleStorage || w.role != message.RoleRelaxation {
			return message.Violation("role change from %s to %s", w.role, p.Role)
		}
		w.awaitCore = true
		w.role = p.Role
		w.relax = nil
		w.logger.Info("role changed", "role", p.Role)
		return nil
	case message.TagCoreDescription:
		if !w.awaitCore {
			return message.Violation("unexpected CoreDescription")
		}
		w.awaitCore = false
		if err := w.setCore(msg); err != nil {
			return err
		}
		w.storage = w.newStorage()
		return nil
	case message.TagUpperBound:
		var p proto.UpperBound
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		w.upperBound = min(w.upperBound, p.Value)
		return nil
	}

	switch w.role {
	case message.RoleRelaxation:
		return w.handleRelaxation(ctx, msg)
	case message.RoleCutGenerator, message.RoleColumnGenerator:
		return w.handleGenerator(ctx, msg)
	case message.RoleStorage:
		return w.handleStorage(ctx, msg)
	}
	return message.Violation("%s worker got %s", w.role, msg.Tag)
}

func (w *Worker) bootstrap(msg message.Message) error {
	if want := bootTags[w.stage]; msg.Tag != want {
		return message.Violation("bootstrap: expected %s, got %s", want, msg.Tag)
	}
	switch w.stage {
	case expectRole:
		var p proto.AssignRole
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		if p.Role == message.RoleNone || p.Role == message.RoleManager {
			return message.Violation("bootstrap: cannot serve role %s", p.Role)
		}
		w.role, w.runID = p.Role, p.RunID
	case expectParameters:
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &w.params); err != nil {
			return err
		}
		codec, err := compress.ParseCodec(w.params.Compression)
		if err != nil {
			return message.Violation("parameters: %v", err)
		}
		w.codec = codec
	case expectCore:
		if err := w.setCore(msg); err != nil {
			return err
		}
	case expectInitial:
		var p proto.InitialPayload
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		w.upperBound = p.UpperBound
		w.cutWorkers = p.CutWorkers
		w.priceWorker = p.ColumnWorkers
		if err := w.start(p); err != nil {
			return err
		}
	}
	w.stage++
	if w.stage == running {
		w.logger.Debug("bootstrap complete", "role", w.role)
	}
	return nil
}

func (w *Worker) setCore(msg message.Message) error {
	var p proto.CoreDescription
	if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
		return err
	}
	w.core = &p.Core
	w.coreState = desc.CoreState(p.Core.Bounds)
	return nil
}

func (w *Worker) start(p proto.InitialPayload) error {
	switch w.role {
	case message.RoleRelaxation:
		if w.cfg.NewSolver == nil || w.cfg.Problem == nil {
			return fmt.Errorf("worker: relaxation role needs a problem and a solver")
		}
		w.relax = newRelaxation(w.cfg.NewSolver())
		w.relax.grant(p.IndexFirst, p.IndexCount)
	case message.RoleCutGenerator, message.RoleColumnGenerator:
		if w.cfg.Problem == nil {
			return fmt.Errorf("worker: %s role needs a problem", w.role)
		}
	case message.RoleStorage:
		w.storage = w.newStorage()
	}
	return nil
}

func (w *Worker) send(ctx context.Context, to message.ProcessID, tag message.Tag, p proto.Payload) error {
	return w.ch.Send(ctx, to, tag, proto.Marshal(p))
}

// formulation builds the solver view of an explicit state. lookup resolves
// registry objects.
func (w *Worker) formulation(s desc.State, lookup func(int32) (problem.Object, bool)) (*problem.Formulation, error) {
	if len(s.Core.Entries) != w.core.Size() {
		return nil, message.Violation("state has %d core entries for a core of %d", len(s.Core.Entries), w.core.Size())
	}
	f := &problem.Formulation{
		Core:       w.core,
		CoreBounds: make([]problem.Bound, len(s.Core.Entries)),
		WarmStart:  s.WarmStart,
		Payload:    s.Payload,
	}
	for i, e := range s.Core.Entries {
		f.CoreBounds[i] = e.Bound
	}
	extras := func(cs desc.ChangeSet) ([]problem.Extra, error) {
		out := make([]problem.Extra, len(cs.Entries))
		for i, e := range cs.Entries {
			obj, ok := lookup(e.Index)
			if !ok {
				return nil, message.Violation("object %d not shipped", e.Index)
			}
			out[i] = problem.Extra{Index: e.Index, Object: obj, Bound: e.Bound}
		}
		return out, nil
	}
	var err error
	if f.Columns, err = extras(s.Columns); err != nil {
		return nil, err
	}
	if f.Constraints, err = extras(s.Constraints); err != nil {
		return nil, err
	}
	return f, nil
}
