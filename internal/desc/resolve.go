package desc

import (
	"bytes"
	"fmt"
)

type component uint8

const (
	compCore component = iota
	compColumns
	compConstraints
	compWarmStart
	compPayload
	numComponents
)

func (d *Description) changeSet(c component) ChangeSet {
	switch c {
	case compCore:
		return d.Core
	case compColumns:
		return d.Columns
	default:
		return d.Constraints
	}
}

func (d *Description) blob(c component) Blob {
	if c == compWarmStart {
		return d.WarmStart
	}
	return d.Payload
}

// anchors reports whether d's component c can be decoded without its parent.
func (d *Description) anchors(c component) bool {
	switch c {
	case compCore, compColumns, compConstraints:
		m := d.changeSet(c).Mode
		return m == Explicit || m == WrtCore
	default:
		return d.blob(c).Mode == Explicit
	}
}

// Missing walks chain (chain[0] is the node, chain[i+1] the parent of chain[i])
// and returns the chain positions whose description is not available (nil)
// but may be needed to resolve chain[0]. Every unavailable entry below the
// nearest local anchors is reported since its modes are unknown.
func Missing(chain []*Description) ([]int, error) {
	var missing []int
	var resolved [numComponents]bool
	left := int(numComponents)
	for i, d := range chain {
		if d == nil {
			missing = append(missing, i)
			continue
		}
		for c := component(0); c < numComponents; c++ {
			if !resolved[c] && d.anchors(c) {
				resolved[c] = true
				left--
			}
		}
		if left == 0 {
			return missing, nil
		}
	}
	return missing, fmt.Errorf("%w: no explicit ancestor in %d levels", ErrIncomplete, len(chain))
}

// Resolve rebuilds the explicit state of chain[0]. For every component it
// finds the nearest anchoring ancestor and replays the deltas below it, using
// an explicit loop rather than recursion. Unavailable (nil) entries between
// the node and an anchor yield ErrIncomplete.
func Resolve(chain []*Description, core ChangeSet) (State, error) {
	if len(chain) == 0 {
		return State{}, fmt.Errorf("%w: empty chain", ErrIncomplete)
	}
	var s State
	empty := NewExplicit(nil)
	for c := compCore; c <= compConstraints; c++ {
		base := empty
		if c == compCore {
			base = core
		}
		cs, err := resolveChangeSet(chain, c, base)
		if err != nil {
			return State{}, err
		}
		switch c {
		case compCore:
			s.Core = cs
		case compColumns:
			s.Columns = cs
		default:
			s.Constraints = cs
		}
	}
	var err error
	if s.WarmStart, err = resolveBlob(chain, compWarmStart); err != nil {
		return State{}, err
	}
	if s.Payload, err = resolveBlob(chain, compPayload); err != nil {
		return State{}, err
	}
	return s, nil
}

func anchorOf(chain []*Description, c component) (int, error) {
	for i, d := range chain {
		if d == nil {
			return 0, fmt.Errorf("%w: level %d unavailable", ErrIncomplete, i)
		}
		if d.anchors(c) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no anchor in %d levels", ErrIncomplete, len(chain))
}

func resolveChangeSet(chain []*Description, c component, base ChangeSet) (ChangeSet, error) {
	k, err := anchorOf(chain, c)
	if err != nil {
		return ChangeSet{}, err
	}
	cs, err := Update(base, chain[k].changeSet(c))
	if err != nil {
		return ChangeSet{}, fmt.Errorf("level %d: %w", k, err)
	}
	for i := k - 1; i >= 0; i-- {
		if cs, err = Update(cs, chain[i].changeSet(c)); err != nil {
			return ChangeSet{}, fmt.Errorf("level %d: %w", i, err)
		}
	}
	return cs, nil
}

func resolveBlob(chain []*Description, c component) ([]byte, error) {
	k, err := anchorOf(chain, c)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(chain[k].blob(c).Data), nil
}

// ResolvePair rebuilds both the parent state and the node state of chain[0].
// For the root, parent is nil.
func ResolvePair(chain []*Description, core ChangeSet) (node State, parent *State, err error) {
	if len(chain) == 0 {
		return State{}, nil, fmt.Errorf("%w: empty chain", ErrIncomplete)
	}
	if chain[0] == nil {
		return State{}, nil, fmt.Errorf("%w: node description unavailable", ErrIncomplete)
	}
	base := EmptyState()
	if len(chain) > 1 {
		ps, err := Resolve(chain[1:], core)
		if err != nil {
			return State{}, nil, err
		}
		parent = &ps
		base = ps
	}
	node, err = Step(base, chain[0], core)
	if err != nil {
		return State{}, nil, err
	}
	return node, parent, nil
}
