package desc

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/bnc/problem"
)

var (
	// ErrBadDelta is returned when a delta references positions its base does not have.
	ErrBadDelta = errors.New("desc: delta does not match base")

	// ErrIncomplete is returned when an ancestor chain ends before an explicit state.
	ErrIncomplete = errors.New("desc: ancestor chain incomplete")
)

// Mode is the storage mode of a change-set.
type Mode uint8

const (
	NoData Mode = iota
	Explicit
	WrtParent
	WrtCore
)

func (m Mode) String() string {
	switch m {
	case NoData:
		return "NoData"
	case Explicit:
		return "Explicit"
	case WrtParent:
		return "WrtParent"
	case WrtCore:
		return "WrtCore"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

const (
	// tripleSize is the encoded size of a problem.Bound.
	tripleSize = 8 + 8 + 1
	// entrySize is the encoded size of an Entry.
	entrySize = 4 + tripleSize
)

// Entry is one object of an explicit list. For core change-sets Index is the
// core position, otherwise the global registry index.
type Entry struct {
	Index int32
	Bound problem.Bound
}

// ChangeSet is one component of a node description.
//
// Explicit uses Entries. WrtParent and WrtCore use Deleted, Changed/Bounds and
// Added; all positions refer to the base list. NoData carries nothing.
type ChangeSet struct {
	Mode    Mode
	Entries []Entry
	Deleted []int32
	Changed []int32
	Bounds  []problem.Bound
	Added   []Entry
}

// NewExplicit returns an explicit change-set over entries.
func NewExplicit(entries []Entry) ChangeSet {
	return ChangeSet{Mode: Explicit, Entries: entries}
}

// Len returns the number of entries of an explicit change-set.
func (cs ChangeSet) Len() int { return len(cs.Entries) }

// Clone returns a deep copy.
func (cs ChangeSet) Clone() ChangeSet {
	return ChangeSet{
		Mode:    cs.Mode,
		Entries: slices.Clone(cs.Entries),
		Deleted: slices.Clone(cs.Deleted),
		Changed: slices.Clone(cs.Changed),
		Bounds:  slices.Clone(cs.Bounds),
		Added:   slices.Clone(cs.Added),
	}
}

// Equal reports whether two change-sets are identical in mode and content.
// Nil and empty slices compare equal.
func (cs ChangeSet) Equal(o ChangeSet) bool {
	return cs.Mode == o.Mode &&
		slices.Equal(cs.Entries, o.Entries) &&
		slices.Equal(cs.Deleted, o.Deleted) &&
		slices.Equal(cs.Changed, o.Changed) &&
		slices.Equal(cs.Bounds, o.Bounds) &&
		slices.Equal(cs.Added, o.Added)
}

// EncodedSize returns the number of bytes Encode produces for cs.
func (cs ChangeSet) EncodedSize() int {
	switch cs.Mode {
	case NoData:
		return 1
	case Explicit:
		return 1 + 4 + entrySize*len(cs.Entries)
	default:
		return 1 + 4 + 4*len(cs.Deleted) + 4 + entrySize*len(cs.Changed) + 4 + entrySize*len(cs.Added)
	}
}

// Indices returns the object indices an explicit change-set or a delta's
// additions reference.
func (cs ChangeSet) Indices() []int32 {
	var src []Entry
	switch cs.Mode {
	case Explicit:
		src = cs.Entries
	case WrtParent, WrtCore:
		src = cs.Added
	}
	if len(src) == 0 {
		return nil
	}
	out := make([]int32, len(src))
	for i, e := range src {
		out[i] = e.Index
	}
	return out
}

// Update applies delta to the explicit base and returns the resulting explicit
// change-set. For WrtCore deltas, base must be the core state.
//
// Bound rewrites are applied first, then deleted positions are removed, then
// added entries are appended. All positions refer to base.
func Update(base, delta ChangeSet) (ChangeSet, error) {
	if delta.Mode == Explicit {
		return NewExplicit(slices.Clone(delta.Entries)), nil
	}
	if base.Mode != Explicit {
		return ChangeSet{}, fmt.Errorf("%w: base mode %s", ErrBadDelta, base.Mode)
	}
	switch delta.Mode {
	case NoData:
		return NewExplicit(slices.Clone(base.Entries)), nil
	case WrtParent, WrtCore:
	default:
		return ChangeSet{}, fmt.Errorf("%w: unknown mode %d", ErrBadDelta, delta.Mode)
	}

	if len(delta.Changed) != len(delta.Bounds) {
		return ChangeSet{}, fmt.Errorf("%w: %d positions, %d bounds", ErrBadDelta, len(delta.Changed), len(delta.Bounds))
	}

	n := len(base.Entries)
	entries := slices.Clone(base.Entries)
	for i, pos := range delta.Changed {
		if pos < 0 || int(pos) >= n {
			return ChangeSet{}, fmt.Errorf("%w: changed position %d of %d", ErrBadDelta, pos, n)
		}
		entries[pos].Bound = delta.Bounds[i]
	}

	if len(delta.Deleted) > 0 {
		drop := make([]bool, n)
		for _, pos := range delta.Deleted {
			if pos < 0 || int(pos) >= n {
				return ChangeSet{}, fmt.Errorf("%w: deleted position %d of %d", ErrBadDelta, pos, n)
			}
			drop[pos] = true
		}
		kept := entries[:0]
		for i, e := range entries {
			if !drop[i] {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	entries = append(entries, delta.Added...)
	return NewExplicit(entries), nil
}

// Diff expresses child as a WrtParent delta against parent. When nothing
// changed the result is NoData. When child does not list parent survivors
// first and new entries after them, Diff returns child unchanged (Explicit).
func Diff(parent, child ChangeSet) ChangeSet {
	d, ok := diff(parent, child, WrtParent)
	if !ok {
		return NewExplicit(slices.Clone(child.Entries))
	}
	if len(d.Deleted) == 0 && len(d.Changed) == 0 && len(d.Added) == 0 {
		return ChangeSet{Mode: NoData}
	}
	return d
}

// DiffCore expresses child as a WrtCore delta against the core state. Only
// bound rewrites are representable; otherwise child is returned unchanged.
func DiffCore(core, child ChangeSet) ChangeSet {
	d, ok := diff(core, child, WrtCore)
	if !ok || len(d.Deleted) > 0 || len(d.Added) > 0 {
		return NewExplicit(slices.Clone(child.Entries))
	}
	return d
}

func diff(base, child ChangeSet, mode Mode) (ChangeSet, bool) {
	d := ChangeSet{Mode: mode}
	j := 0
	for p, e := range base.Entries {
		if j < len(child.Entries) && child.Entries[j].Index == e.Index {
			if child.Entries[j].Bound != e.Bound {
				d.Changed = append(d.Changed, int32(p))
				d.Bounds = append(d.Bounds, child.Entries[j].Bound)
			}
			j++
			continue
		}
		d.Deleted = append(d.Deleted, int32(p))
	}
	if j < len(child.Entries) {
		present := make(map[int32]struct{}, len(base.Entries))
		for _, e := range base.Entries {
			present[e.Index] = struct{}{}
		}
		for _, e := range child.Entries[j:] {
			if _, dup := present[e.Index]; dup {
				return ChangeSet{}, false
			}
		}
		d.Added = slices.Clone(child.Entries[j:])
	}
	return d, true
}

// Choose returns the cheapest encoding of the explicit child state. parent may
// be nil for the root. WrtCore is chosen over WrtParent only when strictly
// smaller, and Explicit only when strictly smaller than both deltas.
func Choose(parent *ChangeSet, core, child ChangeSet) ChangeSet {
	best := NewExplicit(slices.Clone(child.Entries))
	if c := DiffCore(core, child); c.Mode == WrtCore && c.EncodedSize() <= best.EncodedSize() {
		best = c
	}
	if parent != nil {
		if p := Diff(*parent, child); p.EncodedSize() <= best.EncodedSize() {
			best = p
		}
	}
	return best
}

// MakeWrtCoreIfShorter replaces an explicit change-set by its WrtCore delta
// when that serializes to fewer bytes. Any other mode is returned unchanged.
func MakeWrtCoreIfShorter(cs, core ChangeSet) ChangeSet {
	if cs.Mode != Explicit {
		return cs
	}
	d := DiffCore(core, cs)
	if d.Mode == WrtCore && d.EncodedSize() < cs.EncodedSize() {
		return d
	}
	return cs
}
