// Package registry implements the global object registry: columns and
// constraints generated during the run, outside the fixed core. Indices are
// granted in blocks by the manager and never reused. Each index maps either
// to the object bytes held locally or to the storage worker holding them.
package registry

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
)

var (
	// ErrNotGranted is returned when an object is defined at an index no
	// grant covered.
	ErrNotGranted = errors.New("registry: index not granted")
	// ErrRedefined is returned when an index is defined twice.
	ErrRedefined = errors.New("registry: index already defined")
)

type entry struct {
	obj     problem.Object
	defined bool
	storage message.ProcessID // 0 when local
	refs    int               // local descriptions referencing the index
}

// Registry is owned by the manager loop; it is not safe for concurrent use.
type Registry struct {
	entries    []entry
	localBytes int64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Len returns the number of granted indices.
func (r *Registry) Len() int { return len(r.entries) }

// LocalBytes returns the payload bytes of locally held objects.
func (r *Registry) LocalBytes() int64 { return r.localBytes }

// Grant reserves n consecutive indices and returns the first.
func (r *Registry) Grant(n int) int32 {
	first := int32(len(r.entries))
	r.entries = append(r.entries, make([]entry, n)...)
	return first
}

// Define stores the object for a granted index.
func (r *Registry) Define(index int32, obj problem.Object) error {
	e, err := r.at(index)
	if err != nil {
		return err
	}
	if e.defined {
		return fmt.Errorf("%w: %d", ErrRedefined, index)
	}
	e.obj = obj
	e.defined = true
	r.localBytes += int64(len(obj.Data))
	return nil
}

func (r *Registry) at(index int32) (*entry, error) {
	if index < 0 || int(index) >= len(r.entries) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotGranted, index, len(r.entries))
	}
	return &r.entries[index], nil
}

// Get returns the locally held object at index.
func (r *Registry) Get(index int32) (problem.Object, bool) {
	e, err := r.at(index)
	if err != nil || !e.defined || e.storage != 0 {
		return problem.Object{}, false
	}
	return e.obj, true
}

// Location returns the storage worker holding index, 0 when local or unknown.
func (r *Registry) Location(index int32) message.ProcessID {
	e, err := r.at(index)
	if err != nil {
		return 0
	}
	return e.storage
}

// Retain adds a local reference for each index.
func (r *Registry) Retain(indices []int32) {
	for _, idx := range indices {
		if e, err := r.at(idx); err == nil {
			e.refs++
		}
	}
}

// Release drops a local reference for each index.
func (r *Registry) Release(indices []int32) {
	for _, idx := range indices {
		if e, err := r.at(idx); err == nil && e.refs > 0 {
			e.refs--
		}
	}
}

// Refs returns the number of local references to index.
func (r *Registry) Refs(index int32) int {
	e, err := r.at(index)
	if err != nil {
		return 0
	}
	return e.refs
}

// Offloadable returns the locally held objects among indices that no local
// description references anymore.
func (r *Registry) Offloadable(indices []int32) []int32 {
	var out []int32
	for _, idx := range indices {
		e, err := r.at(idx)
		if err != nil || !e.defined || e.storage != 0 || e.refs > 0 {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// SetRemote drops the local copy of index, recording its storage worker.
func (r *Registry) SetRemote(index int32, storage message.ProcessID) error {
	e, err := r.at(index)
	if err != nil {
		return err
	}
	if e.storage == 0 && e.defined {
		r.localBytes -= int64(len(e.obj.Data))
	}
	e.obj.Data = nil
	e.storage = storage
	return nil
}

// SetLocal installs an object fetched back from storage.
func (r *Registry) SetLocal(index int32, obj problem.Object) error {
	e, err := r.at(index)
	if err != nil {
		return err
	}
	if e.storage == 0 && e.defined {
		return nil
	}
	e.obj = obj
	e.defined = true
	e.storage = 0
	r.localBytes += int64(len(obj.Data))
	return nil
}

// Remote groups the remote indices among indices by storage worker.
func (r *Registry) Remote(indices []int32) map[message.ProcessID][]int32 {
	out := map[message.ProcessID][]int32{}
	for _, idx := range indices {
		if s := r.Location(idx); s != 0 {
			out[s] = append(out[s], idx)
		}
	}
	return out
}
