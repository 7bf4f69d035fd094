// Package queue implements the candidate queue of the search tree: an indexed
// binary heap over node ids with a pluggable ordering.
package queue

import "fmt"

// Strategy selects the order in which candidates are popped.
type Strategy uint8

const (
	// BestFirst pops the lowest quality first, ties broken by insertion order.
	BestFirst Strategy = iota
	// BreadthFirst pops in insertion order.
	BreadthFirst
	// DepthFirst pops in reverse insertion order.
	DepthFirst
)

func (s Strategy) String() string {
	switch s {
	case BestFirst:
		return "best"
	case BreadthFirst:
		return "breadth"
	case DepthFirst:
		return "depth"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// ParseStrategy maps "best", "breadth" and "depth" to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "best", "":
		return BestFirst, nil
	case "breadth":
		return BreadthFirst, nil
	case "depth":
		return DepthFirst, nil
	}
	return 0, fmt.Errorf("queue: unknown search strategy %q", s)
}

// Item is one queued candidate.
type Item struct {
	ID      uint32
	Quality float64
	Seq     uint64 // insertion sequence, assigned by Push
}

// Candidates holds node ids ordered by Strategy. Every id appears at most once.
// Not safe for concurrent use.
type Candidates struct {
	strategy Strategy
	items    []Item
	index    map[uint32]int // id -> heap position
	seq      uint64
}

// New returns an empty queue.
func New(strategy Strategy, capacity int) *Candidates {
	return &Candidates{
		strategy: strategy,
		items:    make([]Item, 0, capacity),
		index:    make(map[uint32]int, capacity),
	}
}

// Strategy returns the queue ordering.
func (q *Candidates) Strategy() Strategy { return q.strategy }

// Len returns the number of queued ids.
func (q *Candidates) Len() int { return len(q.items) }

// Contains reports whether id is queued.
func (q *Candidates) Contains(id uint32) bool {
	_, ok := q.index[id]
	return ok
}

// Push inserts id. Pushing an id already queued updates its quality and
// keeps its original sequence number.
func (q *Candidates) Push(id uint32, quality float64) {
	if i, ok := q.index[id]; ok {
		q.items[i].Quality = quality
		q.fix(i)
		return
	}
	q.seq++
	q.items = append(q.items, Item{ID: id, Quality: quality, Seq: q.seq})
	i := len(q.items) - 1
	q.index[id] = i
	q.siftUp(i)
}

// Peek returns the top item without removing it.
func (q *Candidates) Peek() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the top item.
func (q *Candidates) Pop() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	top := q.items[0]
	q.removeAt(0)
	return top, true
}

// Remove drops id from the queue. It reports whether id was queued.
func (q *Candidates) Remove(id uint32) bool {
	i, ok := q.index[id]
	if !ok {
		return false
	}
	q.removeAt(i)
	return true
}

// BestQuality returns the lowest quality among queued items. For BestFirst
// this is the top; otherwise the backing slice is scanned.
func (q *Candidates) BestQuality() (float64, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	if q.strategy == BestFirst {
		return q.items[0].Quality, true
	}
	best := q.items[0].Quality
	for _, it := range q.items[1:] {
		if it.Quality < best {
			best = it.Quality
		}
	}
	return best, true
}

// Items returns a copy of the queued items in heap order.
func (q *Candidates) Items() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Candidates) removeAt(i int) {
	n := len(q.items) - 1
	delete(q.index, q.items[i].ID)
	if i != n {
		q.items[i] = q.items[n]
		q.index[q.items[i].ID] = i
	}
	q.items[n] = Item{}
	q.items = q.items[:n]
	if i < n {
		q.fix(i)
	}
}

func (q *Candidates) fix(i int) {
	if !q.siftDown(i) {
		q.siftUp(i)
	}
}

func (q *Candidates) less(i, j int) bool {
	a, b := &q.items[i], &q.items[j]
	switch q.strategy {
	case BreadthFirst:
		return a.Seq < b.Seq
	case DepthFirst:
		return a.Seq > b.Seq
	default:
		if a.Quality != b.Quality {
			return a.Quality < b.Quality
		}
		return a.Seq < b.Seq
	}
}

func (q *Candidates) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].ID] = i
	q.index[q.items[j].ID] = j
}

func (q *Candidates) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.swap(i, p)
		i = p
	}
}

// siftDown reports whether the item moved.
func (q *Candidates) siftDown(i int) bool {
	start := i
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			break
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			break
		}
		q.swap(i, best)
		i = best
	}
	return i > start
}
