package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"time"
)

var errCorrupt = errors.New("scheduler: queue invariant violated")

// entryHeap orders entries by (DueAt, seq).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// queue is a min-heap with an id index. A duplicate id replaces the pending
// entry. It is not safe for concurrent use.
type queue struct {
	h     entryHeap
	index map[string]*Entry
}

func newQueue() *queue {
	return &queue{index: map[string]*Entry{}}
}

func (q *queue) Len() int { return len(q.h) }

// Insert adds e, replacing any pending entry with the same id.
func (q *queue) Insert(e *Entry) (replaced bool) {
	if old, ok := q.index[e.ID]; ok {
		q.removeEntry(old)
		replaced = true
	}
	heap.Push(&q.h, e)
	q.index[e.ID] = e
	return replaced
}

func (q *queue) Peek() *Entry {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *queue) Pop() (*Entry, error) {
	if len(q.h) == 0 {
		return nil, nil
	}
	e := heap.Pop(&q.h).(*Entry)
	if q.index[e.ID] != e {
		return e, fmt.Errorf("%w: popped entry %q is not indexed", errCorrupt, e.ID)
	}
	delete(q.index, e.ID)
	return e, nil
}

// PopDue pops the head if it is due at now.
func (q *queue) PopDue(now time.Time) (*Entry, error) {
	head := q.Peek()
	if head == nil || head.DueAt.After(now) {
		return nil, nil
	}
	return q.Pop()
}

func (q *queue) Remove(id string) bool {
	e, ok := q.index[id]
	if !ok {
		return false
	}
	q.removeEntry(e)
	return true
}

func (q *queue) Get(id string) (*Entry, bool) {
	e, ok := q.index[id]
	return e, ok
}

func (q *queue) removeEntry(e *Entry) {
	if e.index >= 0 && e.index < len(q.h) && q.h[e.index] == e {
		heap.Remove(&q.h, e.index)
	}
	delete(q.index, e.ID)
}

// Upcoming returns up to n entries in dispatch order without popping them.
func (q *queue) Upcoming(n int) []*Entry {
	// sort.Slice swaps through reflection, so heap positions stay intact.
	cp := append(entryHeap(nil), q.h...)
	sort.Slice(cp, cp.Less)
	if n > 0 && len(cp) > n {
		cp = cp[:n]
	}
	return cp
}
