// Package pqueue is a priority queue ordered by priority (highest first),
// then by arrival (oldest first).
//
// It is not safe for concurrent use; each queue belongs to one owning loop.
package pqueue

import "container/heap"

type item[T any] struct {
	value    T
	priority int
	seq      uint64
}

type items[T any] []*item[T]

func (h items[T]) Len() int { return len(h) }
func (h items[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h items[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items[T]) Push(x any)   { *h = append(*h, x.(*item[T])) }
func (h *items[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue holds at most Cap entries when Cap > 0.
type Queue[T any] struct {
	h   items[T]
	seq uint64
	cap int
}

func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{cap: capacity}
}

func (q *Queue[T]) Len() int { return len(q.h) }

// Push adds v. When the queue is full the entry that arrived first is
// evicted and returned with evicted=true.
func (q *Queue[T]) Push(v T, priority int) (dropped T, evicted bool) {
	if q.cap > 0 && len(q.h) >= q.cap {
		dropped, evicted = q.removeOldest()
	}
	q.seq++
	heap.Push(&q.h, &item[T]{value: v, priority: priority, seq: q.seq})
	return dropped, evicted
}

// Pop removes the highest-priority entry.
func (q *Queue[T]) Pop() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	it := heap.Pop(&q.h).(*item[T])
	return it.value, true
}

// Peek returns the entry Pop would return without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	return q.h[0].value, true
}

// RemoveFunc removes every entry matching fn and returns how many.
func (q *Queue[T]) RemoveFunc(fn func(T) bool) int {
	kept := q.h[:0]
	n := 0
	for _, it := range q.h {
		if fn(it.value) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	heap.Init(&q.h)
	return n
}

// Each visits entries in no particular order.
func (q *Queue[T]) Each(fn func(T)) {
	for _, it := range q.h {
		fn(it.value)
	}
}

// Clear empties the queue and returns the removed entries in pop order.
func (q *Queue[T]) Clear() []T {
	out := make([]T, 0, len(q.h))
	for len(q.h) > 0 {
		v, _ := q.Pop()
		out = append(out, v)
	}
	return out
}

func (q *Queue[T]) removeOldest() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	idx := 0
	for i, it := range q.h {
		if it.seq < q.h[idx].seq {
			idx = i
		}
	}
	it := heap.Remove(&q.h, idx).(*item[T])
	return it.value, true
}
