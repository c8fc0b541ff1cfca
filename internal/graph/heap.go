package graph

import "container/heap"

// Ranked pairs a key with its GDFO.
type Ranked[K comparable] struct {
	Key  K
	GDFO int64
}

// rankHeap is a max-heap on GDFO.
type rankHeap[K comparable] []Ranked[K]

func (h rankHeap[K]) Len() int           { return len(h) }
func (h rankHeap[K]) Less(i, j int) bool { return h[i].GDFO > h[j].GDFO }
func (h rankHeap[K]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *rankHeap[K]) Push(x any) {
	*h = append(*h, x.(Ranked[K]))
}

func (h *rankHeap[K]) Pop() any {
	old := *h
	ret := old[len(old)-1]
	*h = old[:len(old)-1]
	return ret
}

// HeightHeap hands out keys highest GDFO first. Since ancestors always rank
// lower, everything popped after a key cannot be one of its descendants.
type HeightHeap[K comparable] struct {
	h rankHeap[K]
}

func (q *HeightHeap[K]) Push(key K, gdfo int64) {
	heap.Push(&q.h, Ranked[K]{Key: key, GDFO: gdfo})
}

func (q *HeightHeap[K]) Pop() Ranked[K] {
	return heap.Pop(&q.h).(Ranked[K])
}

func (q *HeightHeap[K]) Len() int { return q.h.Len() }

func (q *HeightHeap[K]) Empty() bool { return q.h.Len() == 0 }

// MaxHeight is the GDFO of the next key Pop returns.
func (q *HeightHeap[K]) MaxHeight() int64 {
	return q.h[0].GDFO
}

// PopAllOfHeight removes every key at the current maximum height.
func (q *HeightHeap[K]) PopAllOfHeight() []Ranked[K] {
	if q.Empty() {
		return nil
	}
	height := q.MaxHeight()
	var out []Ranked[K]
	for !q.Empty() && q.MaxHeight() == height {
		out = append(out, q.Pop())
	}
	return out
}
