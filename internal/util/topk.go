package util

import "container/heap"

// ScoredItem is a single (id, score) pair kept by TopKHeap.
type ScoredItem struct {
	ID    string
	Score float64
}

// TopKHeap keeps the K highest-scoring items seen across a stream of Push
// calls without ever materializing the full candidate list, as required by
// the streaming semantic-search scorer: a size-K min-heap evicts the current
// lowest score whenever a higher-scoring candidate arrives.
type TopKHeap struct {
	k    int
	h    minHeap
}

// NewTopKHeap constructs a heap retaining at most k items. k<=0 means
// unbounded (acts as a plain min-heap collecting everything pushed).
func NewTopKHeap(k int) *TopKHeap {
	return &TopKHeap{k: k}
}

// Push considers a new candidate, evicting the current minimum if the heap
// is already at capacity and the new score is higher.
func (t *TopKHeap) Push(id string, score float64) {
	item := ScoredItem{ID: id, Score: score}
	if t.k <= 0 || len(t.h) < t.k {
		heap.Push(&t.h, item)
		return
	}
	if len(t.h) > 0 && score > t.h[0].Score {
		t.h[0] = item
		heap.Fix(&t.h, 0)
	}
}

// Sorted returns a copy of the retained items ordered by descending score;
// the heap itself is left unchanged.
func (t *TopKHeap) Sorted() []ScoredItem {
	out := make([]ScoredItem, len(t.h))
	copy(out, t.h)
	// simple descending sort; len is bounded by k so this stays cheap
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Score < out[j].Score; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Len reports how many items are currently retained.
func (t *TopKHeap) Len() int { return len(t.h) }

type minHeap []ScoredItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(ScoredItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
