// Package sched provides the priority micro-batching scheduler that
// serializes all inference work onto a single worker.
//
// Producers (streaming sessions) submit individual waveforms with a
// priority; a single aggregator goroutine drains the bounded priority queue,
// groups items of homogeneous priority into batches within a short
// aggregation window, and runs each batch through the [Worker]. Every
// submission gets a one-shot [Pending] handle that resolves exactly once
// with the transcript or an error.
package sched

import "time"

// Priority levels. Lower values dequeue first.
const (
	// PriorityFinal marks authoritative segment transcriptions. A queued
	// final is always dispatched before any new partial batch is formed.
	PriorityFinal = 0

	// PriorityPartial marks interim rolling-context ticks.
	PriorityPartial = 1
)

// item is one queued inference request.
type item struct {
	priority   int
	seq        uint64 // tie-break within (priority, enqueued)
	enqueued   time.Time
	waveform   []float32
	sampleRate int
	pending    *Pending
}

// itemHeap implements container/heap.Interface as a min-heap keyed by
// (priority, enqueued, seq). Items returned to the queue during preemption
// keep their original key, so requeueing never reorders a priority class.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
// Lower priority value wins; within a priority, FIFO by enqueue time with
// the sequence number breaking exact-timestamp ties.
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].enqueued.Equal(h[j].enqueued) {
		return h[i].enqueued.Before(h[j].enqueued)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
