package lantern

import "container/heap"

// completion marks the moment a started node finishes.
type completion struct {
	At   float64
	Node NodeID
	Kind NodeKind
}

// kindPriority orders completions at the same instant: finished requests are
// released before tasks so the tasks they unblock see the freed connection.
var kindPriority = map[NodeKind]int{
	NodeNetwork: 1,
	NodeCPU:     2,
}

// completionHeap is a priority queue with deterministic ordering:
// time → kind priority → node id.
type completionHeap struct {
	events []completion
}

func newCompletionHeap() *completionHeap {
	h := &completionHeap{events: make([]completion, 0)}
	heap.Init(h)
	return h
}

// Len implements heap.Interface
func (h *completionHeap) Len() int { return len(h.events) }

// Less implements heap.Interface
func (h *completionHeap) Less(i, j int) bool {
	ei, ej := h.events[i], h.events[j]
	if ei.At != ej.At {
		return ei.At < ej.At
	}
	if pi, pj := kindPriority[ei.Kind], kindPriority[ej.Kind]; pi != pj {
		return pi < pj
	}
	return ei.Node < ej.Node
}

// Swap implements heap.Interface
func (h *completionHeap) Swap(i, j int) { h.events[i], h.events[j] = h.events[j], h.events[i] }

// Push implements heap.Interface
func (h *completionHeap) Push(x any) { h.events = append(h.events, x.(completion)) }

// Pop implements heap.Interface
func (h *completionHeap) Pop() any {
	old := h.events
	n := len(old)
	item := old[n-1]
	h.events = old[:n-1]
	return item
}

// Schedule adds a completion to the heap.
func (h *completionHeap) Schedule(c completion) { heap.Push(h, c) }

// PopNext removes and returns the earliest completion.
func (h *completionHeap) PopNext() (completion, bool) {
	if h.Len() == 0 {
		return completion{}, false
	}
	return heap.Pop(h).(completion), true
}

// Peek returns the earliest completion without removing it.
func (h *completionHeap) Peek() (completion, bool) {
	if h.Len() == 0 {
		return completion{}, false
	}
	return h.events[0], true
}
