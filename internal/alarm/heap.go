package alarm

import (
	"container/heap"
	"time"

	"calmute/internal/model"
)

// entry is one pending trigger.
type entry struct {
	handle  model.Handle
	at      time.Time
	seq     uint64
	trigger model.Trigger
}

// entryHeap implements container/heap.Interface, earliest fire time first.
// seq breaks ties so triggers due at the same instant fire in the order
// they were scheduled.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func heapPush(h *entryHeap, e entry) {
	heap.Push(h, e)
}

// heapPop removes and returns the earliest entry. Panics if h is empty.
func heapPop(h *entryHeap) entry {
	return heap.Pop(h).(entry)
}

// heapRemove removes the entry with the given handle and reports whether
// it was present.
func heapRemove(h *entryHeap, handle model.Handle) bool {
	for i, e := range *h {
		if e.handle == handle {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
