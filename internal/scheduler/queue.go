package scheduler

import (
	"container/heap"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
)

// taskHeap orders queued entries: high priority first, FIFO within a priority
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	pi, pj := rank(h[i].task.Priority), rank(h[j].task.Priority)
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h taskHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func (h *taskHeap) remove(e *entry) {
	if e.index >= 0 && e.index < h.Len() && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}

func rank(p models.UploadPriority) int {
	if p == models.PriorityHigh {
		return 1
	}
	return 0
}
