package scheduler

// joinHeap orders pending entries by fire time, then event id.
type joinHeap []*ScheduledJoin

func (h joinHeap) Len() int { return len(h) }

func (h joinHeap) Less(i, j int) bool {
	if !h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].FireAt.Before(h[j].FireAt)
	}
	return h[i].EventID < h[j].EventID
}

func (h joinHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *joinHeap) Push(x any) {
	e := x.(*ScheduledJoin)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *joinHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
