package queue

// jobHeap orders queued jobs by (priority_rank DESC, enqueued_at ASC), the
// exact claim ordering from spec.md §4.3. Only Jobs in StateQueued belong
// in the heap; Claim/Ack/Release/Cancel mutate a Job's State in place and
// rely on lazy deletion — a popped Job whose State has since changed is
// simply dropped instead of re-pushed.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	ri, rj := h[i].Priority.rank(), h[j].Priority.rank()
	if ri != rj {
		return ri > rj
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
