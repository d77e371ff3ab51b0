package controller

import (
	"container/heap"
	"time"
)

// deadlineEvent is one outstanding Fork request's reply deadline
// (forkAckTimeout after the request is queued). Writes are not tracked
// here. index is required for heap.Fix + O(log n) removals.
type deadlineEvent struct {
	id    uint64
	when  time.Time
	index int
}

// timeoutScheduler tracks the expiry of every in-flight request keyed by
// request id, so the Client's poll loop can compute a single next-deadline
// for its Poll call instead of spawning a timer goroutine per request.
type timeoutScheduler struct {
	h       deadlineHeap
	entries map[uint64]*deadlineEvent
}

func newTimeoutScheduler() *timeoutScheduler {
	h := deadlineHeap{}
	heap.Init(&h)
	return &timeoutScheduler{
		h:       h,
		entries: make(map[uint64]*deadlineEvent),
	}
}

// push schedules (or reschedules) id's deadline.
func (s *timeoutScheduler) push(id uint64, when time.Time) {
	if old, ok := s.entries[id]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, id)
	}

	ev := &deadlineEvent{id: id, when: when}
	s.entries[id] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest pending deadline without removing it.
func (s *timeoutScheduler) next() (id uint64, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return 0, time.Time{}, false
	}
	ev := s.h[0]
	return ev.id, ev.when, true
}

// pop removes the head deadline unconditionally.
func (s *timeoutScheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*deadlineEvent)
	delete(s.entries, ev.id)
}

// remove cancels id's pending deadline (the request completed before it
// expired).
func (s *timeoutScheduler) remove(id uint64) {
	ev, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
}

// expired pops and returns every deadline that has passed as of now.
func (s *timeoutScheduler) expired(now time.Time) []uint64 {
	var ids []uint64
	for len(s.h) > 0 && !s.h[0].when.After(now) {
		ev := heap.Pop(&s.h).(*deadlineEvent)
		delete(s.entries, ev.id)
		ids = append(ids, ev.id)
	}
	return ids
}

// --- heap internals ----------------------------------------------------------

// deadlineHeap is a min-heap ordered by deadlineEvent.when.
type deadlineHeap []*deadlineEvent

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	ev := x.(*deadlineEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
