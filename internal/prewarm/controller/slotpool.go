package controller

import "sync"

// forkSlotPool bounds how many Fork calls a Client will have in flight at
// once (shm region written, fork: frame sent, awaiting CHILD:/ERR:), so a
// burst of concurrent callers can't pipeline more outstanding requests at
// the Supervisor than its single-threaded poll loop can reasonably hold.
// Each acquisition requires a unique request id for accountable tracking.
type forkSlotPool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	maxCap     int64
	usage      int64
	acquiredBy map[uint64]struct{}
}

// newForkSlotPool initializes the pool with a given concurrent-fork limit.
func newForkSlotPool(max int64) *forkSlotPool {
	s := &forkSlotPool{
		maxCap:     max,
		acquiredBy: make(map[uint64]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until usage < maxCap and registers id as the owner.
// Duplicate acquisition by the same id is a protocol violation.
func (s *forkSlotPool) acquire(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[id]; holds {
		panic("forkSlotPool: id already holds a slot")
	}

	for s.usage >= s.maxCap {
		s.cond.Wait()
	}

	s.usage++
	s.acquiredBy[id] = struct{}{}
}

// release frees the slot owned by id. Releasing an id that does not own a
// slot is an invariant violation.
func (s *forkSlotPool) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[id]; !holds {
		panic("forkSlotPool: release for non-owner id")
	}

	delete(s.acquiredBy, id)
	s.usage--
	s.cond.Signal()
}

// updateLimit adjusts the configured concurrency limit. Negative values are
// clamped to zero.
func (s *forkSlotPool) updateLimit(newCap int64) {
	if newCap < 0 {
		newCap = 0
	}

	s.mu.Lock()
	s.maxCap = newCap
	s.cond.Broadcast()
	s.mu.Unlock()
}

// capacity returns the configured concurrency limit.
func (s *forkSlotPool) capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCap
}

// current returns the number of Fork calls currently in flight.
func (s *forkSlotPool) current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
