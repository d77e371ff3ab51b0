// Package childtable holds the Supervisor's bookkeeping for live children.
//
// The original prewarm.py tracks three parallel dicts (child_id_map,
// child_ready_fds, child_death_fds) plus a free-running itertools.count().
// Per the redesign guidance this collapses into one map of
// child_id -> *Record with explicit fields — there is exactly one record per
// live child, found in O(1) by id.
package childtable

import "sync"

// Record is everything the Supervisor knows about one live child.
type Record struct {
	ID           uint64
	Pid          int
	ReadyWriteFD int // -1 once released or closed
	DeathReadFD  int
}

// Table is the Supervisor's child bookkeeping. Safe for concurrent use,
// though in practice the Supervisor's poll loop is single-threaded and the
// locking here exists only so tests can inspect state from another
// goroutine without racing the loop.
type Table struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*Record
	byDeath map[int]uint64 // death_read_fd -> child_id, for poll-loop dispatch
}

// New returns an empty child table. IDs start at 0 and are strictly
// monotonic for the lifetime of the Table (never reused, even across
// deaths), satisfying the "Monotonic IDs" testable property.
func New() *Table {
	return &Table{
		records: make(map[uint64]*Record),
		byDeath: make(map[int]uint64),
	}
}

// Create allocates a new child_id and inserts its record. Called once a fork
// has succeeded and the parent holds (pid, deathReadFD, readyWriteFD).
func (t *Table) Create(pid int, readyWriteFD, deathReadFD int) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++

	rec := &Record{ID: id, Pid: pid, ReadyWriteFD: readyWriteFD, DeathReadFD: deathReadFD}
	t.records[id] = rec
	t.byDeath[deathReadFD] = id
	return rec
}

// Release marks a child's readiness gate as released. Returns false if the
// child is unknown or was already released (idempotent at-most-once
// semantics — the second call for the same id is a silent no-op).
func (t *Table) Release(id uint64) (readyWriteFD int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[id]
	if !exists || rec.ReadyWriteFD < 0 {
		return -1, false
	}
	fd := rec.ReadyWriteFD
	rec.ReadyWriteFD = -1
	return fd, true
}

// Remove deletes the record for a death-detector fd (the fd that just
// signalled POLLHUP), returning it for final cleanup. Returns false if the
// fd isn't registered (already reaped, or a stray event).
func (t *Table) Remove(deathReadFD int) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byDeath[deathReadFD]
	if !ok {
		return nil, false
	}
	rec := t.records[id]
	delete(t.byDeath, deathReadFD)
	delete(t.records, id)
	return rec, true
}

// DeathFDs returns every currently-registered death-detector fd, for adding
// to the poll set.
func (t *Table) DeathFDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := make([]int, 0, len(t.byDeath))
	for fd := range t.byDeath {
		fds = append(fds, fd)
	}
	return fds
}

// Len reports the number of live children.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns a copy of all live records, for diagnostics and tests.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}
