//go:build linux

// Package pollset wraps golang.org/x/sys/unix.Poll into a small mutable set
// of watched file descriptors, shared by both the Supervisor's and the
// Controller's single-threaded event loops (spec: "Both Supervisor and
// Controller use single-threaded cooperative scheduling over a poll set").
// Grounded on the unix.PollFd/unix.Poll idiom used throughout the retrieved
// corpus (container runtimes and PTY relays polling pipe/pty fds).
package pollset

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	In   = unix.POLLIN
	Out  = unix.POLLOUT
	Err  = unix.POLLERR
	Hup  = unix.POLLHUP
	Nval = unix.POLLNVAL
)

// Event is one ready fd returned from a Poll call.
type Event struct {
	Fd      int
	Revents int16
}

// Set is an ordered collection of (fd, events) pairs. It is NOT
// concurrency-safe; callers are expected to be single-threaded poll loops,
// matching the non-blocking, single-goroutine design of both the Supervisor
// and the Controller client.
type Set struct {
	fds   []unix.PollFd
	index map[int]int // fd -> position in fds
}

// New returns an empty poll set.
func New() *Set {
	return &Set{index: make(map[int]int)}
}

// Add registers fd for the given event mask. Re-adding an already-registered
// fd updates its event mask in place.
func (s *Set) Add(fd int, events int16) {
	if i, ok := s.index[fd]; ok {
		s.fds[i].Events = events
		return
	}
	s.index[fd] = len(s.fds)
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: events})
}

// Remove deregisters fd. A no-op if fd isn't registered.
func (s *Set) Remove(fd int) {
	i, ok := s.index[fd]
	if !ok {
		return
	}
	last := len(s.fds) - 1
	s.fds[i] = s.fds[last]
	s.fds = s.fds[:last]
	delete(s.index, fd)
	if i != last {
		s.index[int(s.fds[i].Fd)] = i
	}
}

// Has reports whether fd is currently registered.
func (s *Set) Has(fd int) bool {
	_, ok := s.index[fd]
	return ok
}

// Len reports the number of registered fds.
func (s *Set) Len() int { return len(s.fds) }

// Poll blocks until at least one fd is ready or timeoutMs elapses (-1 blocks
// indefinitely, as in the Child's readiness wait). Returns the ready events;
// EINTR is retried transparently since it carries no information.
func (s *Set) Poll(timeoutMs int) ([]Event, error) {
	for {
		n, err := unix.Poll(s.fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pollset: poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		events := make([]Event, 0, n)
		for _, pfd := range s.fds {
			if pfd.Revents != 0 {
				events = append(events, Event{Fd: int(pfd.Fd), Revents: pfd.Revents})
			}
		}
		return events, nil
	}
}
