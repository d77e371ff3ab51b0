//go:build linux

package pollset

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestPollReportsReadable(t *testing.T) {
	r, w, err := pipe(t)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	s := New()
	s.Add(r, In)

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatal(err)
	}

	events, err := s.Poll(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Fd != r || events[0].Revents&In == 0 {
		t.Fatalf("got %v", events)
	}
}

func TestPollReportsHangup(t *testing.T) {
	r, w, err := pipe(t)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(r)

	s := New()
	s.Add(r, In)
	unix.Close(w)

	events, err := s.Poll(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Revents&Hup == 0 {
		t.Fatalf("expected POLLHUP, got %v", events)
	}
}

func TestPollTimesOut(t *testing.T) {
	r, w, err := pipe(t)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	s := New()
	s.Add(r, In)

	start := time.Now()
	events, err := s.Poll(50)
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Fatalf("expected no events, got %v", events)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("poll returned too quickly: %v", elapsed)
	}
}

func TestAddRemove(t *testing.T) {
	s := New()
	s.Add(3, In)
	s.Add(4, Out)
	if s.Len() != 2 {
		t.Fatalf("expected 2, got %d", s.Len())
	}
	s.Remove(3)
	if s.Len() != 1 || !s.Has(4) || s.Has(3) {
		t.Fatalf("unexpected state after remove: len=%d has3=%v has4=%v", s.Len(), s.Has(3), s.Has(4))
	}
}

func pipe(t *testing.T) (r, w int, err error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
