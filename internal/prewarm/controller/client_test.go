//go:build linux

package controller

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/wire"
)

func nonblockPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

// readLine busy-reads fd until a full '\n'-terminated line appears or the
// deadline passes, returning the line without its '\n' (or
// context.DeadlineExceeded). It touches no testing.T, so it is safe to call
// from a background goroutine in a test.
func readLine(fd int, deadline time.Time) (string, error) {
	var buf []byte
	tmp := make([]byte, 256)
	for {
		n, err := unix.Read(fd, tmp)
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				return "", context.DeadlineExceeded
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return "", err
		}
		buf = append(buf, tmp[:n]...)
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			return string(buf[:idx]), nil
		}
	}
}

func writeAll(fd int, s string, deadline time.Time) error {
	data := []byte(s)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				return context.DeadlineExceeded
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func TestForkRoundTrip(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, nil)
	go client.Run()
	defer client.Close()

	fakeDone := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		line, err := readLine(cmdR, deadline)
		if err != nil {
			fakeDone <- err
			return
		}
		if !strings.HasPrefix(line, "fork:") {
			fakeDone <- context.DeadlineExceeded
			return
		}
		fakeDone <- writeAll(replyW, wire.EncodeChild(7, 4242), deadline)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	id, pid, err := client.Fork(ctx, "/dev/pts/0", "/tmp", []string{"echo", "hi"}, nil, nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if id != 7 || pid != 4242 {
		t.Fatalf("got id=%d pid=%d", id, pid)
	}
	if err := <-fakeDone; err != nil {
		t.Fatalf("fake supervisor: %v", err)
	}
}

func TestForkSupervisorErr(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, nil)
	go client.Run()
	defer client.Close()

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		readLine(cmdR, deadline)
		writeAll(replyW, wire.EncodeErr("shm region truncated"), deadline)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := client.Fork(ctx, "", "/tmp", []string{"echo"}, nil, nil); err == nil {
		t.Fatal("expected error from ERR: reply")
	}
}

func TestForkTimesOutWithoutReply(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, nil)
	go client.Run()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := client.Fork(ctx, "", "/tmp", []string{"echo"}, nil, nil); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDeathNotificationInvokesCallback(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	deaths := make(chan int, 1)
	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, func(pid int) { deaths <- pid })
	go client.Run()
	defer client.Close()

	if err := writeAll(deathW, wire.EncodeDeath(99), time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("write death line: %v", err)
	}

	select {
	case pid := <-deaths:
		if pid != 99 {
			t.Fatalf("got pid %d", pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for death callback")
	}
}

func TestMarkChildReadySendsFrame(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, nil)
	client.knownChildren[3] = struct{}{}
	go client.Run()
	defer client.Close()

	if ok := client.MarkChildReady(3); !ok {
		t.Fatal("expected MarkChildReady to return true for a known child")
	}

	line, err := readLine(cmdR, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ready:3" {
		t.Fatalf("got %q", line)
	}
}

func TestMarkChildReadyAtMostOnce(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, nil)
	client.knownChildren[5] = struct{}{}
	go client.Run()
	defer client.Close()

	if ok := client.MarkChildReady(5); !ok {
		t.Fatal("expected first MarkChildReady to return true")
	}
	if _, err := readLine(cmdR, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("read first ready frame: %v", err)
	}

	// Second release of the same child_id: spec §8 "at-most-once
	// readiness" — the client drops it from its local table on the first
	// call, so a repeat returns false and sends nothing.
	if ok := client.MarkChildReady(5); ok {
		t.Fatal("expected second MarkChildReady for the same child_id to return false")
	}
}

func TestMarkChildReadyUnknownChild(t *testing.T) {
	cmdR, cmdW := nonblockPipe(t)
	replyR, replyW := nonblockPipe(t)
	deathR, deathW := nonblockPipe(t)
	defer unix.Close(cmdR)
	defer unix.Close(replyW)
	defer unix.Close(deathW)

	client := NewClient(zap.NewNop(), cmdW, replyR, deathR, 4, nil)
	go client.Run()
	defer client.Close()

	if ok := client.MarkChildReady(999); ok {
		t.Fatal("expected MarkChildReady for an unknown child to return false")
	}
}
