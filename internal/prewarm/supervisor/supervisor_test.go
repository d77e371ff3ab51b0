//go:build linux

package supervisor

import (
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/config"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/dispatch"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/shmregion"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/wire"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	table := dispatch.NewTable(nil)
	dispatch.RegisterBuiltins(table)
	return New(Config{
		Dispatch: table,
		Store:    store,
	})
}

func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

func TestDispatchEchoQueuesReply(t *testing.T) {
	s := newTestSupervisor(t)
	var out wire.OutputBuffer
	s.dispatchCommand(wire.Command{Name: "echo", Payload: "hello"}, &out)
	if string(out.Bytes()) != "hello\n" {
		t.Fatalf("got %q", out.Bytes())
	}
}

func TestDispatchReloadConfigAppliesToStore(t *testing.T) {
	s := newTestSupervisor(t)
	var out wire.OutputBuffer
	s.dispatchCommand(wire.Command{Name: "reload_kitty_config", Payload: `{"paths":["/etc/kitty"],"overrides":[]}`}, &out)
	cfg := s.store.Snapshot()
	if len(cfg.Paths) != 1 || cfg.Paths[0] != "/etc/kitty" {
		t.Fatalf("store not updated: %+v", cfg)
	}
}

func TestHandleReadyReleasesGate(t *testing.T) {
	s := newTestSupervisor(t)
	readyR, readyW := testPipe(t)
	defer unix.Close(readyR)
	deathR, deathW := testPipe(t)
	defer unix.Close(deathR)
	defer unix.Close(deathW)

	rec := s.children.Create(12345, readyW, deathR)

	s.handleReady(strconv.FormatUint(rec.ID, 10))

	var buf [1]byte
	n, err := unix.Read(readyR, buf[:])
	if err != nil {
		t.Fatalf("read readiness byte: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 byte, got %d", n)
	}

	// Second release for the same child is a no-op (at-most-once).
	s.handleReady(strconv.FormatUint(rec.ID, 10))
}

func TestHandleReadyUnknownChildIsNoop(t *testing.T) {
	s := newTestSupervisor(t)
	s.handleReady("999999")
}

func TestBuildChildArgsReflectsCurrentConfigSnapshot(t *testing.T) {
	s := newTestSupervisor(t)

	req := shmregion.Request{Cwd: "/tmp", Argv: []string{"kitty-config"}}
	before := s.buildChildArgs(req, "")
	if before.Config == nil || len(before.Config.Paths) != 0 {
		t.Fatalf("expected empty initial config snapshot, got %+v", before.Config)
	}

	s.dispatchCommand(wire.Command{Name: "reload_kitty_config", Payload: `{"paths":["/etc/kitty"],"overrides":["x"]}`}, new(wire.OutputBuffer))

	after := s.buildChildArgs(req, "")
	if after.Config == nil || len(after.Config.Paths) != 1 || after.Config.Paths[0] != "/etc/kitty" {
		t.Fatalf("expected fork after reload to carry the new config, got %+v", after.Config)
	}
	// The pre-reload ChildArgs snapshot (already handed to a fork in
	// flight) must not retroactively change — Snapshot() hands back a
	// pointer to an immutable Config value, not a live view.
	if len(before.Config.Paths) != 0 {
		t.Fatalf("earlier snapshot must not be mutated by a later reload, got %+v", before.Config)
	}
}

func TestHandleForkRejectsUnregisteredCommandWithoutForking(t *testing.T) {
	s := newTestSupervisor(t)

	name := "prewarmd-test-" + uuid.NewString()
	req := shmregion.Request{Cwd: "/tmp", Argv: []string{"not-a-real-command"}}
	if err := (shmregion.Writer{}).Put(name, req, nil); err != nil {
		t.Fatalf("write shm region: %v", err)
	}
	defer shmregion.Unlink(name)

	var out wire.OutputBuffer
	s.handleFork(name, &out)

	if s.children.Len() != 0 {
		t.Fatalf("expected no child to be forked, got %d live children", s.children.Len())
	}
	reply := string(out.Bytes())
	if !strings.HasPrefix(reply, "ERR:") {
		t.Fatalf("expected ERR: reply for unregistered command, got %q", reply)
	}
}
