//go:build linux

// Package forkengine launches prewarmed children.
//
// spec §4.3 describes the original's bare fork(): the Supervisor process
// image is duplicated in place and the child continues executing inside
// the copy after a setsid/TTY checkpoint. A Go process cannot do this
// safely — os.Fork (via syscall.ForkExec's raw fork path) only survives
// the calling OS thread; every other goroutine's stack, the scheduler's
// other M's, and the GC's background workers are simply gone from the
// child's point of view, so anything beyond an immediate exec is
// undefined behaviour. The idiomatic Go substitute, used throughout
// container tooling (self-reexec via /proc/self/exe or os.Executable),
// is what this package does instead: fork+exec the running binary with a
// marker env var and inherited fds, and let the child reach the same
// setsid/TTY/dispatch checkpoint as a fresh process rather than a forked
// copy. See DESIGN.md for the tradeoff.
package forkengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/config"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/dispatch"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/shmregion"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/ttyctl"
	"github.com/fenwick-labs/prewarmd/pkg/pollset"
)

const (
	// ReexecEnvVar marks a re-executed process as a prewarmd child rather
	// than a fresh Supervisor invocation. cmd/prewarmd's main checks this
	// before deciding whether to run the poll loop or RunChild.
	ReexecEnvVar = "PREWARMD_CHILD"
	// ChildArgsEnvVar carries the JSON-encoded ChildArgs across the
	// re-exec boundary, since a freshly exec'd process starts with no
	// memory shared with its parent.
	ChildArgsEnvVar = "PREWARMD_CHILD_ARGS"

	// ReadyFD and AckFD are the fixed fd slots a re-exec'd child finds its
	// inherited pipe ends on: os/exec.Cmd.ExtraFiles always lands at 3, 4,
	// ... in the child, regardless of the parent's own fd numbering.
	ReadyFD = 3
	AckFD   = 4
)

// ChildArgs are the fork-request parameters threaded into the re-executed
// child (spec §3's fingerprint, plus the shm region name when the request
// carries a stdin payload).
type ChildArgs struct {
	TTYName string            `json:"tty_name"`
	Cwd     string            `json:"cwd"`
	Argv    []string          `json:"argv"`
	Env     map[string]string `json:"env"`
	ShmName string            `json:"shm_name,omitempty"`
	// Config is the Supervisor's configuration snapshot as of fork time
	// (spec §8 scenario 5), threaded across the re-exec boundary alongside
	// everything else in ChildArgs since the child starts with none of the
	// parent's in-process state.
	Config *config.Config `json:"config,omitempty"`
}

// Spawned is what the Supervisor gets back immediately after a successful
// launch: enough to register a childtable.Record and add the death fd to
// the poll set.
type Spawned struct {
	Pid          int
	ReadyWriteFD int
	DeathReadFD  int
}

// Spawn launches one prewarmed child and waits only for its ack byte — the
// signal that it has reached the setsid/TTY checkpoint (spec §4.3: "the
// parent observes only the ack byte confirming the child reached its
// setsid/TTY checkpoint, then returns"). It does not wait for the
// readiness gate to be released; that happens later, driven by a `ready:`
// command from the Controller.
func Spawn(args ChildArgs, ackTimeoutMs int) (*Spawned, error) {
	readyR, readyW, err := cloexecPipe()
	if err != nil {
		return nil, fmt.Errorf("forkengine: readiness pipe: %w", err)
	}
	deathR, deathW, err := cloexecPipe()
	if err != nil {
		unix.Close(readyR)
		unix.Close(readyW)
		return nil, fmt.Errorf("forkengine: death pipe: %w", err)
	}

	encodedArgs, err := json.Marshal(args)
	if err != nil {
		closeAll(readyR, readyW, deathR, deathW)
		return nil, fmt.Errorf("forkengine: encode child args: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		closeAll(readyR, readyW, deathR, deathW)
		return nil, fmt.Errorf("forkengine: resolve self: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), ReexecEnvVar+"=1", ChildArgsEnvVar+"="+string(encodedArgs))
	cmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(readyR), "prewarmd-ready-r"),
		os.NewFile(uintptr(deathW), "prewarmd-ack-w"),
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		closeAll(readyR, readyW, deathR, deathW)
		return nil, fmt.Errorf("forkengine: start child: %w", err)
	}
	// The child's ends now live in its own fd table; our copies are only
	// useful for cmd.Start's own dup, so close them here to avoid leaking
	// the readiness gate's write side into our own fd table under the
	// read side's number.
	unix.Close(readyR)
	unix.Close(deathW)

	if err := awaitAck(deathR, cmd.Process.Pid, ackTimeoutMs); err != nil {
		unix.Close(readyW)
		unix.Close(deathR)
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	return &Spawned{Pid: cmd.Process.Pid, ReadyWriteFD: readyW, DeathReadFD: deathR}, nil
}

func awaitAck(deathR, pid, timeoutMs int) error {
	set := pollset.New()
	set.Add(deathR, pollset.In|pollset.Err|pollset.Hup)
	events, err := set.Poll(timeoutMs)
	if err != nil {
		return fmt.Errorf("forkengine: poll for ack from pid %d: %w", pid, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("forkengine: pid %d: timed out waiting for setsid/tty ack", pid)
	}
	ev := events[0]
	if ev.Revents&pollset.In == 0 {
		return fmt.Errorf("forkengine: pid %d: death pipe closed before ack (revents=%#x)", pid, ev.Revents)
	}
	var ack [1]byte
	n, rerr := unix.Read(deathR, ack[:])
	if rerr != nil || n != 1 {
		return fmt.Errorf("forkengine: pid %d: read ack byte: n=%d err=%v", pid, n, rerr)
	}
	return nil
}

// RunChild executes the child-side checkpoint sequence (spec §4.3.c-f):
// session leadership, optional controlling-TTY establishment, the ack
// write, optional shm-backed stdin handoff, then blocks on the readiness
// gate before dispatching. It never returns — like the original's
// child_main, it always terminates the process via os.Exit.
func RunChild(args ChildArgs, table *dispatch.Table) {
	if err := unix.Setsid(); err != nil {
		fail(fmt.Errorf("forkengine: setsid: %w", err))
	}

	if args.TTYName != "" {
		if err := ttyctl.Establish(args.TTYName); err != nil {
			fail(err)
		}
	}

	if _, err := unix.Write(AckFD, []byte{0}); err != nil {
		fail(fmt.Errorf("forkengine: write ack byte: %w", err))
	}

	var stdin io.Reader = os.Stdin
	if args.ShmName != "" {
		req, reader, mapping, err := (shmregion.Reader{}).Open(args.ShmName)
		if err != nil {
			fail(fmt.Errorf("forkengine: open shm stdin %s: %w", args.ShmName, err))
		}
		// The child now owns the region (spec §3 ownership transfer):
		// copy the stdin payload out and release it immediately rather
		// than holding the mapping for the command's whole lifetime.
		buf, rerr := io.ReadAll(reader)
		mapping.Close()
		if rerr != nil {
			fail(fmt.Errorf("forkengine: read shm stdin %s: %w", args.ShmName, rerr))
		}
		if uerr := shmregion.Unlink(args.ShmName); uerr != nil {
			fail(fmt.Errorf("forkengine: unlink shm stdin %s: %w", args.ShmName, uerr))
		}
		_ = req
		stdin = bytes.NewReader(buf)
	}

	if args.Cwd != "" {
		if err := os.Chdir(args.Cwd); err != nil {
			fail(fmt.Errorf("forkengine: chdir %s: %w", args.Cwd, err))
		}
	}

	awaitReadinessGate()

	code := table.Run(dispatch.Request{
		Argv:   args.Argv,
		Env:    args.Env,
		Cwd:    args.Cwd,
		Stdin:  stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Config: args.Config,
	})
	os.Exit(code)
}

// awaitReadinessGate blocks until the Controller's `ready:` command
// releases this child (spec §4.3.f), or until the gate's write end is
// closed out from under it (POLLERR/POLLHUP), in which case the child
// proceeds anyway rather than hanging forever on an orphaned pipe.
func awaitReadinessGate() {
	set := pollset.New()
	set.Add(ReadyFD, pollset.In|pollset.Err|pollset.Hup)
	if _, err := set.Poll(-1); err != nil {
		fail(fmt.Errorf("forkengine: poll readiness gate: %w", err))
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func cloexecPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
