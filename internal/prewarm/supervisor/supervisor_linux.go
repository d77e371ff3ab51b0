//go:build linux

package supervisor

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/forkengine"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/shmregion"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/wire"
	"github.com/fenwick-labs/prewarmd/pkg/pollset"
)

// Run drives the Supervisor's poll loop (spec §4.4/§4.5) until the command
// channel hangs up (the Controller exited) or an unrecoverable I/O error
// occurs.
func (s *Supervisor) Run() error {
	var cmdIn wire.LineBuffer
	var replyOut wire.OutputBuffer
	var deathOut wire.OutputBuffer

	set := pollset.New()
	set.Add(s.cmdR, pollset.In|pollset.Err|pollset.Hup)

	buf := make([]byte, 4096)

	for {
		for _, fd := range s.children.DeathFDs() {
			if !set.Has(fd) {
				set.Add(fd, pollset.In|pollset.Err|pollset.Hup)
			}
		}

		if replyOut.Pending() {
			set.Add(s.replyW, pollset.Out)
		} else {
			set.Remove(s.replyW)
		}
		if deathOut.Pending() {
			set.Add(s.deathW, pollset.Out)
		} else {
			set.Remove(s.deathW)
		}

		events, err := set.Poll(-1)
		if err != nil {
			return fmt.Errorf("supervisor: poll: %w", err)
		}

		for _, ev := range events {
			switch ev.Fd {
			case s.cmdR:
				done, herr := s.handleCommandReadable(ev, buf, &cmdIn, &replyOut)
				if herr != nil {
					return herr
				}
				if done {
					return nil
				}
			case s.replyW:
				if ev.Revents&pollset.Out != 0 {
					if werr := drainTo(s.replyW, &replyOut); werr != nil {
						return fmt.Errorf("supervisor: write reply channel: %w", werr)
					}
				}
			case s.deathW:
				if ev.Revents&pollset.Out != 0 {
					if werr := drainTo(s.deathW, &deathOut); werr != nil {
						return fmt.Errorf("supervisor: write death channel: %w", werr)
					}
				}
			default:
				s.handleDeathEvent(ev, set, &deathOut)
			}
		}
	}
}

// handleCommandReadable reads and dispatches every complete command frame
// currently available on cmdR. Returns done=true once the channel hangs up
// (the Controller has exited), which is the Supervisor's own shutdown
// signal.
func (s *Supervisor) handleCommandReadable(ev pollset.Event, buf []byte, cmdIn *wire.LineBuffer, replyOut *wire.OutputBuffer) (done bool, err error) {
	n, rerr := unix.Read(s.cmdR, buf)
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("supervisor: read command channel: %w", rerr)
	}
	if n == 0 {
		s.log.Info("command channel closed, shutting down")
		return true, nil
	}

	for _, line := range cmdIn.Feed(buf[:n]) {
		cmd, perr := wire.ParseCommand(line)
		if perr != nil {
			s.log.Warn("malformed command frame", zap.Error(perr))
			continue
		}
		s.dispatchCommand(cmd, replyOut)
	}

	// POLLHUP on the command channel is the Controller's clean shutdown
	// (spec §4.4/§6: exit 0). POLLERR/POLLNVAL is a broken control pipe
	// (spec §7 PipeBroken) and is fatal (exit 1), not a clean exit.
	if ev.Revents&pollset.Hup != 0 {
		s.log.Info("command channel hung up, shutting down")
		return true, nil
	}
	if ev.Revents&(pollset.Err|pollset.Nval) != 0 {
		return false, fmt.Errorf("supervisor: command channel broken (revents=%#x)", ev.Revents)
	}
	return false, nil
}

func (s *Supervisor) dispatchCommand(cmd wire.Command, replyOut *wire.OutputBuffer) {
	switch cmd.Name {
	case "fork":
		s.handleFork(cmd.Payload, replyOut)
	case "ready":
		s.handleReady(cmd.Payload)
	case "reload_kitty_config":
		if err := s.store.Apply(cmd.Payload); err != nil {
			s.log.Warn("reload_kitty_config failed", zap.Error(err))
		}
	case "echo":
		replyOut.Queue(wire.EncodeEchoReply(cmd.Payload))
	}
}

func (s *Supervisor) handleFork(shmName string, replyOut *wire.OutputBuffer) {
	req, _, mapping, err := (shmregion.Reader{}).Open(shmName)
	if err != nil {
		s.log.Warn("fork request shm open failed", zap.String("region", shmName), zap.Error(err))
		replyOut.Queue(wire.EncodeErr(err.Error()))
		return
	}
	mapping.Close() // header decoded; forkengine re-opens stdin itself in the child

	if !s.dispatch.Has(req.Argv) {
		// Leaves the region Controller-owned (spec §3/§9): no CHILD: was
		// emitted, so the client's own Fork call unlinks it on this ERR:
		// reply, mirroring every other fork-rejection path below.
		s.log.Warn("fork request for unregistered command", zap.Strings("argv", req.Argv))
		replyOut.Queue(wire.EncodeErr(fmt.Sprintf("no registered command for argv %v", req.Argv)))
		return
	}

	childArgs := s.buildChildArgs(req, shmName)

	spawned, err := forkengine.Spawn(childArgs, ForkAckTimeoutMs)
	if err != nil {
		s.log.Warn("fork failed", zap.String("region", shmName), zap.Error(err))
		replyOut.Queue(wire.EncodeErr(err.Error()))
		return
	}

	if req.StdinSize == 0 {
		// No child re-opens a region that carries no stdin payload, so it
		// is released here once the child has acknowledged.
		if uerr := shmregion.Unlink(shmName); uerr != nil {
			s.log.Warn("unlink fork request region", zap.String("region", shmName), zap.Error(uerr))
		}
	}

	rec := s.children.Create(spawned.Pid, spawned.ReadyWriteFD, spawned.DeathReadFD)
	s.trace.Record(rec.ID, "forked")
	replyOut.Queue(wire.EncodeChild(rec.ID, rec.Pid))
}

// buildChildArgs assembles the re-exec parameters for one fork request,
// stamping in the Supervisor's current configuration snapshot (spec §8
// scenario 5: "a subsequent fork reflects that configuration").
func (s *Supervisor) buildChildArgs(req shmregion.Request, shmName string) forkengine.ChildArgs {
	childArgs := forkengine.ChildArgs{
		TTYName: req.TTYName,
		Cwd:     req.Cwd,
		Argv:    req.Argv,
		Env:     req.Env,
		Config:  s.store.Snapshot(),
	}
	if req.StdinSize > 0 {
		childArgs.ShmName = shmName
	}
	return childArgs
}

func (s *Supervisor) handleReady(payload string) {
	childID, err := parseChildID(payload)
	if err != nil {
		s.log.Warn("malformed ready command", zap.String("payload", payload), zap.Error(err))
		return
	}
	fd, ok := s.children.Release(childID)
	if !ok {
		// Unknown child, or already released — at-most-once semantics
		// make this a silent no-op (spec §4.4).
		return
	}
	if _, err := unix.Write(fd, []byte{0}); err != nil {
		s.log.Warn("failed to release readiness gate", zap.Uint64("child_id", childID), zap.Error(err))
	}
	unix.Close(fd)
	s.trace.Record(childID, "released")
}

// handleDeathEvent reaps one child whose death-detector fd has hung up,
// removing it from both the poll set and the child table, and queues its
// death notification.
func (s *Supervisor) handleDeathEvent(ev pollset.Event, set *pollset.Set, deathOut *wire.OutputBuffer) {
	rec, ok := s.children.Remove(ev.Fd)
	if !ok {
		set.Remove(ev.Fd)
		return
	}
	set.Remove(ev.Fd)
	unix.Close(ev.Fd)

	if rec.ReadyWriteFD >= 0 {
		// The child died before its readiness gate was released (spec
		// §4.5): it never reached the dispatcher, and nobody will ever
		// write to or close this fd again from our side, so close it
		// now rather than leaking it for the Supervisor's lifetime.
		unix.Close(rec.ReadyWriteFD)
	}

	var status unix.WaitStatus
	unix.Wait4(rec.Pid, &status, 0, nil)

	s.trace.Record(rec.ID, "exited")
	deathOut.Queue(wire.EncodeDeath(rec.Pid))
}

func drainTo(fd int, out *wire.OutputBuffer) error {
	data := out.Bytes()
	if len(data) == 0 {
		return nil
	}
	n, err := unix.Write(fd, data)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	out.Advance(n)
	return nil
}

func parseChildID(payload string) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(payload, "%d", &id)
	if err != nil {
		return 0, err
	}
	return id, nil
}
