//go:build linux

package controller

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/config"
)

// Supervisor bundles a spawned prewarmd process with the Client wired to
// its three pipes. Stop releases the Client, closes the command pipe and
// waits for the process to exit.
type Supervisor struct {
	Client *Client
	cmd    *exec.Cmd
}

// StartSupervisor spawns prewarmdPath as a Supervisor and returns a Client
// already running its own poll loop (spec §4.6: "Initialisation: create the
// control pipe pair; spawn the Supervisor process, passing the in-worker
// fd as an inherited fd and an environment variable carrying the initial
// configuration JSON. Close the in-worker fd in the Controller after
// spawn."). configJSON is the initial KITTY_PREWARM_CONFIG payload.
func StartSupervisor(log *zap.Logger, prewarmdPath, configJSON string, maxInFlight int64, onDeath func(pid int)) (*Supervisor, error) {
	cmdR, cmdW, err := pipePair()
	if err != nil {
		return nil, fmt.Errorf("controller: command pipe: %w", err)
	}
	replyR, replyW, err := pipePair()
	if err != nil {
		closeFDs(cmdR, cmdW)
		return nil, fmt.Errorf("controller: reply pipe: %w", err)
	}
	deathR, deathW, err := pipePair()
	if err != nil {
		closeFDs(cmdR, cmdW, replyR, replyW)
		return nil, fmt.Errorf("controller: death pipe: %w", err)
	}

	cmd := exec.Command(prewarmdPath, strconv.Itoa(3))
	cmd.Env = append(os.Environ(), config.EnvVar+"="+configJSON)
	cmd.Stdin = os.NewFile(uintptr(cmdR), "prewarmd-cmd-r")
	cmd.Stdout = os.NewFile(uintptr(replyW), "prewarmd-reply-w")
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(deathW), "prewarmd-death-w")}

	if err := cmd.Start(); err != nil {
		closeFDs(cmdR, cmdW, replyR, replyW, deathR, deathW)
		return nil, fmt.Errorf("controller: spawn supervisor: %w", err)
	}
	// The child now owns these three; our copies are only dup artifacts of
	// cmd.Start, so close them to avoid leaking the wrong end into our own
	// fd table.
	unix.Close(cmdR)
	unix.Close(replyW)
	unix.Close(deathW)

	client := NewClient(log, cmdW, replyR, deathR, maxInFlight, onDeath)
	go client.Run()

	return &Supervisor{Client: client, cmd: cmd}, nil
}

// Pid reports the Supervisor process's pid, for diagnostics.
func (s *Supervisor) Pid() int { return s.cmd.Process.Pid }

// Stop closes the Client (which stops its poll loop) and waits for the
// Supervisor process to exit. Intended for clean shutdown (spec §8 scenario
// 6: closing the write end is what makes the Supervisor exit 0).
func (s *Supervisor) Stop() error {
	s.Client.Close()
	unix.Close(s.Client.cmdW)
	return s.cmd.Wait()
}

func pipePair() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeFDs(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
