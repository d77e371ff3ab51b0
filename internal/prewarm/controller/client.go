//go:build linux

// Package controller implements the Controller-side half of the fork
// protocol (spec §4.6): writing command frames to a Supervisor's stdin,
// reading CHILD:/ERR: notifications off its reply channel, and reading
// <pid>\n lines off its death-notify channel, all from one
// single-threaded, non-blocking poll loop — the same cooperative-scheduling
// shape the Supervisor itself uses, just facing the other direction.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/shmregion"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/wire"
	"github.com/fenwick-labs/prewarmd/pkg/pollset"
)

// forkAckTimeout bounds how long a Fork call waits for the Supervisor's
// CHILD:/ERR: reply (spec §4.6: "bounded 2s timeouts").
const forkAckTimeout = 2 * time.Second

// idlePollMs bounds how long Run blocks in Poll when no timeout is pending,
// so Close is noticed promptly instead of waiting indefinitely.
const idlePollMs = 200

type forkResult struct {
	childID uint64
	pid     int
	err     error
}

// forkSlot is one in-flight Fork call's reply channel. It stays in the
// pending queue (and the id index) until the Supervisor's reply actually
// arrives, even after a client-side timeout fires — the wire protocol
// carries no per-request id, so the Controller must keep consuming replies
// in FIFO order or every subsequent Fork call desyncs.
type forkSlot struct {
	id   uint64
	ch   chan forkResult
	mu   sync.Mutex
	done bool
}

func (s *forkSlot) resolve(res forkResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.ch <- res
}

// Client is one Controller's connection to a single Supervisor process.
type Client struct {
	log *zap.Logger

	cmdW   int
	replyR int
	deathR int

	out     wire.OutputBuffer
	replyIn wire.LineBuffer
	deathIn wire.LineBuffer

	writer shmregion.Writer

	mu            sync.Mutex
	pendingForks  []*forkSlot
	forksByID     map[uint64]*forkSlot
	pendingEcho   []chan string
	knownChildren map[uint64]struct{}

	slots     *forkSlotPool
	sched     *timeoutScheduler
	nextReqID atomic.Uint64

	onDeath func(pid int)

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewClient wires a Client to an already-spawned Supervisor's three fds:
// cmdW (write end of its stdin), replyR (read end of its notification
// channel), deathR (read end of its death-notify channel). maxInFlight
// bounds concurrent Fork calls; onDeath is invoked, from the poll loop's
// own goroutine, whenever a death-notify pid line arrives.
func NewClient(log *zap.Logger, cmdW, replyR, deathR int, maxInFlight int64, onDeath func(pid int)) *Client {
	if onDeath == nil {
		onDeath = func(int) {}
	}
	return &Client{
		log:           log.Named("controller"),
		cmdW:          cmdW,
		replyR:        replyR,
		deathR:        deathR,
		forksByID:     make(map[uint64]*forkSlot),
		knownChildren: make(map[uint64]struct{}),
		slots:         newForkSlotPool(maxInFlight),
		sched:         newTimeoutScheduler(),
		onDeath:       onDeath,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run drives the poll loop until Close is called or an unrecoverable I/O
// error occurs. Intended to run in its own goroutine.
func (c *Client) Run() error {
	defer close(c.doneCh)

	set := pollset.New()
	set.Add(c.replyR, pollset.In|pollset.Err|pollset.Hup)
	set.Add(c.deathR, pollset.In|pollset.Err|pollset.Hup)

	buf := make([]byte, 4096)

	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		c.mu.Lock()
		pending := c.out.Pending()
		c.mu.Unlock()
		if pending {
			set.Add(c.cmdW, pollset.Out)
		} else {
			set.Remove(c.cmdW)
		}

		events, err := set.Poll(c.nextTimeoutMs())
		if err != nil {
			return fmt.Errorf("controller: poll: %w", err)
		}

		c.expireTimeouts()

		for _, ev := range events {
			switch ev.Fd {
			case c.replyR:
				if err := c.handleReplyReadable(ev, buf); err != nil {
					return err
				}
			case c.deathR:
				if err := c.handleDeathReadable(ev, buf); err != nil {
					return err
				}
			case c.cmdW:
				if ev.Revents&pollset.Out != 0 {
					if err := c.drainOut(); err != nil {
						return err
					}
				}
			}
		}
	}
}

// Close stops the poll loop and waits for Run to return.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// Fork writes a fork-request shm region, sends the fork: command, and
// blocks for up to forkAckTimeout for the Supervisor's CHILD:/ERR: reply.
func (c *Client) Fork(ctx context.Context, ttyName, cwd string, argv []string, env map[string]string, stdin []byte) (childID uint64, pid int, err error) {
	reqID := c.nextReqID.Add(1)
	c.slots.acquire(reqID)
	defer c.slots.release(reqID)

	name := "prewarmd-" + uuid.NewString()
	req := shmregion.Request{TTYName: ttyName, Cwd: cwd, Argv: argv, Env: env}
	if len(stdin) > 0 {
		req.StdinSize = len(stdin)
	}
	if err := c.writer.Put(name, req, stdin); err != nil {
		return 0, 0, fmt.Errorf("controller: write shm region %s: %w", name, err)
	}

	slot := &forkSlot{id: reqID, ch: make(chan forkResult, 1)}
	c.mu.Lock()
	c.pendingForks = append(c.pendingForks, slot)
	c.forksByID[reqID] = slot
	c.sched.push(reqID, time.Now().Add(forkAckTimeout))
	c.mu.Unlock()

	c.enqueueWrite(wire.EncodeFork(name))

	select {
	case res := <-slot.ch:
		if res.err != nil {
			// ERR: (or a client-side timeout) leaves the region
			// Controller-owned (spec §3 ownership transfer).
			shmregion.Unlink(name)
		}
		return res.childID, res.pid, res.err
	case <-ctx.Done():
		// The slot still resolves later (reply or forkAckTimeout); the
		// region stays Controller-owned if that resolution is an error.
		go func() {
			if res := <-slot.ch; res.err != nil {
				shmregion.Unlink(name)
			}
		}()
		return 0, 0, ctx.Err()
	}
}

// MarkChildReady drops childID from the Client's local table and sends the
// ready: command releasing its readiness gate (spec §4.6: "drop from local
// table (false if unknown)"). Returns false, sending nothing, if childID is
// unknown or was already released — the client-side half of the "at-most-
// once readiness" property (spec §8): a repeat call for the same child_id
// has no effect, matching the Supervisor's own idempotent release.
func (c *Client) MarkChildReady(childID uint64) bool {
	c.mu.Lock()
	_, known := c.knownChildren[childID]
	if known {
		delete(c.knownChildren, childID)
	}
	c.mu.Unlock()
	if !known {
		return false
	}
	c.enqueueWrite(wire.EncodeReady(childID))
	return true
}

// ReloadConfig sends a reload_kitty_config: command carrying jsonConfig.
func (c *Client) ReloadConfig(jsonConfig string) {
	c.enqueueWrite(wire.EncodeReloadConfig(jsonConfig))
}

// Echo sends an echo: command and waits for its plain-text reply.
func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.pendingEcho = append(c.pendingEcho, ch)
	c.mu.Unlock()

	c.enqueueWrite(wire.EncodeEcho(text))

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) enqueueWrite(s string) {
	c.mu.Lock()
	c.out.Queue(s)
	c.mu.Unlock()
}

func (c *Client) nextTimeoutMs() int {
	c.mu.Lock()
	_, when, ok := c.sched.next()
	c.mu.Unlock()
	if !ok {
		return idlePollMs
	}
	d := time.Until(when)
	if d <= 0 {
		return 0
	}
	if ms := int(d / time.Millisecond); ms < idlePollMs {
		return ms
	}
	return idlePollMs
}

func (c *Client) expireTimeouts() {
	c.mu.Lock()
	ids := c.sched.expired(time.Now())
	slots := make([]*forkSlot, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.forksByID[id]; ok {
			slots = append(slots, s)
		}
	}
	c.mu.Unlock()

	for _, s := range slots {
		s.resolve(forkResult{err: fmt.Errorf("controller: fork request %d timed out waiting for supervisor reply", s.id)})
	}
}

func (c *Client) handleReplyReadable(ev pollset.Event, buf []byte) error {
	if ev.Revents&(pollset.Err|pollset.Hup) != 0 && ev.Revents&pollset.In == 0 {
		return fmt.Errorf("controller: reply channel closed (revents=%#x)", ev.Revents)
	}
	n, err := unix.Read(c.replyR, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("controller: read reply channel: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("controller: reply channel closed")
	}
	for _, line := range c.replyIn.Feed(buf[:n]) {
		note, perr := wire.ParseNotification(line)
		if perr != nil {
			c.log.Warn("malformed reply frame", zap.Error(perr))
			continue
		}
		switch note.ChildNotify {
		case "CHILD", "ERR":
			c.popFrontFork(note)
		default:
			c.popFrontEcho(note.Message)
		}
	}
	return nil
}

func (c *Client) handleDeathReadable(ev pollset.Event, buf []byte) error {
	if ev.Revents&(pollset.Err|pollset.Hup) != 0 && ev.Revents&pollset.In == 0 {
		return fmt.Errorf("controller: death channel closed (revents=%#x)", ev.Revents)
	}
	n, err := unix.Read(c.deathR, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("controller: read death channel: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("controller: death channel closed")
	}
	for _, line := range c.deathIn.Feed(buf[:n]) {
		pid, derr := wire.DeathPid(line)
		if derr != nil {
			c.log.Warn("malformed death-channel line", zap.Error(derr))
			continue
		}
		c.onDeath(pid)
	}
	return nil
}

func (c *Client) drainOut() error {
	c.mu.Lock()
	data := c.out.Bytes()
	c.mu.Unlock()
	if len(data) == 0 {
		return nil
	}
	n, err := unix.Write(c.cmdW, data)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("controller: write command: %w", err)
	}
	c.mu.Lock()
	c.out.Advance(n)
	c.mu.Unlock()
	return nil
}

func (c *Client) popFrontFork(note wire.Notification) {
	c.mu.Lock()
	if len(c.pendingForks) == 0 {
		c.mu.Unlock()
		c.log.Warn("unexpected fork reply with no pending request")
		return
	}
	slot := c.pendingForks[0]
	c.pendingForks = c.pendingForks[1:]
	delete(c.forksByID, slot.id)
	c.sched.remove(slot.id)
	c.mu.Unlock()

	if note.ChildNotify == "ERR" {
		slot.resolve(forkResult{err: fmt.Errorf("controller: supervisor rejected fork: %s", note.Message)})
		return
	}

	c.mu.Lock()
	c.knownChildren[note.ChildID] = struct{}{}
	c.mu.Unlock()

	slot.resolve(forkResult{childID: note.ChildID, pid: note.Pid})
}

func (c *Client) popFrontEcho(msg string) {
	c.mu.Lock()
	if len(c.pendingEcho) == 0 {
		c.mu.Unlock()
		c.log.Warn("unexpected echo reply with no pending request", zap.String("message", msg))
		return
	}
	ch := c.pendingEcho[0]
	c.pendingEcho = c.pendingEcho[1:]
	c.mu.Unlock()
	ch <- msg
}
