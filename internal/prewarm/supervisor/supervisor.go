// Package supervisor implements the Supervisor side of the fork protocol
// (spec §4.4/§4.5): the long-lived, prewarmed worker that reads fork/
// ready/reload_kitty_config/echo commands from its Controller, forks
// children through internal/prewarm/forkengine, and reports their birth
// and death back over two reply channels.
package supervisor

import (
	"go.uber.org/zap"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/childtable"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/config"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/dispatch"
)

// ForkAckTimeoutMs bounds how long the Supervisor waits for a freshly
// spawned child to reach its setsid/TTY checkpoint before treating the
// fork as failed (spec §4.3).
const ForkAckTimeoutMs = 2000

// Config is everything a Supervisor needs at construction. Fds are owned
// by the caller (cmd/prewarmd's main, which inherits them from whatever
// spawned this process) and outlive the Supervisor.
type Config struct {
	Log *zap.Logger

	// CmdR is the read end of the Controller->Supervisor command
	// channel (conventionally stdin).
	CmdR int
	// ReplyW is the write end of the Supervisor->Controller
	// notification channel (CHILD:/ERR:/echo replies).
	ReplyW int
	// DeathW is the write end of the separate death-notify channel
	// (spec §4.5: death reporting is decoupled from the reply channel
	// so a burst of exits never blocks behind a stalled reply write).
	DeathW int

	Dispatch *dispatch.Table
	Store    *config.Store
}

// Supervisor is the long-lived prewarmed worker process.
type Supervisor struct {
	log *zap.Logger

	cmdR   int
	replyW int
	deathW int

	children *childtable.Table
	trace    *childtable.TraceLog
	dispatch *dispatch.Table
	store    *config.Store
}

// New constructs a Supervisor. Call Run to start its poll loop.
func New(cfg Config) *Supervisor {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		log:      log.Named("supervisor"),
		cmdR:     cfg.CmdR,
		replyW:   cfg.ReplyW,
		deathW:   cfg.DeathW,
		children: childtable.New(),
		trace:    childtable.NewTraceLog(),
		dispatch: cfg.Dispatch,
		store:    cfg.Store,
	}
}

// Children exposes the live-child bookkeeping, for diagnostics and tests.
func (s *Supervisor) Children() *childtable.Table { return s.children }

// Trace exposes the per-child lifecycle event log, for diagnostics.
func (s *Supervisor) Trace() *childtable.TraceLog { return s.trace }
