// Package dispatch stands in for "register all kitten command handlers in a
// dispatch table populated at supervisor start" (spec §9 DESIGN NOTES). The
// original source re-imports every kittens.*.main module into the
// prewarmed interpreter so a later os.execve-free dispatch can find them
// already loaded; a compiled Supervisor has no import step, so this package
// is the thing that actually gets prewarmed: a map built once, at
// Supervisor construction, and consulted by the fork engine after the
// readiness handshake.
package dispatch

import (
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/config"
)

// Request is what a Handler receives: the fully-resolved argv/env/cwd from
// the fork-request fingerprint (spec §3), plus the child's stdio streams
// wired up by the fork engine (stdin is a bytes.Reader over the payload
// copied out of the shm region, or os.Stdin if no stdin payload was
// supplied), plus the
// Supervisor's configuration snapshot as of fork time (spec §8 scenario 5:
// "a subsequent fork reflects that configuration").
type Request struct {
	Argv   []string
	Env    map[string]string
	Cwd    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Config *config.Config
}

// Handler runs one command to completion and returns the process exit
// code. Per spec §6, "Child exit codes are the dispatcher's" — the fork
// engine os.Exits with whatever a Handler returns.
type Handler func(req Request) int

// Table is the dispatch table the fork engine invokes after the readiness
// handshake. Command name is resolved from argv[0]'s base name, mirroring
// how kitty's runner resolves `kitty +kitten <name>` / kitten binaries.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewTable returns an empty table with a fallback handler used when argv[0]
// matches nothing registered.
func NewTable(fallback Handler) *Table {
	if fallback == nil {
		fallback = unknownCommand
	}
	return &Table{handlers: make(map[string]Handler), fallback: fallback}
}

// Register installs (or replaces) the handler for a command name.
func (t *Table) Register(name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = h
}

// Has reports whether argv[0]'s base name resolves to a registered
// handler (as opposed to the fallback). Used by the Supervisor to reject
// a fork request for an unregistered command before committing to the
// cost of a fork (spec §4.3 forks are otherwise unconditional).
func (t *Table) Has(argv []string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(argv) == 0 {
		return false
	}
	_, ok := t.handlers[path.Base(argv[0])]
	return ok
}

// Lookup resolves argv[0] to a handler, falling back to the table's
// fallback handler if nothing matches.
func (t *Table) Lookup(argv []string) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(argv) == 0 {
		return t.fallback
	}
	name := path.Base(argv[0])
	if h, ok := t.handlers[name]; ok {
		return h
	}
	return t.fallback
}

// Run resolves and executes the handler for req.Argv.
func (t *Table) Run(req Request) int {
	return t.Lookup(req.Argv)(req)
}

// Names returns the registered command names, for diagnostics.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.handlers))
	for n := range t.handlers {
		names = append(names, n)
	}
	return names
}

func unknownCommand(req Request) int {
	fmt.Fprintf(req.Stderr, "prewarmd: unknown command %q\n", argv0(req.Argv))
	return 127
}

func argv0(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}
