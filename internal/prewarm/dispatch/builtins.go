package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RegisterBuiltins installs the small set of always-available command
// handlers a prewarmed dispatch table starts with, standing in for the
// kitten command bodies spec.md explicitly scopes out ("the actual command
// dispatcher the child runs" is an external collaborator). These are real,
// if domain-light, handlers so integration tests can assert that dispatch
// actually ran end-to-end rather than asserting against a mock.
func RegisterBuiltins(t *Table) {
	t.Register("echo", echoHandler)
	t.Register("cat", catHandler)
	t.Register("pwd", pwdHandler)
	t.Register("env", envHandler)
	t.Register("kitty-config", configHandler)
}

func echoHandler(req Request) int {
	fmt.Fprintln(req.Stdout, strings.Join(req.Argv[1:], " "))
	return 0
}

func catHandler(req Request) int {
	if req.Stdin == nil {
		return 0
	}
	if _, err := io.Copy(req.Stdout, req.Stdin); err != nil {
		fmt.Fprintln(req.Stderr, err)
		return 1
	}
	return 0
}

func pwdHandler(req Request) int {
	fmt.Fprintln(req.Stdout, req.Cwd)
	return 0
}

func envHandler(req Request) int {
	for k, v := range req.Env {
		fmt.Fprintf(req.Stdout, "%s=%s\n", k, v)
	}
	return 0
}

// configHandler prints the Supervisor's configuration snapshot as of fork
// time (spec §8 scenario 5: "a subsequent fork reflects that
// configuration"). Req.Config is nil for a child forked before any
// config.Store existed (e.g. a handler invoked directly in a unit test).
func configHandler(req Request) int {
	if req.Config == nil {
		fmt.Fprintln(req.Stdout, "{}")
		return 0
	}
	data, err := json.Marshal(req.Config)
	if err != nil {
		fmt.Fprintln(req.Stderr, err)
		return 1
	}
	fmt.Fprintln(req.Stdout, string(data))
	return 0
}
