package dispatch

import (
	"bytes"
	"testing"
)

func TestRunDispatchesByArgv0(t *testing.T) {
	tbl := NewTable(nil)
	RegisterBuiltins(tbl)

	var out bytes.Buffer
	code := tbl.Run(Request{Argv: []string{"echo", "hello", "world"}, Stdout: &out, Stderr: &out})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if out.String() != "hello world\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestRunResolvesBaseName(t *testing.T) {
	tbl := NewTable(nil)
	RegisterBuiltins(tbl)

	var out bytes.Buffer
	code := tbl.Run(Request{Argv: []string{"/usr/bin/pwd"}, Cwd: "/tmp", Stdout: &out, Stderr: &out})
	if code != 0 || out.String() != "/tmp\n" {
		t.Fatalf("code=%d out=%q", code, out.String())
	}
}

func TestRunFallsBackOnUnknownCommand(t *testing.T) {
	tbl := NewTable(nil)
	var errOut bytes.Buffer
	code := tbl.Run(Request{Argv: []string{"not-a-real-command"}, Stdout: &errOut, Stderr: &errOut})
	if code != 127 {
		t.Fatalf("expected 127, got %d", code)
	}
}

func TestCatCopiesStdin(t *testing.T) {
	tbl := NewTable(nil)
	RegisterBuiltins(tbl)

	var out bytes.Buffer
	code := tbl.Run(Request{Argv: []string{"cat"}, Stdin: bytes.NewReader([]byte("hello")), Stdout: &out, Stderr: &out})
	if code != 0 || out.String() != "hello" {
		t.Fatalf("code=%d out=%q", code, out.String())
	}
}
