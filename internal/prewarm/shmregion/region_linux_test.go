//go:build linux

package shmregion

import (
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
)

func regionName(t *testing.T) string {
	t.Helper()
	return "prewarmd-test-" + uuid.NewString()
}

func TestPutOpenRoundTrip(t *testing.T) {
	name := regionName(t)
	req := Request{TTYName: "/dev/pts/3", Cwd: "/tmp", Argv: []string{"cmd", "--flag"}, Env: map[string]string{"X": "1"}, StdinSize: 5}

	if err := (Writer{}).Put(name, req, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	defer Unlink(name)

	got, stdin, mapping, err := (Reader{}).Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer mapping.Close()

	if got.TTYName != req.TTYName || got.Cwd != req.Cwd || len(got.Argv) != 2 {
		t.Fatalf("got %+v", got)
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("got stdin %q", data)
	}
}

func TestPutOpenNoStdin(t *testing.T) {
	name := regionName(t)
	req := Request{TTYName: "", Cwd: "/", Argv: []string{"cmd"}, Env: map[string]string{}}

	if err := (Writer{}).Put(name, req, nil); err != nil {
		t.Fatal(err)
	}
	defer Unlink(name)

	got, stdin, mapping, err := (Reader{}).Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer mapping.Close()

	if got.StdinSize != 0 {
		t.Fatalf("expected zero stdin_size, got %d", got.StdinSize)
	}
	data, err := io.ReadAll(stdin)
	if err != nil || len(data) != 0 {
		t.Fatalf("expected empty stdin, got %q err=%v", data, err)
	}
}

func TestOpenMissingRegion(t *testing.T) {
	_, _, _, err := (Reader{}).Open("does-not-exist-" + uuid.NewString())
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}
