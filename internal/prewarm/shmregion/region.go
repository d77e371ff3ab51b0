// Package shmregion implements the shared-memory payload carrier described
// by spec §4.2/§6: a named region laid out as
// [size:uint32_le | json_payload:size bytes | stdin_payload:stdin_size bytes].
//
// The teacher's original "shared-memory primitive" is an external
// collaborator referenced only through its open/create/unlink interface;
// this package is the concrete, in-scope realization that interface
// demands, backed by POSIX /dev/shm files mapped with mmap.
package shmregion

import (
	"encoding/binary"
	"errors"
)

// SizePrefixBytes is the width of the little-endian length prefix that
// precedes the JSON payload (spec §6: uint32_le).
const SizePrefixBytes = 4

var (
	// ErrMissing is returned when a named region cannot be opened/mapped.
	ErrMissing = errors.New("shmregion: region missing")
	// ErrTruncated is returned when the recorded size prefix exceeds the
	// region's actual length.
	ErrTruncated = errors.New("shmregion: recorded size exceeds region length")
	// ErrDecodeFailed is returned when the JSON payload cannot be decoded.
	ErrDecodeFailed = errors.New("shmregion: payload decode failed")
)

// Request is the fork-request fingerprint (spec §3): tty_name, cwd, argv,
// env, and an optional stdin_size indicating that literal stdin bytes
// follow the JSON payload in the same region.
type Request struct {
	TTYName   string            `json:"tty_name"`
	Cwd       string            `json:"cwd"`
	Argv      []string          `json:"argv"`
	Env       map[string]string `json:"env"`
	StdinSize int               `json:"stdin_size,omitempty"`
}

func putSizePrefix(buf []byte, n uint32) { binary.LittleEndian.PutUint32(buf, n) }
func getSizePrefix(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
