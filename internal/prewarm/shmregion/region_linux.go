//go:build linux

package shmregion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/pkg/jsonx"
)

const shmDir = "/dev/shm"

// Writer creates shared-memory regions for fork requests. The Controller is
// the sole writer in this subsystem (spec §4.6 step 1).
type Writer struct{}

// Put serialises req (and an optional stdin payload) into a freshly created
// named region sized exactly header + |json| + |stdin| bytes (spec §6). The
// caller owns unlink-on-exit for the returned region until the Supervisor's
// CHILD: reply is observed (spec §3 ownership transfer).
func (Writer) Put(name string, req Request, stdin []byte) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("shmregion: encode request: %w", err)
	}

	total := SizePrefixBytes + len(data) + len(stdin)
	path := filepath.Join(shmDir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("shmregion: create %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		return fmt.Errorf("shmregion: truncate %s: %w", name, err)
	}

	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shmregion: mmap %s: %w", name, err)
	}
	defer unix.Munmap(mem)

	putSizePrefix(mem[:SizePrefixBytes], uint32(len(data)))
	copy(mem[SizePrefixBytes:], data)
	if len(stdin) > 0 {
		copy(mem[SizePrefixBytes+len(data):], stdin)
	}
	return nil
}

// Unlink removes a named region from /dev/shm. Used by whichever side
// currently owns unlink responsibility (spec §3 / §9 open question:
// Controller-owned until CHILD: is emitted, Child-owned thereafter; ERR:
// leaves ownership with the Controller). A region with no stdin payload is
// never re-opened by the child and is unlinked by the Supervisor instead.
func Unlink(name string) error {
	if err := unix.Unlink(filepath.Join(shmDir, name)); err != nil {
		return fmt.Errorf("shmregion: unlink %s: %w", name, err)
	}
	return nil
}

// Mapping is an opened, memory-mapped region.
type Mapping struct {
	mem []byte
}

// Close unmaps the region. It does not unlink the backing file; that
// decision belongs to whichever side currently owns it (see Unlink).
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Reader opens named shared-memory regions and decodes their fork-request
// payload.
type Reader struct{}

// Open maps a region read-only and decodes its request envelope. If
// req.StdinSize > 0, the returned io.Reader exposes exactly the stdin bytes
// that follow the JSON payload (spec §4.2). The caller must Close the
// returned Mapping once done reading.
func (Reader) Open(name string) (req Request, stdin io.Reader, m *Mapping, err error) {
	path := filepath.Join(shmDir, name)

	fd, oerr := unix.Open(path, unix.O_RDONLY, 0)
	if oerr != nil {
		return Request{}, nil, nil, fmt.Errorf("%w: %s: %v", ErrMissing, name, oerr)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if serr := unix.Fstat(fd, &st); serr != nil {
		return Request{}, nil, nil, fmt.Errorf("shmregion: stat %s: %w", name, serr)
	}
	total := int(st.Size)
	if total < SizePrefixBytes {
		return Request{}, nil, nil, fmt.Errorf("%w: %s", ErrTruncated, name)
	}

	mem, merr := unix.Mmap(fd, 0, total, unix.PROT_READ, unix.MAP_SHARED)
	if merr != nil {
		return Request{}, nil, nil, fmt.Errorf("shmregion: mmap %s: %w", name, merr)
	}
	mapping := &Mapping{mem: mem}

	size := int(getSizePrefix(mem[:SizePrefixBytes]))
	if SizePrefixBytes+size > total {
		mapping.Close()
		return Request{}, nil, nil, fmt.Errorf("%w: %s: recorded size %d exceeds region length %d", ErrTruncated, name, size, total)
	}

	var out Request
	if derr := jsonx.ParseJSONObject(bytes.NewReader(mem[SizePrefixBytes:SizePrefixBytes+size]), &out); derr != nil {
		mapping.Close()
		return Request{}, nil, nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, name, derr)
	}

	pos := SizePrefixBytes + size
	var stdinReader io.Reader = bytes.NewReader(nil)
	if out.StdinSize > 0 {
		end := pos + out.StdinSize
		if end > total {
			mapping.Close()
			return Request{}, nil, nil, fmt.Errorf("%w: %s: stdin_size exceeds region length", ErrTruncated, name)
		}
		stdinReader = bytes.NewReader(mem[pos:end])
	}

	return out, stdinReader, mapping, nil
}
