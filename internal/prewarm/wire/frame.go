// Package wire implements the newline-terminated frame protocol shared by the
// Supervisor and Controller. Frames are UTF-8, terminated by '\n', with ':' as
// a field separator. Payloads never contain '\n' — there is no escaping.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Command is a frame sent from the Controller to the Supervisor on stdin.
type Command struct {
	Name    string // "fork", "ready", "reload_kitty_config", "echo"
	Payload string
}

// EncodeFork builds a `fork:<shm_name>` command frame.
func EncodeFork(shmName string) string { return "fork:" + shmName + "\n" }

// EncodeReady builds a `ready:<child_id>` command frame.
func EncodeReady(childID uint64) string {
	return "ready:" + strconv.FormatUint(childID, 10) + "\n"
}

// EncodeReloadConfig builds a `reload_kitty_config:<json_config>` command frame.
func EncodeReloadConfig(jsonConfig string) string {
	return "reload_kitty_config:" + jsonConfig + "\n"
}

// EncodeEcho builds an `echo:<text>` command frame.
func EncodeEcho(text string) string { return "echo:" + text + "\n" }

// ParseCommand decodes a single line (without its trailing '\n') into a
// Command. Returns an error if the line is not valid UTF-8 or carries no
// recognised prefix.
func ParseCommand(line []byte) (Command, error) {
	if !utf8.Valid(line) {
		return Command{}, fmt.Errorf("wire: non-utf8 command frame")
	}
	s := string(line)
	name, payload, ok := strings.Cut(s, ":")
	if !ok {
		return Command{}, fmt.Errorf("wire: malformed command frame %q", s)
	}
	switch name {
	case "fork", "ready", "reload_kitty_config", "echo":
		return Command{Name: name, Payload: payload}, nil
	default:
		return Command{}, fmt.Errorf("wire: unknown command %q", name)
	}
}

// Notification is a frame sent from the Supervisor to the Controller on the
// control-reply channel.
type Notification struct {
	ChildNotify string // "CHILD" or "ERR"; empty for plain echo replies
	ChildID     uint64
	Pid         int
	Message     string
}

// EncodeChild builds a `CHILD:<child_id>:<pid>` notification.
func EncodeChild(childID uint64, pid int) string {
	return fmt.Sprintf("CHILD:%d:%d\n", childID, pid)
}

// EncodeErr builds an `ERR:<message>` notification. Newlines in message are
// replaced with spaces per the wire contract (payloads never contain '\n').
func EncodeErr(message string) string {
	message = strings.ReplaceAll(message, "\n", " ")
	return "ERR:" + message + "\n"
}

// EncodeEchoReply builds the `<text>\n` reply to an echo command.
func EncodeEchoReply(text string) string { return text + "\n" }

// ParseNotification decodes a single reply line into a Notification.
func ParseNotification(line []byte) (Notification, error) {
	if !utf8.Valid(line) {
		return Notification{}, fmt.Errorf("wire: non-utf8 notification frame")
	}
	s := string(line)
	switch {
	case strings.HasPrefix(s, "CHILD:"):
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 {
			return Notification{}, fmt.Errorf("wire: malformed CHILD frame %q", s)
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return Notification{}, fmt.Errorf("wire: malformed CHILD id in %q: %w", s, err)
		}
		pid, err := strconv.Atoi(parts[2])
		if err != nil {
			return Notification{}, fmt.Errorf("wire: malformed CHILD pid in %q: %w", s, err)
		}
		return Notification{ChildNotify: "CHILD", ChildID: id, Pid: pid}, nil
	case strings.HasPrefix(s, "ERR:"):
		return Notification{ChildNotify: "ERR", Message: strings.TrimPrefix(s, "ERR:")}, nil
	default:
		// Plain echo reply — carried verbatim as Message.
		return Notification{Message: s}, nil
	}
}

// DeathPid decodes a death-channel line (`<pid>\n`, no prefix) into a pid.
func DeathPid(line []byte) (int, error) {
	s := strings.TrimSpace(string(line))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("wire: malformed death-channel line %q: %w", s, err)
	}
	return pid, nil
}

// EncodeDeath builds a death-channel `<pid>\n` line.
func EncodeDeath(pid int) string { return strconv.Itoa(pid) + "\n" }

// LineBuffer accumulates bytes from a non-blocking read and yields complete
// newline-terminated frames, retaining any trailing partial frame for the
// next call. It is the single per-direction buffer described by the frame
// codec: every read/write site in the Supervisor and Controller funnels
// through one of these.
type LineBuffer struct {
	buf bytes.Buffer
}

// Feed appends freshly read bytes and returns every complete line found so
// far (without the trailing '\n'), in order. Incomplete trailing data stays
// buffered.
func (b *LineBuffer) Feed(p []byte) [][]byte {
	b.buf.Write(p)
	var lines [][]byte
	for {
		data := b.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		lines = append(lines, line)
		b.buf.Next(idx + 1)
	}
	return lines
}

// Len reports the number of unconsumed, buffered bytes (a partial frame).
func (b *LineBuffer) Len() int { return b.buf.Len() }

// OutputBuffer is the write-side counterpart: bytes queued for a POLLOUT fd,
// drained incrementally as the kernel accepts them.
type OutputBuffer struct {
	buf bytes.Buffer
}

// Queue appends data to be sent.
func (o *OutputBuffer) Queue(s string) { o.buf.WriteString(s) }

// Pending reports whether there is unsent data.
func (o *OutputBuffer) Pending() bool { return o.buf.Len() > 0 }

// Bytes returns the unsent data, for a single non-blocking write attempt.
func (o *OutputBuffer) Bytes() []byte { return o.buf.Bytes() }

// Advance drops n sent bytes from the front of the buffer.
func (o *OutputBuffer) Advance(n int) { o.buf.Next(n) }
