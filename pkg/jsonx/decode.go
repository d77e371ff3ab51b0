package jsonx

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxObjectBytes bounds how much a single ParseJSONObject call will read
// from src. The teacher's only caller decodes a gin request body, which
// inherits net/http's server-side body-size limits for free; this module's
// two callers (shmregion's size-prefixed payload, config's wire-frame and
// env-var payload) have no such upstream cap of their own, so the decode
// helper itself enforces one.
const MaxObjectBytes = 1 << 20 // 1 MiB

// ParseJSONObject decodes one JSON value from src into dst.
//
// - Malformed JSON (bad tokens, empty/unterminated/truncated) => *json.SyntaxError, io.EOF, io.ErrUnexpectedEOF
// - Incorrect data type (field/value mismatch) => *json.UnmarshalTypeError
// - Unknown object fields => error("json: unknown field \"...\"") from encoding/json (no dedicated error type)
// - More than MaxObjectBytes available => "jsonx: object exceeds ... bytes"
// - Other decode failures bubble up from encoding/json.
func ParseJSONObject[T any](src io.Reader, dst *T) error {
	lr := &io.LimitedReader{R: src, N: MaxObjectBytes + 1}
	dec := json.NewDecoder(lr)
	dec.DisallowUnknownFields()
	// dec.UseNumber()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if lr.N <= 0 {
		return fmt.Errorf("jsonx: object exceeds %d bytes", MaxObjectBytes)
	}

	return nil
}
