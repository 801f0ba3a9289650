// Package corelet implements process-isolated task execution. A corelet is
// one task run inside a killable OS subprocess: the parent writes the
// serialized message to the child's stdin and closes it, the child reads to
// end-of-stream, executes the handler, writes the serialized result to
// stdout, and exits zero. Application-level failure is still exit zero with
// a failure result; a non-zero exit means protocol or launch failure.
package corelet

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed wire payload (16 MiB).
const MaxMessageSize = 16 << 20

// WriteMessage writes one JSON-encoded value to w. The stream carries
// exactly one value; the writer closes the stream to mark the end.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads r to end-of-stream and decodes the single JSON value
// into v. Reads are capped at MaxMessageSize.
func ReadMessage(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size exceeds maximum %d", MaxMessageSize)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
