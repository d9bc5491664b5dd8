package daemon

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// WriteMessage sends obj as length-prefixed JSON (big-endian uint32 length,
// then the payload) followed by a zero-length terminator frame, matching
// the wire protocol in spec §6.
func WriteMessage(w io.Writer, obj any) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if err := writeFrame(w, payload); err != nil {
		return err
	}
	return writeFrame(w, nil)
}

// ReadMessage reads one length-prefixed JSON frame, stopping at (but not
// consuming past) the zero-length terminator semantics used by callers
// that read a single request per connection.
func ReadMessage(r io.Reader, v any) error {
	payload, err := readFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return payload, nil
}

// StatePublisher atomically publishes the daemon's current state to a JSON
// file so external tools (a status bar, a CLI) can poll it without talking
// to the socket.
type StatePublisher struct {
	path string
	mu   sync.Mutex
}

// NewStatePublisher targets path for publication.
func NewStatePublisher(path string) *StatePublisher {
	return &StatePublisher{path: path}
}

// Publish writes state as JSON via a temp-file-then-rename, so readers
// never observe a partially written file.
func (p *StatePublisher) Publish(state map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state["timestamp"] = float64(time.Now().Unix())
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("protocol: publish: marshal: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("protocol: publish: write temp: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("protocol: publish: rename: %w", err)
	}
	return nil
}

// EventLogger appends structured JSONL events to a log file, used for
// after-the-fact debugging of playback timing.
type EventLogger struct {
	path  string
	mu    sync.Mutex
	start time.Time
}

// NewEventLogger targets the event log at path. The file is opened (and
// created if needed) by each Log call, not here.
func NewEventLogger(path string) *EventLogger {
	return &EventLogger{path: path, start: time.Now()}
}

// Log appends one JSONL entry with a monotonic timestamp, a wall-clock
// timestamp, the event name, and arbitrary extra fields. Failures are
// swallowed: event logging must never break playback.
func (l *EventLogger) Log(event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := map[string]any{
		"ts":    time.Since(l.start).Seconds(),
		"wall":  float64(time.Now().Unix()),
		"event": event,
	}
	for k, v := range fields {
		entry[k] = v
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	b = append(b, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(b)
}
