// Package audit implements the reflector's append-only JSON-line audit
// sink: every event is serialized to one line, appended, and flushed before
// the call returns, under a single-writer lock.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType enumerates the audit categories named in the data model.
type EventType string

const (
	EventConnectionAccepted EventType = "connection_accepted"
	EventConnectionDenied   EventType = "connection_denied"
	EventSessionGranted     EventType = "session_granted"
	EventSessionDenied      EventType = "session_denied"
	EventSessionCompleted   EventType = "session_completed"
	EventPairingEnabled     EventType = "pairing_enabled"
	EventPeerPaired         EventType = "peer_paired"
	EventPeerRemoved        EventType = "peer_removed"
	EventIdentityRotated    EventType = "identity_rotated"
)

// Entry is one immutable audit record. Fields beyond the required three are
// omitted from the serialized line entirely when unset, not written as
// null, matching the write contract in the data model.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  EventType `json:"event_type"`
	EndpointID string    `json:"endpoint_id"`

	PeerID   *string         `json:"peer_id,omitempty"`
	TestType *string         `json:"test_type,omitempty"`
	TestID   *string         `json:"test_id,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Decision *string         `json:"decision,omitempty"`
	Reason   *string         `json:"reason,omitempty"`
	Bytes    *uint64         `json:"bytes,omitempty"`
	Duration *float64        `json:"duration_sec,omitempty"`
}

// NewEntry builds the required fields of an Entry; builder-style With*
// methods attach the optional fields and return the updated copy for
// chaining.
func NewEntry(eventType EventType, endpointID string) Entry {
	return Entry{Timestamp: time.Now().UTC(), EventType: eventType, EndpointID: endpointID}
}

func (e Entry) WithPeerID(peerID string) Entry     { e.PeerID = &peerID; return e }
func (e Entry) WithTestType(testType string) Entry { e.TestType = &testType; return e }
func (e Entry) WithTestID(testID string) Entry     { e.TestID = &testID; return e }
func (e Entry) WithDecision(decision string) Entry { e.Decision = &decision; return e }
func (e Entry) WithReason(reason string) Entry     { e.Reason = &reason; return e }
func (e Entry) WithBytes(n uint64) Entry           { e.Bytes = &n; return e }
func (e Entry) WithDuration(sec float64) Entry     { e.Duration = &sec; return e }

// WithParams attaches arbitrary JSON-encodable parameters to the entry.
func (e Entry) WithParams(params any) Entry {
	raw, err := json.Marshal(params)
	if err != nil {
		return e
	}
	e.Params = raw
	return e
}

// Log is an append-only JSON-line sink backed by a single file. All writes
// are serialized through mu so concurrent callers cannot interleave bytes.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates the parent directory of path if needed and opens it for
// append, creating the file if it does not exist.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Log serializes entry, appends a trailing newline, writes the whole line
// in one call, and flushes before returning. Errors are surfaced to the
// caller; they do not unwind the request that triggered the log call.
func (l *Log) Log(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
