// Package eventlog appends structured loop events to a JSONL file and
// mirrors them to the console. The file is append-only: entries are never
// rewritten, reordered, or compacted.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind enumerates the event types the loop emits.
type Kind string

const (
	KindInfo           Kind = "info"
	KindAgentCreated   Kind = "agent_created"
	KindSessionPolled  Kind = "session_polled"
	KindPRFound        Kind = "pr_found"
	KindPRMerged       Kind = "pr_merged"
	KindTimeout        Kind = "timeout"
	KindError          Kind = "error"
	KindQuotaExhausted Kind = "quota_exhausted"
	KindPaused         Kind = "paused"
	KindShutdown       Kind = "shutdown"
)

// Entry is one line of the event log.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Event     Kind   `json:"event"`
	Message   string `json:"message"`
	AgentID   string `json:"agent_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// Log writes entries to a JSONL file and mirrors each one to a console
// writer. File append failures are reported on the console rather than
// propagated, so a full disk degrades logging but never stops the loop.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	console io.Writer

	// Now is a test hook for timestamps. Nil means time.Now.
	Now func() time.Time
}

// Open creates (or reopens for append) the event log inside dir, mirroring
// entries to console. Pass nil to mirror to stdout.
func Open(dir string, console io.Writer) (*Log, error) {
	if console == nil {
		console = os.Stdout
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, "log.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &Log{file: file, console: console}, nil
}

// Close closes the underlying log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Event appends an entry with no session attached.
func (l *Log) Event(kind Kind, message string) {
	l.append(Entry{Event: kind, Message: message})
}

// Info is shorthand for Event(KindInfo, message).
func (l *Log) Info(message string) {
	l.Event(KindInfo, message)
}

// SessionEvent appends an entry attributed to a session.
func (l *Log) SessionEvent(kind Kind, message, agentID string) {
	l.append(Entry{Event: kind, Message: message, AgentID: agentID})
}

// DetailedEvent appends an entry carrying a structured details payload.
func (l *Log) DetailedEvent(kind Kind, message, agentID string, details any) {
	l.append(Entry{Event: kind, Message: message, AgentID: agentID, Details: details})
}

func (l *Log) append(entry Entry) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	entry.Timestamp = now.UTC().Format("2006-01-02T15:04:05Z")

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.console, "eventlog: marshal entry: %v\n", err)
		return
	}
	if l.file != nil {
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			fmt.Fprintf(l.console, "eventlog: append failed: %v\n", err)
		}
	}

	fmt.Fprintln(l.console, FormatConsole(entry, now))
}
