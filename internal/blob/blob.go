// Package blob provides the append-only, date-partitioned audit trail:
// one JSONL file per UTC day under <data>/blob/YYYY-MM-DD.jsonl. Every
// iteration's events — LLM requests/responses, tool calls/results, chat
// turns, system and error notices — are appended here in program order
// and never mutated.
//
// The append-lock and error-wrapping idiom below is adapted from
// internal/memory/archive.go's SQLite append path, generalized from a
// single archive table to a rolling set of daily JSONL files.
package blob

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the blob event kinds.
type EventType string

const (
	EventLLMRequest  EventType = "llm_request"
	EventLLMResponse EventType = "llm_response"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventChatCreator EventType = "chat_creator"
	EventChatJarvis  EventType = "chat_jarvis"
	EventSystem      EventType = "system"
	EventError       EventType = "error"
	EventPlanning    EventType = "planning"
)

// Event is one append-only blob record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Log appends events to date-partitioned JSONL files under dir. A
// single mutex serializes appends — a short-lived exclusive append
// lock, which an in-process mutex provides for a single-process
// director, the log's only writer.
type Log struct {
	dir string
	mu  sync.Mutex

	// openDate/openFile cache the currently open file handle so a
	// burst of same-day appends doesn't reopen the file every call.
	openDate string
	openFile *os.File

	// unhealthy latches true once a retried append still fails, per
	// rule 3's blob-log-availability gate: a write that can't land is
	// treated as the log being down, not a transient blip to retry
	// silently forever.
	unhealthy bool
}

// New creates a Log rooted at dir (typically "<data>/blob"). The
// directory is created if it does not exist.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Close closes any currently open day file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeOpenLocked()
}

func (l *Log) closeOpenLocked() error {
	if l.openFile == nil {
		return nil
	}
	err := l.openFile.Close()
	l.openFile = nil
	l.openDate = ""
	return err
}

// Append writes one event to today's (UTC) partition. If the event has
// no ID or Timestamp, they are filled in. Append retries once on
// transient I/O failure before marking the log unhealthy.
func (l *Log) Append(ev Event) (Event, error) {
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return ev, fmt.Errorf("generate event id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("marshal blob event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendBytesLocked(ev.Timestamp, line); err != nil {
		// Single retry on transient I/O.
		if err2 := l.appendBytesLocked(ev.Timestamp, line); err2 != nil {
			l.unhealthy = true
			return ev, fmt.Errorf("append blob event (retried): %w", err2)
		}
	}
	l.unhealthy = false
	return ev, nil
}

// Healthy reports whether the last append (if any) succeeded, for
// rule 3's blob-log-availability gate. A log that has never been
// written to is considered healthy.
func (l *Log) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.unhealthy
}

func (l *Log) appendBytesLocked(ts time.Time, line []byte) error {
	date := ts.Format("2006-01-02")
	if l.openDate != date {
		if err := l.closeOpenLocked(); err != nil {
			return err
		}
		path := filepath.Join(l.dir, date+".jsonl")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open partition %s: %w", path, err)
		}
		l.openFile = f
		l.openDate = date
	}
	_, err := l.openFile.Write(line)
	return err
}

// ReadDay returns every event in the partition for the given UTC date
// (format "2006-01-02"), in file order (which is append order). A
// missing partition returns an empty slice, not an error.
func (l *Log) ReadDay(date string) ([]Event, error) {
	path := filepath.Join(l.dir, date+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("parse event in %s: %w", path, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan partition %s: %w", path, err)
	}
	return events, nil
}

// ReadRange returns events across [start, end] inclusive UTC dates, in
// chronological order, for the /analytics endpoint's bucketed series.
func (l *Log) ReadRange(start, end time.Time) ([]Event, error) {
	var all []Event
	for d := start.UTC(); !d.After(end.UTC()); d = d.AddDate(0, 0, 1) {
		day, err := l.ReadDay(d.Format("2006-01-02"))
		if err != nil {
			return nil, err
		}
		all = append(all, day...)
	}
	return all, nil
}

// LastEvent returns the most recently appended event across the last
// few days (checked newest-first), or ok=false if the log is empty.
// Used to verify the append-only invariant against the live log.
func (l *Log) LastEvent() (ev Event, ok bool, err error) {
	for d := time.Now().UTC(); ; d = d.AddDate(0, 0, -1) {
		day, rErr := l.ReadDay(d.Format("2006-01-02"))
		if rErr != nil {
			return Event{}, false, rErr
		}
		if len(day) > 0 {
			return day[len(day)-1], true, nil
		}
		// Bound the backward scan: stop after the dir has no earlier
		// partitions at all (cheap heuristic: one year).
		if time.Now().UTC().Sub(d) > 365*24*time.Hour {
			return Event{}, false, nil
		}
	}
}
