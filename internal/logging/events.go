// Package logging provides the append-only structured event sink shared by
// the session manager, the admission gate, and the poll orchestrator. Events
// are one JSON object per line, grouped into one file per day; the core never
// reads them back.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one structured diagnostic record.
// Wire shape: {"ts":"2006-01-02 15:04:05","event":"...", ...fields}.
type Event struct {
	Timestamp string         `json:"ts"`
	Name      string         `json:"event"`
	Fields    map[string]any `json:"-"`
}

// EventLog appends events to day-grouped JSONL files named
// <prefix>_YYYYMMDD.jsonl under a log directory.
type EventLog struct {
	dir    string
	prefix string

	mu   sync.Mutex
	day  string
	file *os.File

	now func() time.Time // overridable for tests
}

// NewEventLog creates an event sink. The directory is created lazily on the
// first append.
func NewEventLog(dir, prefix string) *EventLog {
	return &EventLog{dir: dir, prefix: prefix, now: time.Now}
}

// Append writes one event line. Failures are swallowed: diagnostics must
// never take down the core paths that emit them.
func (e *EventLog) Append(event string, fields map[string]any) {
	if e == nil {
		return
	}
	now := e.now()

	line := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		line[k] = v
	}
	line["ts"] = now.Format("2006-01-02 15:04:05")
	line["event"] = event

	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	day := now.Format("20060102")
	if e.file == nil || day != e.day {
		if e.file != nil {
			_ = e.file.Close()
			e.file = nil
		}
		if err := os.MkdirAll(e.dir, 0o755); err != nil {
			return
		}
		path := filepath.Join(e.dir, fmt.Sprintf("%s_%s.jsonl", e.prefix, day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		e.file = f
		e.day = day
	}

	_, _ = e.file.Write(append(data, '\n'))
}

// Close releases the current day file.
func (e *EventLog) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

// CleanupOld removes event files older than the retention window. Returns the
// number of files deleted.
func (e *EventLog) CleanupOld(retention time.Duration) int {
	if e == nil {
		return 0
	}
	cutoff := e.now().Add(-retention)
	pattern := filepath.Join(e.dir, e.prefix+"_*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	deleted := 0
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(m) == nil {
				deleted++
			}
		}
	}
	return deleted
}
