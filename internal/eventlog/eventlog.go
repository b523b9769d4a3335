// Package eventlog appends session events to newline-delimited JSON
// files, one file per session.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Log is an append-only NDJSON event log for a single session. Safe for
// concurrent use.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens the log file for the given session id under dir,
// creating the directory as needed. Existing logs are appended to, never
// truncated.
func Open(dir, sessionID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".ndjson")

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &Log{file: file, path: path}, nil
}

// Path returns the location of the underlying log file.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event as a single JSON line, stamping it with an
// arrival timestamp and a unique record id. The input map is not
// mutated.
func (l *Log) Append(event map[string]any) error {
	record := make(map[string]any, len(event)+2)
	for k, v := range event {
		record[k] = v
	}

	record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["id"] = ulid.Make().String()

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}
