// Package crash persists crash records to a dedicated, pre-opened file. The
// crash path must not depend on the shared signal queue or the database,
// since either may be unusable while the process dies; records are written
// synchronously here and reconciled into the normal event stream on the next
// process start.
package crash

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is one crash occurrence as written to the sink file, one JSON
// object per line. EventID is minted at crash time so that reconciliation
// and any successful crash-time database write stay idempotent.
type Record struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Sink is the pre-opened crash file.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the crash file at path. The handle stays
// open for the life of the pipeline so a crash-time write needs no further
// allocation of OS resources.
func Open(path string, logger *slog.Logger) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open crash file: %w", err)
	}
	return &Sink{f: f, path: path, logger: logger}, nil
}

// Write appends rec and syncs the file before returning.
func (s *Sink) Write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode crash record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write crash record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync crash file: %w", err)
	}
	return nil
}

// Drain reads every record written by previous runs and truncates the file.
// Corrupt lines (a crash can interrupt a write) are skipped with a log.
func (s *Sink) Drain() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("rewind crash file: %w", err)
	}

	var records []Record
	scanner := bufio.NewScanner(s.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("crash: skipping corrupt record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read crash file: %w", err)
	}

	if err := s.f.Truncate(0); err != nil {
		return records, fmt.Errorf("truncate crash file: %w", err)
	}
	if _, err := s.f.Seek(0, 2); err != nil {
		return records, fmt.Errorf("seek crash file: %w", err)
	}
	return records, nil
}

// Close releases the file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
