// Package audit is the append-only trail of every dispatch, verification,
// and violation in a run. The trail is the run's source of truth: a write
// failure here is fatal to the run, and records are never mutated or deleted
// once written.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Result values for audit records. Every dispatch record is followed by
// exactly one terminal record (success, failure, or timeout) before its
// phase concludes.
const (
	ResultDispatched = "dispatched"
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultTimeout    = "timeout"
)

// Record is one line of the audit trail, immutable once written.
type Record struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Run          string    `json:"run,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Iteration    int       `json:"iteration,omitempty"`
	Agent        string    `json:"agent"`
	Action       string    `json:"action"`
	Result       string    `json:"result"`
	Detail       string    `json:"detail,omitempty"`
	EvidenceRefs []string  `json:"evidence_refs,omitempty"`
}

// Terminal reports whether the record closes out a dispatch.
func (r *Record) Terminal() bool {
	switch r.Result {
	case ResultSuccess, ResultFailure, ResultTimeout:
		return true
	}
	return false
}

// Publisher mirrors appended records to an external stream. Publish failures
// are reported but do not fail the append: the file is the source of truth,
// the stream is a convenience for consumers.
type Publisher interface {
	Publish(Record) error
}

// Log is a single-writer append-only record store backed by a JSONL file.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	seq  uint64
	now  func() time.Time

	publisher      Publisher
	OnPublishError func(error)
}

// Open opens (or creates) the audit log at path, recovering the sequence
// counter from any existing records.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	return &Log{path: path, f: f, seq: seq, now: time.Now}, nil
}

// SetPublisher installs a stream mirror for appended records.
func (l *Log) SetPublisher(p Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publisher = p
}

// Append writes a record, assigning its sequence number and timestamp.
// An append error means the trail can no longer be trusted; callers must
// treat it as fatal to the run.
func (l *Log) Append(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec.Seq = l.seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit write failure: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit write failure: %w", err)
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(rec); err != nil && l.OnPublishError != nil {
			l.OnPublishError(err)
		}
	}
	return rec, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return err
	}
	return l.f.Close()
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// lastSeq scans an existing log for its highest sequence number.
func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scanning audit log: %w", err)
	}
	defer f.Close()

	var seq uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return 0, fmt.Errorf("corrupt audit record in %s: %w", path, err)
		}
		if rec.Seq > seq {
			seq = rec.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning audit log: %w", err)
	}
	return seq, nil
}

const maxRecordSize = 4 * 1024 * 1024
