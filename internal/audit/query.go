package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Filter selects records from the trail. Zero-valued fields match everything.
type Filter struct {
	Run       string
	Phase     string
	Iteration *int
	Agent     string
	Action    string
	Result    string
	Since     time.Time
	Until     time.Time
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec *Record) bool {
	if f.Run != "" && rec.Run != f.Run {
		return false
	}
	if f.Phase != "" && rec.Phase != f.Phase {
		return false
	}
	if f.Iteration != nil && rec.Iteration != *f.Iteration {
		return false
	}
	if f.Agent != "" && rec.Agent != f.Agent {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Result != "" && rec.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Cursor streams matching records lazily. Each Query opens an independent
// read handle, so cursors are restartable and never disturb the writer.
type Cursor struct {
	f       *os.File
	scanner *bufio.Scanner
	filter  Filter
}

// Query returns a cursor over records matching the filter, in append order.
func (l *Log) Query(filter Filter) (*Cursor, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		// Empty trail: a cursor that yields nothing.
		return &Cursor{filter: filter}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log for query: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	return &Cursor{f: f, scanner: scanner, filter: filter}, nil
}

// Next returns the next matching record, or io.EOF when the trail is
// exhausted.
func (c *Cursor) Next() (*Record, error) {
	if c.scanner == nil {
		return nil, io.EOF
	}
	for c.scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(c.scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt audit record: %w", err)
		}
		if c.filter.Matches(&rec) {
			return &rec, nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the cursor's read handle.
func (c *Cursor) Close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}

// Collect drains the cursor into a slice and closes it.
func (c *Cursor) Collect() ([]*Record, error) {
	defer c.Close()
	var out []*Record
	for {
		rec, err := c.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// TerminalRecord returns the terminal result the named agent already holds
// for the given run, phase, and iteration, or nil when none exists. The
// orchestrator consults this before re-dispatching, so dispatch stays
// idempotent within a phase attempt while loop-back iterations dispatch
// afresh.
func (l *Log) TerminalRecord(run, phase string, iteration int, agent string) (*Record, error) {
	cursor, err := l.Query(Filter{Run: run, Phase: phase, Iteration: &iteration, Agent: agent})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()
	for {
		rec, err := cursor.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if rec.Terminal() {
			return rec, nil
		}
	}
}
