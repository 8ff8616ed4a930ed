package audit

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "trail", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppend_AssignsSequence(t *testing.T) {
	log := openTestLog(t)

	first, err := log.Append(Record{Agent: "scout", Action: "search", Result: ResultDispatched})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	second, err := log.Append(Record{Agent: "scout", Action: "search", Result: ResultSuccess})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("sequence wrong: %d, %d", first.Seq, second.Seq)
	}
	if first.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestOpen_RecoversSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	log.Append(Record{Agent: "a", Action: "x", Result: ResultDispatched})
	log.Append(Record{Agent: "a", Action: "x", Result: ResultSuccess})
	log.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.Append(Record{Agent: "b", Action: "y", Result: ResultDispatched})
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if rec.Seq != 3 {
		t.Errorf("sequence not recovered: got %d, want 3", rec.Seq)
	}
}

func TestQuery_FilterAndRestart(t *testing.T) {
	log := openTestLog(t)
	log.Append(Record{Run: "r1", Phase: "research", Agent: "scout", Action: "search", Result: ResultDispatched})
	log.Append(Record{Run: "r1", Phase: "research", Agent: "scout", Action: "search", Result: ResultSuccess})
	log.Append(Record{Run: "r1", Phase: "research", Agent: "digger", Action: "dig", Result: ResultDispatched})
	log.Append(Record{Run: "r1", Phase: "research", Agent: "digger", Action: "dig", Result: ResultTimeout})
	log.Append(Record{Run: "r2", Phase: "research", Agent: "scout", Action: "search", Result: ResultDispatched})

	records, err := mustCollect(log, Filter{Agent: "scout"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 scout records, got %d", len(records))
	}

	records, _ = mustCollect(log, Filter{Run: "r1", Result: ResultTimeout})
	if len(records) != 1 || records[0].Agent != "digger" {
		t.Errorf("timeout filter wrong: %+v", records)
	}

	// Cursors are independent: a second query starts from the beginning.
	again, _ := mustCollect(log, Filter{Agent: "scout"})
	if len(again) != 3 {
		t.Errorf("restarted query should see all records again, got %d", len(again))
	}
}

func mustCollect(log *Log, f Filter) ([]*Record, error) {
	cursor, err := log.Query(f)
	if err != nil {
		return nil, err
	}
	return cursor.Collect()
}

func TestQuery_TimeRange(t *testing.T) {
	log := openTestLog(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return base }
	log.Append(Record{Agent: "a", Action: "x", Result: ResultSuccess})
	log.now = func() time.Time { return base.Add(time.Hour) }
	log.Append(Record{Agent: "b", Action: "y", Result: ResultSuccess})

	records, err := mustCollect(log, Filter{Since: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 || records[0].Agent != "b" {
		t.Errorf("since filter wrong: %+v", records)
	}
}

func TestTerminalRecord(t *testing.T) {
	log := openTestLog(t)
	log.Append(Record{Run: "r1", Phase: "research", Agent: "scout", Action: "search", Result: ResultDispatched})

	rec, err := log.TerminalRecord("r1", "research", 0, "scout")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if rec != nil {
		t.Error("dispatch alone is not terminal")
	}

	log.Append(Record{Run: "r1", Phase: "research", Agent: "scout", Action: "search", Result: ResultFailure})
	rec, _ = log.TerminalRecord("r1", "research", 0, "scout")
	if rec == nil || rec.Result != ResultFailure {
		t.Errorf("expected the failure record back, got %+v", rec)
	}

	// A different run does not count.
	if rec, _ := log.TerminalRecord("r2", "research", 0, "scout"); rec != nil {
		t.Error("terminal record leaked across runs")
	}

	// A later loop-back iteration dispatches afresh.
	if rec, _ := log.TerminalRecord("r1", "research", 1, "scout"); rec != nil {
		t.Error("terminal record leaked across iterations")
	}
}

func TestQuery_EmptyTrail(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "never-written.jsonl"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer log.Close()

	cursor, err := log.Query(Filter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer cursor.Close()
	if _, err := cursor.Next(); err != io.EOF {
		t.Errorf("expected EOF on empty trail, got %v", err)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(Record) error { return errors.New("stream down") }

func TestPublisherFailureDoesNotFailAppend(t *testing.T) {
	log := openTestLog(t)
	log.SetPublisher(failingPublisher{})

	var reported error
	log.OnPublishError = func(err error) { reported = err }

	if _, err := log.Append(Record{Agent: "a", Action: "x", Result: ResultSuccess}); err != nil {
		t.Fatalf("append must survive a publisher failure: %v", err)
	}
	if reported == nil {
		t.Error("publish error not reported")
	}
}
