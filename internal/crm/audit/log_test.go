package audit

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
)

type fakeExecer struct {
	queries []string
	args    [][]any
	err     error
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	return fakeResult{}, nil
}

func TestRecordUpsert(t *testing.T) {
	ex := &fakeExecer{}
	l := NewLog(nil)

	err := l.Record(context.Background(), ex, Entry{
		EventID:        "e1",
		EventType:      crm.LeadCreated,
		Topic:          "crm-leads",
		Partition:      2,
		Offset:         4711,
		OrganizationID: "org-1",
		Status:         crm.StatusProcessed,
		RunID:          "run-1",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(ex.queries) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(ex.queries))
	}
	q := strings.Join(strings.Fields(ex.queries[0]), " ")
	if !strings.Contains(q, "crm_events_log") {
		t.Errorf("statement targets wrong table: %s", q)
	}
	if !strings.Contains(q, "retry_count = crm_events_log.retry_count + 1") {
		t.Errorf("conflict clause must advance the retry counter: %s", q)
	}
	args := ex.args[0]
	if args[0] != "e1" {
		t.Errorf("event id arg = %v, want e1", args[0])
	}
	if args[7] != "processed" {
		t.Errorf("status arg = %v, want processed", args[7])
	}
}

func TestRecordNullsEmptyOptionalFields(t *testing.T) {
	ex := &fakeExecer{}
	l := NewLog(nil)

	err := l.Record(context.Background(), ex, Entry{
		EventID: "parse-failure-crm-leads-0-9",
		Topic:   "crm-leads",
		Status:  crm.StatusFailed,
		RunID:   "run-1",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	args := ex.args[0]
	if args[1] != nil {
		t.Errorf("empty event type should bind NULL, got %v", args[1])
	}
	if args[5] != nil {
		t.Errorf("empty organization should bind NULL, got %v", args[5])
	}
}

func TestRecordDecodeFailure(t *testing.T) {
	ex := &fakeExecer{}
	l := NewLog(nil)
	derr := &crm.DecodeError{
		Topic:     "crm-leads",
		Partition: 3,
		Offset:    88,
		Err:       errors.New("parsing envelope json: unexpected end of input"),
	}

	if err := l.RecordDecodeFailure(context.Background(), ex, derr, "run-1"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	args := ex.args[0]
	if args[0] != "parse-failure-crm-leads-3-88" {
		t.Errorf("event id arg = %v, want synthetic key", args[0])
	}
	if args[7] != "failed" {
		t.Errorf("status arg = %v, want failed", args[7])
	}
	msg, _ := args[8].(string)
	if !strings.Contains(msg, "unexpected end of input") {
		t.Errorf("error message arg = %v, want decode cause", args[8])
	}
}

func TestRecordPropagatesExecError(t *testing.T) {
	ex := &fakeExecer{err: errors.New("connection refused")}
	l := NewLog(nil)

	err := l.Record(context.Background(), ex, Entry{EventID: "e1", Status: crm.StatusFailed, RunID: "run-1"})
	if err == nil {
		t.Fatal("expected exec error to propagate")
	}
}
