package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/internal/crm/audit"
	"github.com/salespipe/crm-analytics-platform/pkg/kafka"
	"github.com/salespipe/crm-analytics-platform/pkg/metrics"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
)

type fakeDecoder struct {
	event *crm.DomainEvent
	err   error
}

func (f *fakeDecoder) Decode(_ context.Context, _ kafka.RawMessage) (*crm.DomainEvent, error) {
	return f.event, f.err
}

type fakeGate struct {
	seen    bool
	seenErr error
	marked  []string
}

func (f *fakeGate) Seen(_ context.Context, _ string) (bool, error) {
	return f.seen, f.seenErr
}

func (f *fakeGate) MarkSeen(_ context.Context, eventID string) {
	f.marked = append(f.marked, eventID)
}

type fakeProjector struct {
	err   error
	calls int
}

func (f *fakeProjector) Project(_ context.Context, _ postgres.Execer, _ *crm.DomainEvent, _ string) error {
	f.calls++
	return f.err
}

type fakeAudit struct {
	entries        []audit.Entry
	decodeFailures []*crm.DecodeError
	recordErr      error
}

func (f *fakeAudit) Record(_ context.Context, _ postgres.Execer, e audit.Entry) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) RecordDecodeFailure(_ context.Context, _ postgres.Execer, derr *crm.DecodeError, _ string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.decodeFailures = append(f.decodeFailures, derr)
	return nil
}

type fakeTx struct {
	calls int
}

func (f *fakeTx) InTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	f.calls++
	return fn(nil)
}

func testEvent() *crm.DomainEvent {
	return &crm.DomainEvent{
		EventID:        "e1",
		Type:           crm.LeadCreated,
		OrganizationID: "org-1",
		Timestamp:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:        &crm.LeadPayload{ID: "lead-42"},
	}
}

func testMsg() kafka.RawMessage {
	return kafka.RawMessage{Topic: "crm-leads", Partition: 1, Offset: 7}
}

func testDeps(dec *fakeDecoder, gate *fakeGate, proj *fakeProjector, aud *fakeAudit, tx *fakeTx) Deps {
	return Deps{
		Decoder:   dec,
		Gate:      gate,
		Projector: proj,
		Audit:     aud,
		Tx:        tx,
		Metrics:   metrics.NewWith(prometheus.NewRegistry()),
	}
}

func TestProcessHappyPath(t *testing.T) {
	dec := &fakeDecoder{event: testEvent()}
	gate := &fakeGate{}
	proj := &fakeProjector{}
	aud := &fakeAudit{}
	tx := &fakeTx{}
	handler := Handler(testDeps(dec, gate, proj, aud, tx), "run-1")

	if err := handler(context.Background(), testMsg()); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if proj.calls != 1 {
		t.Errorf("projector calls = %d, want 1", proj.calls)
	}
	if tx.calls != 1 {
		t.Errorf("transaction count = %d, want 1", tx.calls)
	}
	if len(aud.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(aud.entries))
	}
	entry := aud.entries[0]
	if entry.Status != crm.StatusProcessed {
		t.Errorf("audit status = %q, want processed", entry.Status)
	}
	if entry.EventID != "e1" || entry.RunID != "run-1" {
		t.Errorf("unexpected audit identity: %+v", entry)
	}
	if len(gate.marked) != 1 || gate.marked[0] != "e1" {
		t.Errorf("expected e1 marked seen, got %v", gate.marked)
	}
}

func TestProcessDuplicateSkips(t *testing.T) {
	dec := &fakeDecoder{event: testEvent()}
	gate := &fakeGate{seen: true}
	proj := &fakeProjector{}
	aud := &fakeAudit{}
	tx := &fakeTx{}
	handler := Handler(testDeps(dec, gate, proj, aud, tx), "run-1")

	if err := handler(context.Background(), testMsg()); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if proj.calls != 0 {
		t.Errorf("projector must not run for duplicates, got %d calls", proj.calls)
	}
	if tx.calls != 0 {
		t.Errorf("no transaction expected for duplicates, got %d", tx.calls)
	}
	if len(aud.entries) != 1 || aud.entries[0].Status != crm.StatusSkipped {
		t.Fatalf("expected one skipped audit entry, got %+v", aud.entries)
	}
}

func TestProcessDecodeFailureAdvances(t *testing.T) {
	derr := &crm.DecodeError{Topic: "crm-leads", Partition: 1, Offset: 7, Err: errors.New("bad json")}
	dec := &fakeDecoder{err: derr}
	aud := &fakeAudit{}
	handler := Handler(testDeps(dec, &fakeGate{}, &fakeProjector{}, aud, &fakeTx{}), "run-1")

	if err := handler(context.Background(), testMsg()); err != nil {
		t.Fatalf("decode failure must not block the partition: %v", err)
	}
	if len(aud.decodeFailures) != 1 {
		t.Fatalf("expected decode failure audited, got %d", len(aud.decodeFailures))
	}
}

func TestProcessUnknownEventType(t *testing.T) {
	dec := &fakeDecoder{err: &crm.EventError{
		EventID:        "e9",
		EventType:      crm.EventType("LeadDeleted"),
		OrganizationID: "org-1",
		Err:            crm.ErrUnsupportedEventType,
	}}
	aud := &fakeAudit{}
	proj := &fakeProjector{}
	handler := Handler(testDeps(dec, &fakeGate{}, proj, aud, &fakeTx{}), "run-1")

	if err := handler(context.Background(), testMsg()); err != nil {
		t.Fatalf("unsupported type must not block the partition: %v", err)
	}
	if proj.calls != 0 {
		t.Error("projector must not run for unsupported types")
	}
	if len(aud.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(aud.entries))
	}
	entry := aud.entries[0]
	if entry.Status != crm.StatusFailed {
		t.Errorf("audit status = %q, want failed", entry.Status)
	}
	if entry.EventID != "e9" {
		t.Errorf("failure must land under the real event id, got %q", entry.EventID)
	}
}

func TestProcessPermanentProjectionFailure(t *testing.T) {
	dec := &fakeDecoder{event: testEvent()}
	proj := &fakeProjector{err: &pq.Error{Code: "23502", Message: "null value in column"}}
	aud := &fakeAudit{}
	gate := &fakeGate{}
	handler := Handler(testDeps(dec, gate, proj, aud, &fakeTx{}), "run-1")

	if err := handler(context.Background(), testMsg()); err != nil {
		t.Fatalf("server-rejected statement is terminal, offset must advance: %v", err)
	}
	if len(aud.entries) != 1 || aud.entries[0].Status != crm.StatusFailed {
		t.Fatalf("expected one failed audit entry, got %+v", aud.entries)
	}
	if len(gate.marked) != 0 {
		t.Error("failed events must not be marked seen")
	}
}

func TestProcessTransientProjectionFailure(t *testing.T) {
	dec := &fakeDecoder{event: testEvent()}
	proj := &fakeProjector{err: errors.New("driver: bad connection")}
	aud := &fakeAudit{}
	handler := Handler(testDeps(dec, &fakeGate{}, proj, aud, &fakeTx{}), "run-1")

	err := handler(context.Background(), testMsg())
	if !errors.Is(err, crm.ErrTransientStore) {
		t.Fatalf("transient failure must surface for redelivery, got %v", err)
	}
	if len(aud.entries) != 1 || aud.entries[0].Status != crm.StatusFailed {
		t.Fatalf("transient failure still audits a failed row, got %+v", aud.entries)
	}
}

func TestProcessGateErrorSurfaces(t *testing.T) {
	dec := &fakeDecoder{event: testEvent()}
	gate := &fakeGate{seenErr: errors.New("connection refused")}
	handler := Handler(testDeps(dec, gate, &fakeProjector{}, &fakeAudit{}, &fakeTx{}), "run-1")

	err := handler(context.Background(), testMsg())
	if !errors.Is(err, crm.ErrTransientStore) {
		t.Fatalf("gate outage must surface for redelivery, got %v", err)
	}
}

func TestProcessUnwritableAuditSurfaces(t *testing.T) {
	derr := &crm.DecodeError{Topic: "crm-leads", Partition: 1, Offset: 7, Err: errors.New("bad json")}
	dec := &fakeDecoder{err: derr}
	aud := &fakeAudit{recordErr: errors.New("connection refused")}
	handler := Handler(testDeps(dec, &fakeGate{}, &fakeProjector{}, aud, &fakeTx{}), "run-1")

	err := handler(context.Background(), testMsg())
	if !errors.Is(err, crm.ErrTransientStore) {
		t.Fatalf("unwritable audit row must block the offset, got %v", err)
	}
}
