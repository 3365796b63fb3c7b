// Package audit persists the per-message processing trail. Every consumed
// message, including ones that never decoded, ends up as exactly one row in
// crm_events_log keyed by event id.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
)

// Entry is one audit record for a consumed message.
type Entry struct {
	EventID        string
	EventType      crm.EventType
	Topic          string
	Partition      int
	Offset         int64
	OrganizationID string
	EventTimestamp crm.EventTime
	Status         crm.ProcessingStatus
	ErrorMessage   string
	RunID          string
}

// Log writes audit entries.
//
// It requires a `crm_events_log` table:
//
//	CREATE TABLE crm_events_log (
//	    id                BIGSERIAL PRIMARY KEY,
//	    event_id          TEXT NOT NULL UNIQUE,
//	    event_type        TEXT,
//	    topic             TEXT NOT NULL,
//	    partition         INTEGER NOT NULL,
//	    "offset"          BIGINT NOT NULL,
//	    organization_id   TEXT,
//	    event_timestamp   TIMESTAMPTZ,
//	    processing_status TEXT NOT NULL,
//	    error_message     TEXT,
//	    retry_count       INTEGER NOT NULL DEFAULT 0,
//	    ingestion_run_id  TEXT NOT NULL,
//	    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Log struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewLog creates a Log backed by the given database client.
func NewLog(db *postgres.Client) *Log {
	return &Log{
		db:     db,
		logger: slog.Default().With("component", "audit-log"),
	}
}

// Record upserts the entry. A conflict on event_id means the transport
// redelivered the message, so the row is updated in place and its retry
// counter advances. ex selects the executor; nil runs outside any
// transaction on the pooled connection.
func (l *Log) Record(ctx context.Context, ex postgres.Execer, e Entry) error {
	if ex == nil {
		ex = l.db.DB
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO crm_events_log (
			event_id, event_type, topic, partition, "offset", organization_id,
			event_timestamp, processing_status, error_message, retry_count,
			ingestion_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			processing_status = EXCLUDED.processing_status,
			error_message     = EXCLUDED.error_message,
			retry_count       = crm_events_log.retry_count + 1,
			ingestion_run_id  = EXCLUDED.ingestion_run_id,
			updated_at        = NOW()`,
		e.EventID, nullIfEmpty(string(e.EventType)), e.Topic, e.Partition, e.Offset,
		nullIfEmpty(e.OrganizationID), e.EventTimestamp.NullTime(),
		string(e.Status), nullIfEmpty(e.ErrorMessage), e.RunID,
	)
	if err != nil {
		return fmt.Errorf("recording audit entry for %s: %w", e.EventID, err)
	}

	l.logger.Debug("audit entry recorded",
		"event_id", e.EventID,
		"status", e.Status,
		"topic", e.Topic,
	)
	return nil
}

// RecordDecodeFailure audits a message that never yielded an event identity.
// The row is keyed by a synthetic id derived from the message coordinates, so
// redelivery of the same broken message lands on the same row.
func (l *Log) RecordDecodeFailure(ctx context.Context, ex postgres.Execer, derr *crm.DecodeError, runID string) error {
	return l.Record(ctx, ex, Entry{
		EventID:      derr.SyntheticKey(),
		Topic:        derr.Topic,
		Partition:    derr.Partition,
		Offset:       derr.Offset,
		Status:       crm.StatusFailed,
		ErrorMessage: derr.Err.Error(),
		RunID:        runID,
	})
}

// nullIfEmpty maps "" to SQL NULL so optional columns stay NULL instead of
// accumulating empty strings.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
