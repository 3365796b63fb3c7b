package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunMetrics summarizes one ingestion run from the audit trail.
type RunMetrics struct {
	RunID         string     `json:"runId"`
	Processed     int64      `json:"processed"`
	Skipped       int64      `json:"skipped"`
	Failed        int64      `json:"failed"`
	Total         int64      `json:"total"`
	Organizations int64      `json:"organizations"`
	FirstEventAt  *time.Time `json:"firstEventAt,omitempty"`
	LastEventAt   *time.Time `json:"lastEventAt,omitempty"`
}

// IngestionMetrics aggregates the audit rows written under runID. Computed on
// demand from crm_events_log, so it needs no extra bookkeeping state and
// survives process restarts.
func (l *Log) IngestionMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	m := &RunMetrics{RunID: runID}

	rows, err := l.db.DB.QueryContext(ctx, `
		SELECT processing_status, COUNT(*)
		FROM crm_events_log
		WHERE ingestion_run_id = $1
		GROUP BY processing_status`, runID)
	if err != nil {
		return nil, fmt.Errorf("aggregating run %s statuses: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		switch status {
		case "processed":
			m.Processed = count
		case "skipped":
			m.Skipped = count
		case "failed":
			m.Failed = count
		}
		m.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	var first, last sql.NullTime
	err = l.db.DB.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT organization_id), MIN(event_timestamp), MAX(event_timestamp)
		FROM crm_events_log
		WHERE ingestion_run_id = $1 AND organization_id IS NOT NULL`, runID,
	).Scan(&m.Organizations, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("aggregating run %s span: %w", runID, err)
	}
	if first.Valid {
		m.FirstEventAt = &first.Time
	}
	if last.Valid {
		m.LastEventAt = &last.Time
	}

	return m, nil
}
