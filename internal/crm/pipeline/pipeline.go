// Package pipeline composes the per-message processing chain: decode,
// idempotency check, transactional projection plus audit write. One invocation
// handles exactly one message and decides whether its offset may advance.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/internal/crm/audit"
	"github.com/salespipe/crm-analytics-platform/pkg/kafka"
	"github.com/salespipe/crm-analytics-platform/pkg/metrics"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
	"github.com/salespipe/crm-analytics-platform/pkg/resilience"
	"github.com/salespipe/crm-analytics-platform/pkg/tracing"
)

// Decoder turns raw message bytes into a validated domain event.
type Decoder interface {
	Decode(ctx context.Context, msg kafka.RawMessage) (*crm.DomainEvent, error)
}

// Gate answers whether an event was already fully processed.
type Gate interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string)
}

// Projector lands an event in its staging table.
type Projector interface {
	Project(ctx context.Context, ex postgres.Execer, event *crm.DomainEvent, runID string) error
}

// AuditLog records per-message outcomes.
type AuditLog interface {
	Record(ctx context.Context, ex postgres.Execer, e audit.Entry) error
	RecordDecodeFailure(ctx context.Context, ex postgres.Execer, derr *crm.DecodeError, runID string) error
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Deps carries everything a handler invocation needs.
type Deps struct {
	Decoder   Decoder
	Gate      Gate
	Projector Projector
	Audit     AuditLog
	Tx        TxRunner
	Metrics   *metrics.Metrics
	// Timeout bounds one message's processing; zero disables the bound.
	Timeout time.Duration
}

// Handler builds the per-message handler for one ingestion run. Offset
// semantics: a nil return means the message reached a terminal audit state
// (processed, skipped, or failed) and its offset may commit; an error return
// means the outcome could not be durably recorded and the message must be
// redelivered.
func Handler(deps Deps, runID string) kafka.Handler {
	logger := slog.Default().With("component", "ingestion-pipeline", "run_id", runID)
	return func(ctx context.Context, msg kafka.RawMessage) error {
		return resilience.WithTimeout(ctx, deps.Timeout, "process-event", func(ctx context.Context) error {
			return process(ctx, deps, runID, msg, logger)
		})
	}
}

func process(ctx context.Context, deps Deps, runID string, msg kafka.RawMessage, logger *slog.Logger) error {
	start := time.Now()
	deps.Metrics.EventsConsumedTotal.WithLabelValues(msg.Topic).Inc()
	defer func() {
		deps.Metrics.ProcessingDuration.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
	}()

	ctx, span := tracing.StartSpan(ctx, "ingest-event",
		fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset))
	defer func() {
		span.End()
		span.Log()
	}()

	event, err := deps.Decoder.Decode(ctx, msg)
	if err != nil {
		return recordDecodeOutcome(ctx, deps, runID, msg, err, logger)
	}
	span.SetAttr("event_id", event.EventID)
	span.SetAttr("event_type", string(event.Type))

	seen, err := deps.Gate.Seen(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("%w: idempotency check for %s: %v", crm.ErrTransientStore, event.EventID, err)
	}

	entry := audit.Entry{
		EventID:        event.EventID,
		EventType:      event.Type,
		Topic:          msg.Topic,
		Partition:      msg.Partition,
		Offset:         msg.Offset,
		OrganizationID: event.OrganizationID,
		EventTimestamp: crm.EventTime{Time: event.Timestamp},
		RunID:          runID,
	}

	if seen {
		entry.Status = crm.StatusSkipped
		if err := deps.Audit.Record(ctx, nil, entry); err != nil {
			deps.Metrics.AuditWriteFailures.Inc()
			return fmt.Errorf("%w: recording skip for %s: %v", crm.ErrTransientStore, event.EventID, err)
		}
		deps.Metrics.EventsProcessedTotal.WithLabelValues(string(crm.StatusSkipped)).Inc()
		logger.Info("duplicate event skipped", "event_id", event.EventID, "topic", msg.Topic)
		return nil
	}

	entry.Status = crm.StatusProcessed
	deps.Metrics.InFlightTransactions.Inc()
	err = deps.Tx.InTx(ctx, func(tx *sql.Tx) error {
		if err := deps.Projector.Project(ctx, tx, event, runID); err != nil {
			return err
		}
		return deps.Audit.Record(ctx, tx, entry)
	})
	deps.Metrics.InFlightTransactions.Dec()
	if err != nil {
		return recordProjectionFailure(ctx, deps, entry, err, logger)
	}

	deps.Gate.MarkSeen(ctx, event.EventID)
	deps.Metrics.EventsProcessedTotal.WithLabelValues(string(crm.StatusProcessed)).Inc()
	logger.Info("event projected",
		"event_id", event.EventID,
		"event_type", event.Type,
		"organization_id", event.OrganizationID,
		"topic", msg.Topic,
		"offset", msg.Offset,
	)
	return nil
}

// recordDecodeOutcome audits a message the decoder rejected. Decode failures
// never block the partition: once the failure row is written the offset may
// advance, and only an unwritable audit row forces redelivery.
func recordDecodeOutcome(ctx context.Context, deps Deps, runID string, msg kafka.RawMessage, err error, logger *slog.Logger) error {
	var derr *crm.DecodeError
	if errors.As(err, &derr) {
		deps.Metrics.DecodeFailuresTotal.WithLabelValues(msg.Topic).Inc()
		if aerr := deps.Audit.RecordDecodeFailure(ctx, nil, derr, runID); aerr != nil {
			deps.Metrics.AuditWriteFailures.Inc()
			return fmt.Errorf("%w: recording decode failure: %v", crm.ErrTransientStore, aerr)
		}
		deps.Metrics.EventsProcessedTotal.WithLabelValues(string(crm.StatusFailed)).Inc()
		logger.Warn("message dropped: undecodable",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", derr.Err,
		)
		return nil
	}

	var everr *crm.EventError
	if errors.As(err, &everr) {
		entry := audit.Entry{
			EventID:        everr.EventID,
			EventType:      everr.EventType,
			Topic:          msg.Topic,
			Partition:      msg.Partition,
			Offset:         msg.Offset,
			OrganizationID: everr.OrganizationID,
			Status:         crm.StatusFailed,
			ErrorMessage:   everr.Err.Error(),
			RunID:          runID,
		}
		if aerr := deps.Audit.Record(ctx, nil, entry); aerr != nil {
			deps.Metrics.AuditWriteFailures.Inc()
			return fmt.Errorf("%w: recording failure for %s: %v", crm.ErrTransientStore, everr.EventID, aerr)
		}
		deps.Metrics.EventsProcessedTotal.WithLabelValues(string(crm.StatusFailed)).Inc()
		logger.Warn("event rejected",
			"event_id", everr.EventID,
			"event_type", everr.EventType,
			"error", everr.Err,
		)
		return nil
	}

	return err
}

// recordProjectionFailure audits a transaction that rolled back. Permanent
// failures (constraint violations, unsupported types) are terminal and let the
// offset advance; transient connectivity failures surface so the transport
// redelivers.
func recordProjectionFailure(ctx context.Context, deps Deps, entry audit.Entry, err error, logger *slog.Logger) error {
	permanent := errors.Is(err, crm.ErrUnsupportedEventType) || !postgres.IsTransient(err)

	entry.Status = crm.StatusFailed
	entry.ErrorMessage = err.Error()
	if aerr := deps.Audit.Record(ctx, nil, entry); aerr != nil {
		deps.Metrics.AuditWriteFailures.Inc()
		return fmt.Errorf("%w: recording failure for %s: %v", crm.ErrTransientStore, entry.EventID, aerr)
	}
	deps.Metrics.EventsProcessedTotal.WithLabelValues(string(crm.StatusFailed)).Inc()

	if permanent {
		logger.Error("event failed permanently",
			"event_id", entry.EventID,
			"event_type", entry.EventType,
			"error", err,
		)
		return nil
	}
	logger.Warn("event failed transiently, leaving offset uncommitted",
		"event_id", entry.EventID,
		"error", err,
	)
	return fmt.Errorf("%w: projecting event %s: %v", crm.ErrTransientStore, entry.EventID, err)
}
