package crm

import (
	"errors"
	"fmt"
)

// ProcessingStatus is the terminal outcome recorded for an event in the
// ingestion audit log.
type ProcessingStatus string

const (
	StatusProcessed ProcessingStatus = "processed"
	StatusSkipped   ProcessingStatus = "skipped"
	StatusFailed    ProcessingStatus = "failed"
)

// Sentinel errors for the pipeline's failure taxonomy. Duplicates are not
// errors: a redelivered event is recorded as skipped.
var (
	// ErrUnsupportedEventType marks an envelope whose eventType is outside
	// the known enumeration. Recorded as failed, never retried.
	ErrUnsupportedEventType = errors.New("unsupported event type")

	// ErrTransientStore marks a connectivity-level store failure. It
	// surfaces out of the per-message handler so the offset stays
	// uncommitted and the transport redelivers.
	ErrTransientStore = errors.New("transient store error")
)

// DecodeError reports a message that could not be turned into a DomainEvent:
// malformed bytes, unknown schema, or missing envelope fields. It carries the
// message coordinates so the audit log can record the drop without a real
// event id.
type DecodeError struct {
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding message %s/%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SyntheticKey returns the audit-log key used when no eventId is available,
// so every dropped message still leaves a trace.
func (e *DecodeError) SyntheticKey() string {
	return fmt.Sprintf("parse-failure-%s-%d-%d", e.Topic, e.Partition, e.Offset)
}

// EventError reports a structurally parsed envelope that cannot be projected
// (for example an unsupported event type). Unlike DecodeError it carries the
// real event identity, so the audit row lands under the true eventId.
type EventError struct {
	EventID        string
	EventType      EventType
	OrganizationID string
	Err            error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}
