// Package projector routes decoded domain events to per-entity staging
// upserts. Every handler is a single INSERT with ON CONFLICT (event_id) DO
// NOTHING, so even racing deliveries of one event cannot produce two staging
// rows.
package projector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
)

// Projector dispatches events by entity family.
type Projector struct {
	logger *slog.Logger
}

// New creates a Projector.
func New() *Projector {
	return &Projector{
		logger: slog.Default().With("component", "entity-projector"),
	}
}

// Project upserts the event into its staging table on the given executor
// (normally the per-event transaction). Errors propagate for rollback.
func (p *Projector) Project(ctx context.Context, ex postgres.Execer, event *crm.DomainEvent, runID string) error {
	switch event.Type.Entity() {
	case crm.KindLead:
		return p.projectLead(ctx, ex, event, runID)
	case crm.KindContact:
		return p.projectContact(ctx, ex, event, runID)
	case crm.KindOpportunity:
		return p.projectOpportunity(ctx, ex, event, runID)
	default:
		return fmt.Errorf("%w: %q", crm.ErrUnsupportedEventType, event.Type)
	}
}
