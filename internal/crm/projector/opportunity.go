package projector

import (
	"context"
	"fmt"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
)

// projectOpportunity lands an opportunity event in crm_opportunities_staging.
//
// It requires a `crm_opportunities_staging` table:
//
//	CREATE TABLE crm_opportunities_staging (
//	    id                  BIGSERIAL PRIMARY KEY,
//	    event_id            TEXT NOT NULL UNIQUE,
//	    event_type          TEXT NOT NULL,
//	    organization_id     TEXT NOT NULL,
//	    event_timestamp     TIMESTAMPTZ,
//	    ingestion_run_id    TEXT NOT NULL,
//	    opportunity_id      TEXT NOT NULL,
//	    name                TEXT,
//	    lead_id             TEXT,
//	    contact_id          TEXT,
//	    amount              NUMERIC(14,2),
//	    currency            TEXT,
//	    stage               TEXT,
//	    probability         DOUBLE PRECISION,
//	    expected_close_date TIMESTAMPTZ,
//	    created_at          TIMESTAMPTZ,
//	    updated_at          TIMESTAMPTZ,
//	    ingested_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
func (p *Projector) projectOpportunity(ctx context.Context, ex postgres.Execer, event *crm.DomainEvent, runID string) error {
	opp, ok := event.Payload.(*crm.OpportunityPayload)
	if !ok {
		return fmt.Errorf("event %s: payload is not an opportunity", event.EventID)
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO crm_opportunities_staging (
			event_id, event_type, organization_id, event_timestamp, ingestion_run_id,
			opportunity_id, name, lead_id, contact_id, amount, currency, stage,
			probability, expected_close_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, string(event.Type), event.OrganizationID, event.Timestamp, runID,
		opp.ID, opp.Name, opp.LeadID, opp.ContactID, opp.Amount, opp.Currency, opp.Stage,
		opp.Probability, opp.ExpectedCloseDate.NullTime(), opp.CreatedAt.NullTime(), opp.UpdatedAt.NullTime(),
	)
	if err != nil {
		return fmt.Errorf("upserting opportunity staging row for event %s: %w", event.EventID, err)
	}
	p.logger.Debug("opportunity projected", "event_id", event.EventID, "opportunity_id", opp.ID)
	return nil
}
