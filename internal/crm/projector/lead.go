package projector

import (
	"context"
	"fmt"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
)

// projectLead lands a lead event in crm_leads_staging.
//
// It requires a `crm_leads_staging` table:
//
//	CREATE TABLE crm_leads_staging (
//	    id               BIGSERIAL PRIMARY KEY,
//	    event_id         TEXT NOT NULL UNIQUE,
//	    event_type       TEXT NOT NULL,
//	    organization_id  TEXT NOT NULL,
//	    event_timestamp  TIMESTAMPTZ,
//	    ingestion_run_id TEXT NOT NULL,
//	    lead_id          TEXT NOT NULL,
//	    first_name       TEXT,
//	    last_name        TEXT,
//	    email            TEXT,
//	    phone            TEXT,
//	    company          TEXT,
//	    title            TEXT,
//	    source           TEXT,
//	    status           TEXT,
//	    score            INTEGER,
//	    assigned_to      TEXT,
//	    created_at       TIMESTAMPTZ,
//	    updated_at       TIMESTAMPTZ,
//	    ingested_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
func (p *Projector) projectLead(ctx context.Context, ex postgres.Execer, event *crm.DomainEvent, runID string) error {
	lead, ok := event.Payload.(*crm.LeadPayload)
	if !ok {
		return fmt.Errorf("event %s: payload is not a lead", event.EventID)
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO crm_leads_staging (
			event_id, event_type, organization_id, event_timestamp, ingestion_run_id,
			lead_id, first_name, last_name, email, phone, company, title,
			source, status, score, assigned_to, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, string(event.Type), event.OrganizationID, event.Timestamp, runID,
		lead.ID, lead.FirstName, lead.LastName, lead.Email, lead.Phone, lead.Company, lead.Title,
		lead.Source, lead.Status, lead.Score, lead.AssignedTo, lead.CreatedAt.NullTime(), lead.UpdatedAt.NullTime(),
	)
	if err != nil {
		return fmt.Errorf("upserting lead staging row for event %s: %w", event.EventID, err)
	}
	p.logger.Debug("lead projected", "event_id", event.EventID, "lead_id", lead.ID)
	return nil
}
