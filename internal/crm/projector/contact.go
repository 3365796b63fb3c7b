package projector

import (
	"context"
	"fmt"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
)

// projectContact lands a contact event in crm_contacts_staging.
//
// It requires a `crm_contacts_staging` table:
//
//	CREATE TABLE crm_contacts_staging (
//	    id               BIGSERIAL PRIMARY KEY,
//	    event_id         TEXT NOT NULL UNIQUE,
//	    event_type       TEXT NOT NULL,
//	    organization_id  TEXT NOT NULL,
//	    event_timestamp  TIMESTAMPTZ,
//	    ingestion_run_id TEXT NOT NULL,
//	    contact_id       TEXT NOT NULL,
//	    lead_id          TEXT,
//	    first_name       TEXT,
//	    last_name        TEXT,
//	    email            TEXT,
//	    phone            TEXT,
//	    company          TEXT,
//	    title            TEXT,
//	    created_at       TIMESTAMPTZ,
//	    updated_at       TIMESTAMPTZ,
//	    ingested_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
func (p *Projector) projectContact(ctx context.Context, ex postgres.Execer, event *crm.DomainEvent, runID string) error {
	contact, ok := event.Payload.(*crm.ContactPayload)
	if !ok {
		return fmt.Errorf("event %s: payload is not a contact", event.EventID)
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO crm_contacts_staging (
			event_id, event_type, organization_id, event_timestamp, ingestion_run_id,
			contact_id, lead_id, first_name, last_name, email, phone, company, title,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, string(event.Type), event.OrganizationID, event.Timestamp, runID,
		contact.ID, contact.LeadID, contact.FirstName, contact.LastName, contact.Email,
		contact.Phone, contact.Company, contact.Title,
		contact.CreatedAt.NullTime(), contact.UpdatedAt.NullTime(),
	)
	if err != nil {
		return fmt.Errorf("upserting contact staging row for event %s: %w", event.EventID, err)
	}
	p.logger.Debug("contact projected", "event_id", event.EventID, "contact_id", contact.ID)
	return nil
}
