// Package crm defines the domain-change events flowing through the ingestion
// pipeline: the transport envelope, the typed event enumeration, and the
// three entity payload variants.
package crm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType enumerates every supported domain-change event. The set is fixed;
// an envelope carrying anything else is rejected before projection.
type EventType string

const (
	LeadCreated        EventType = "LeadCreated"
	LeadUpdated        EventType = "LeadUpdated"
	LeadConverted      EventType = "LeadConverted"
	ContactCreated     EventType = "ContactCreated"
	ContactUpdated     EventType = "ContactUpdated"
	OpportunityCreated EventType = "OpportunityCreated"
	OpportunityUpdated EventType = "OpportunityUpdated"
	OpportunityWon     EventType = "OpportunityWon"
	OpportunityLost    EventType = "OpportunityLost"
)

// EntityKind is the entity family an event type projects into.
type EntityKind string

const (
	KindLead        EntityKind = "lead"
	KindContact     EntityKind = "contact"
	KindOpportunity EntityKind = "opportunity"
)

var eventEntities = map[EventType]EntityKind{
	LeadCreated:        KindLead,
	LeadUpdated:        KindLead,
	LeadConverted:      KindLead,
	ContactCreated:     KindContact,
	ContactUpdated:     KindContact,
	OpportunityCreated: KindOpportunity,
	OpportunityUpdated: KindOpportunity,
	OpportunityWon:     KindOpportunity,
	OpportunityLost:    KindOpportunity,
}

// Valid reports whether t belongs to the supported enumeration.
func (t EventType) Valid() bool {
	_, ok := eventEntities[t]
	return ok
}

// Entity returns the entity family for t, or "" if t is unknown.
func (t EventType) Entity() EntityKind {
	return eventEntities[t]
}

// EventTime accepts both envelope timestamp encodings: RFC3339 strings and
// epoch-millisecond numbers.
type EventTime struct {
	time.Time
}

// UnmarshalJSON parses an RFC3339 string or an epoch-ms number; null yields
// the zero time.
func (t *EventTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", raw, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing epoch-ms timestamp %q: %w", s, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON emits RFC3339, matching the JSON producers.
func (t EventTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// NullTime maps the zero time to SQL NULL.
func (t EventTime) NullTime() sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.Time, Valid: true}
}

// Envelope is the transport-level message wrapper. Data stays raw until the
// event type selects its payload variant.
type Envelope struct {
	EventID        string          `json:"eventId"`
	EventType      EventType       `json:"eventType"`
	OrganizationID string          `json:"organizationId"`
	Timestamp      EventTime       `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// EntityPayload is the closed union over the three entity variants. It is
// never extended dynamically.
type EntityPayload interface {
	// EntityID returns the CRM entity identifier inside the payload.
	EntityID() string
	// Validate checks structural completeness of the variant.
	Validate() error
	entity() EntityKind
}

// LeadPayload carries the fields of a lead change.
type LeadPayload struct {
	ID         string    `json:"id"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone"`
	Company    string    `json:"company"`
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Score      int       `json:"score"`
	AssignedTo string    `json:"assignedTo"`
	CreatedAt  EventTime `json:"createdAt"`
	UpdatedAt  EventTime `json:"updatedAt"`
}

func (p *LeadPayload) EntityID() string   { return p.ID }
func (p *LeadPayload) entity() EntityKind { return KindLead }

func (p *LeadPayload) Validate() error {
	if p.ID == "" {
		return errors.New("lead payload missing id")
	}
	return nil
}

// ContactPayload carries the fields of a contact change. LeadID links the
// contact back to the lead it was converted from, when known.
type ContactPayload struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"leadId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Company   string    `json:"company"`
	Title     string    `json:"title"`
	CreatedAt EventTime `json:"createdAt"`
	UpdatedAt EventTime `json:"updatedAt"`
}

func (p *ContactPayload) EntityID() string   { return p.ID }
func (p *ContactPayload) entity() EntityKind { return KindContact }

func (p *ContactPayload) Validate() error {
	if p.ID == "" {
		return errors.New("contact payload missing id")
	}
	return nil
}

// OpportunityPayload carries the fields of an opportunity change.
type OpportunityPayload struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	LeadID            string    `json:"leadId"`
	ContactID         string    `json:"contactId"`
	Amount            float64   `json:"amount"`
	Currency          string    `json:"currency"`
	Stage             string    `json:"stage"`
	Probability       float64   `json:"probability"`
	ExpectedCloseDate EventTime `json:"expectedCloseDate"`
	CreatedAt         EventTime `json:"createdAt"`
	UpdatedAt         EventTime `json:"updatedAt"`
}

func (p *OpportunityPayload) EntityID() string   { return p.ID }
func (p *OpportunityPayload) entity() EntityKind { return KindOpportunity }

func (p *OpportunityPayload) Validate() error {
	if p.ID == "" {
		return errors.New("opportunity payload missing id")
	}
	return nil
}

// DomainEvent is a fully decoded, validated event ready for projection. It is
// transient: consumed by the projector and audit log, then discarded.
type DomainEvent struct {
	EventID        string
	Type           EventType
	OrganizationID string
	Timestamp      time.Time
	Payload        EntityPayload
	Metadata       map[string]any
}
