package decoder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/kafka"
)

// fakeRegistry returns a canned JSON document for any wire-format payload.
type fakeRegistry struct {
	out []byte
	err error
}

func (f *fakeRegistry) Decode(_ context.Context, _ []byte) ([]byte, error) {
	return f.out, f.err
}

func jsonMsg(topic string, value string) kafka.RawMessage {
	return kafka.RawMessage{
		Topic:     topic,
		Partition: 0,
		Offset:    100,
		Value:     []byte(value),
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestDecodeJSONLeadCreated(t *testing.T) {
	d := New(nil)
	msg := jsonMsg("crm-leads", `{
		"eventId": "e1",
		"eventType": "LeadCreated",
		"organizationId": "org-1",
		"timestamp": "2026-03-01T09:59:00Z",
		"data": {"id": "lead-42", "firstName": "Ada", "email": "ada@example.com", "score": 87}
	}`)

	event, err := d.Decode(context.Background(), msg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event.EventID != "e1" {
		t.Errorf("event id = %q, want e1", event.EventID)
	}
	if event.Type != crm.LeadCreated {
		t.Errorf("event type = %q, want LeadCreated", event.Type)
	}
	if event.OrganizationID != "org-1" {
		t.Errorf("organization = %q, want org-1", event.OrganizationID)
	}
	lead, ok := event.Payload.(*crm.LeadPayload)
	if !ok {
		t.Fatalf("payload is %T, want *crm.LeadPayload", event.Payload)
	}
	if lead.ID != "lead-42" || lead.Score != 87 {
		t.Errorf("unexpected lead payload: %+v", lead)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	d := New(nil)
	msg := jsonMsg("crm-events", `{not json`)

	_, err := d.Decode(context.Background(), msg)
	var derr *crm.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *crm.DecodeError, got %v", err)
	}
	if got, want := derr.SyntheticKey(), "parse-failure-crm-events-0-100"; got != want {
		t.Errorf("synthetic key = %q, want %q", got, want)
	}
}

func TestDecodeMissingEnvelopeFields(t *testing.T) {
	d := New(nil)
	cases := map[string]string{
		"missing eventId":        `{"eventType": "LeadCreated", "organizationId": "org-1", "data": {"id": "l1"}}`,
		"missing eventType":      `{"eventId": "e2", "organizationId": "org-1", "data": {"id": "l1"}}`,
		"missing organizationId": `{"eventId": "e3", "eventType": "LeadCreated", "data": {"id": "l1"}}`,
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode(context.Background(), jsonMsg("crm-leads", value))
			var derr *crm.DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("expected *crm.DecodeError, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownEventType(t *testing.T) {
	d := New(nil)
	msg := jsonMsg("crm-leads", `{
		"eventId": "e9",
		"eventType": "LeadDeleted",
		"organizationId": "org-1",
		"data": {"id": "lead-9"}
	}`)

	_, err := d.Decode(context.Background(), msg)
	var everr *crm.EventError
	if !errors.As(err, &everr) {
		t.Fatalf("expected *crm.EventError, got %v", err)
	}
	if everr.EventID != "e9" {
		t.Errorf("event error carries id %q, want e9", everr.EventID)
	}
	if !errors.Is(err, crm.ErrUnsupportedEventType) {
		t.Error("expected error to wrap ErrUnsupportedEventType")
	}
}

func TestDecodeInvalidPayload(t *testing.T) {
	d := New(nil)
	msg := jsonMsg("crm-contacts", `{
		"eventId": "e10",
		"eventType": "ContactCreated",
		"organizationId": "org-1",
		"data": {"firstName": "NoID"}
	}`)

	_, err := d.Decode(context.Background(), msg)
	var everr *crm.EventError
	if !errors.As(err, &everr) {
		t.Fatalf("expected *crm.EventError, got %v", err)
	}
	if everr.EventID != "e10" {
		t.Errorf("event error carries id %q, want e10", everr.EventID)
	}
}

func TestDecodeBinaryWithoutRegistry(t *testing.T) {
	d := New(nil)
	msg := jsonMsg("crm-leads", "")
	msg.Value = []byte{0x00, 0x00, 0x00, 0x00, 0x07, 0x02, 0x04}

	_, err := d.Decode(context.Background(), msg)
	var derr *crm.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *crm.DecodeError, got %v", err)
	}
}

func TestDecodeBinaryViaRegistry(t *testing.T) {
	reg := &fakeRegistry{out: []byte(`{
		"eventId": "e11",
		"eventType": "OpportunityWon",
		"organizationId": "org-2",
		"timestamp": 1767225600000,
		"data": {"id": "opp-7", "amount": 120000.50, "stage": "closed"}
	}`)}
	d := New(reg)
	msg := jsonMsg("crm-opportunities", "")
	msg.Value = []byte{0x00, 0x00, 0x00, 0x00, 0x07, 0x02, 0x04}

	event, err := d.Decode(context.Background(), msg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event.Type != crm.OpportunityWon {
		t.Errorf("event type = %q, want OpportunityWon", event.Type)
	}
	opp, ok := event.Payload.(*crm.OpportunityPayload)
	if !ok {
		t.Fatalf("payload is %T, want *crm.OpportunityPayload", event.Payload)
	}
	if opp.Amount != 120000.50 {
		t.Errorf("amount = %v, want 120000.50", opp.Amount)
	}
}

func TestDecodeBinaryByHeader(t *testing.T) {
	// Content-type header marks the message binary even without the magic
	// byte, and a registry failure must surface as a decode error.
	reg := &fakeRegistry{err: errors.New("schema 7 not found")}
	d := New(reg)
	msg := jsonMsg("crm-leads", `irrelevant`)
	msg.Headers = map[string]string{"content-type": "application/avro"}

	_, err := d.Decode(context.Background(), msg)
	var derr *crm.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *crm.DecodeError, got %v", err)
	}
}

func TestDecodeTimestampFallback(t *testing.T) {
	d := New(nil)
	msg := jsonMsg("crm-leads", `{
		"eventId": "e12",
		"eventType": "LeadUpdated",
		"organizationId": "org-1",
		"data": {"id": "lead-12"}
	}`)

	event, err := d.Decode(context.Background(), msg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !event.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("timestamp = %v, want message time %v", event.Timestamp, msg.Timestamp)
	}
}
