// crmgen publishes synthetic CRM envelopes to the ingestion topics. It is a
// load and correctness driver: alongside well-formed events it can inject
// duplicates, malformed bytes, and unknown event types at configurable rates,
// exercising every failure path of the ingestor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/config"
	"github.com/salespipe/crm-analytics-platform/pkg/kafka"
	"github.com/salespipe/crm-analytics-platform/pkg/logger"
)

var eventTypes = []crm.EventType{
	crm.LeadCreated, crm.LeadUpdated, crm.LeadConverted,
	crm.ContactCreated, crm.ContactUpdated,
	crm.OpportunityCreated, crm.OpportunityUpdated,
	crm.OpportunityWon, crm.OpportunityLost,
}

var leadSources = []string{"web", "referral", "event", "cold-call", "partner"}
var oppStages = []string{"prospecting", "qualification", "proposal", "negotiation", "closed"}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	count := flag.Int("count", 1000, "number of messages to publish")
	rate := flag.Int("rate", 200, "messages per second")
	orgs := flag.Int("orgs", 5, "number of distinct organizations")
	dupRate := flag.Float64("duplicates", 0.05, "fraction of messages that repeat an earlier envelope")
	malformedRate := flag.Float64("malformed", 0.02, "fraction of messages with broken JSON")
	unknownRate := flag.Float64("unknown", 0.02, "fraction of messages with an unknown eventType")
	seed := flag.Int64("seed", 0, "random seed (0 means time-based)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, "text")
	log := logger.WithComponent("crmgen")

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))
	gofakeit.Seed(*seed)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producers := map[crm.EntityKind]*kafka.Producer{
		crm.KindLead:        kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Leads),
		crm.KindContact:     kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Contacts),
		crm.KindOpportunity: kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Opportunities),
	}
	defer func() {
		for _, p := range producers {
			p.Close()
		}
	}()

	orgIDs := make([]string, *orgs)
	for i := range orgIDs {
		orgIDs[i] = fmt.Sprintf("org-%s", uuid.NewString()[:8])
	}

	log.Info("publishing synthetic CRM events",
		"count", *count,
		"rate", *rate,
		"seed", *seed,
	)

	ticker := time.NewTicker(tickInterval(*rate))
	defer ticker.Stop()

	var published, dups, broken, unknown int
	var history []kafka.Event
	historyKinds := []crm.EntityKind{}

	for i := 0; i < *count; i++ {
		select {
		case <-ctx.Done():
			log.Info("interrupted", "published", published)
			return
		case <-ticker.C:
		}

		roll := rng.Float64()
		switch {
		case roll < *dupRate && len(history) > 0:
			// Replay an earlier envelope byte-for-byte on its original topic.
			j := rng.Intn(len(history))
			if err := producers[historyKinds[j]].Publish(ctx, history[j]); err != nil {
				log.Error("publish failed", "error", err)
				continue
			}
			dups++
		case roll < *dupRate+*malformedRate:
			kind := randomKind(rng)
			garbage := []byte(gofakeit.Sentence(6) + "{{{")
			if err := producers[kind].PublishRaw(ctx, uuid.NewString(), garbage, nil); err != nil {
				log.Error("publish failed", "error", err)
				continue
			}
			broken++
		case roll < *dupRate+*malformedRate+*unknownRate:
			env := makeEnvelope(rng, crm.EventType("LeadDeleted"), crm.KindLead, orgIDs)
			ev := kafka.Event{Key: env.EventID, Value: env}
			if err := producers[crm.KindLead].Publish(ctx, ev); err != nil {
				log.Error("publish failed", "error", err)
				continue
			}
			unknown++
		default:
			eventType := eventTypes[rng.Intn(len(eventTypes))]
			kind := eventType.Entity()
			env := makeEnvelope(rng, eventType, kind, orgIDs)
			ev := kafka.Event{Key: env.EventID, Value: env}
			if err := producers[kind].Publish(ctx, ev); err != nil {
				log.Error("publish failed", "error", err)
				continue
			}
			history = append(history, ev)
			historyKinds = append(historyKinds, kind)
		}
		published++
	}

	log.Info("done",
		"published", published,
		"duplicates", dups,
		"malformed", broken,
		"unknown_type", unknown,
	)
}

// tickInterval converts a messages-per-second rate into a ticker period,
// clamping non-positive rates to one message per second.
func tickInterval(rate int) time.Duration {
	if rate < 1 {
		rate = 1
	}
	return time.Second / time.Duration(rate)
}

func randomKind(rng *rand.Rand) crm.EntityKind {
	kinds := []crm.EntityKind{crm.KindLead, crm.KindContact, crm.KindOpportunity}
	return kinds[rng.Intn(len(kinds))]
}

func makeEnvelope(rng *rand.Rand, eventType crm.EventType, kind crm.EntityKind, orgIDs []string) crm.Envelope {
	now := time.Now().UTC()
	var payload any
	switch kind {
	case crm.KindContact:
		payload = crm.ContactPayload{
			ID:        "contact-" + uuid.NewString()[:12],
			LeadID:    "lead-" + uuid.NewString()[:12],
			FirstName: gofakeit.FirstName(),
			LastName:  gofakeit.LastName(),
			Email:     gofakeit.Email(),
			Phone:     gofakeit.Phone(),
			Company:   gofakeit.Company(),
			Title:     gofakeit.JobTitle(),
			CreatedAt: crm.EventTime{Time: now.Add(-time.Duration(rng.Intn(720)) * time.Hour)},
			UpdatedAt: crm.EventTime{Time: now},
		}
	case crm.KindOpportunity:
		payload = crm.OpportunityPayload{
			ID:                "opp-" + uuid.NewString()[:12],
			Name:              gofakeit.Company() + " expansion",
			LeadID:            "lead-" + uuid.NewString()[:12],
			ContactID:         "contact-" + uuid.NewString()[:12],
			Amount:            gofakeit.Price(1000, 500000),
			Currency:          gofakeit.CurrencyShort(),
			Stage:             oppStages[rng.Intn(len(oppStages))],
			Probability:       float64(rng.Intn(101)) / 100,
			ExpectedCloseDate: crm.EventTime{Time: now.Add(time.Duration(rng.Intn(2160)) * time.Hour)},
			CreatedAt:         crm.EventTime{Time: now.Add(-time.Duration(rng.Intn(720)) * time.Hour)},
			UpdatedAt:         crm.EventTime{Time: now},
		}
	default:
		payload = crm.LeadPayload{
			ID:         "lead-" + uuid.NewString()[:12],
			FirstName:  gofakeit.FirstName(),
			LastName:   gofakeit.LastName(),
			Email:      gofakeit.Email(),
			Phone:      gofakeit.Phone(),
			Company:    gofakeit.Company(),
			Title:      gofakeit.JobTitle(),
			Source:     leadSources[rng.Intn(len(leadSources))],
			Status:     "open",
			Score:      rng.Intn(101),
			AssignedTo: gofakeit.Username(),
			CreatedAt:  crm.EventTime{Time: now.Add(-time.Duration(rng.Intn(720)) * time.Hour)},
			UpdatedAt:  crm.EventTime{Time: now},
		}
	}

	data, _ := json.Marshal(payload)
	return crm.Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		OrganizationID: orgIDs[rng.Intn(len(orgIDs))],
		Timestamp:      crm.EventTime{Time: now},
		Data:           data,
		Metadata: map[string]any{
			"source":  "crmgen",
			"version": "1",
		},
	}
}
