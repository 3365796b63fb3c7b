// Package consumer subscribes the ingestion pipeline to the CRM topics.
package consumer

import (
	"context"
	"log/slog"

	"github.com/salespipe/crm-analytics-platform/pkg/config"
	"github.com/salespipe/crm-analytics-platform/pkg/kafka"
)

// IngestConsumer runs the consumer group for the four CRM event topics and
// feeds every message through the pipeline handler.
type IngestConsumer struct {
	group  *kafka.Group
	topics []string
	logger *slog.Logger
}

// New wires the handler into a consumer group over the configured topics.
func New(cfg config.KafkaConfig, handler kafka.Handler) *IngestConsumer {
	return &IngestConsumer{
		group:  kafka.NewGroup(cfg, handler),
		topics: cfg.Topics.All(),
		logger: slog.Default().With("component", "crm-ingest-consumer"),
	}
}

// Start consumes until ctx is cancelled. It returns once every partition
// worker has drained.
func (c *IngestConsumer) Start(ctx context.Context) error {
	c.logger.Info("ingestion consumer starting", "topics", c.topics)
	return c.group.Start(ctx)
}
