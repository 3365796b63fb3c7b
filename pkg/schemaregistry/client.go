// Package schemaregistry decodes Confluent wire-format Avro payloads via a
// Schema Registry. Codecs are cached per schema id after first resolution;
// concurrent lookups for the same id are collapsed with singleflight, and the
// registry round-trip is guarded by retry and a circuit breaker.
package schemaregistry

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/linkedin/goavro/v2"
	"github.com/riferrei/srclient"
	"golang.org/x/sync/singleflight"

	"github.com/salespipe/crm-analytics-platform/pkg/config"
	"github.com/salespipe/crm-analytics-platform/pkg/metrics"
	"github.com/salespipe/crm-analytics-platform/pkg/resilience"
)

// Confluent wire format: magic byte 0x00, 4-byte big-endian schema id, then
// the Avro-encoded body.
const (
	magicByte     = 0x00
	wireHeaderLen = 5
)

// IsWireFormat reports whether value starts with a Confluent wire-format
// header.
func IsWireFormat(value []byte) bool {
	return len(value) >= wireHeaderLen && value[0] == magicByte
}

// registry is the slice of srclient the decoder uses; tests swap in a stub.
type registry interface {
	GetSchema(schemaID int) (*srclient.Schema, error)
}

// Client resolves schema ids to Avro codecs and decodes wire-format payloads
// into JSON text.
type Client struct {
	registry registry
	group    singleflight.Group
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	codecs map[int]*goavro.Codec
}

// New creates a Client for the configured registry endpoint. Lookup outcomes
// are counted on m.SchemaRegistryLookups.
func New(cfg config.SchemaRegistryConfig, m *metrics.Metrics) *Client {
	rc := srclient.NewSchemaRegistryClient(cfg.URL)
	return &Client{
		registry: rc,
		breaker:  resilience.NewCircuitBreaker("schema-registry", resilience.CircuitBreakerConfig{}),
		retry:    resilience.RetryConfig{},
		metrics:  m,
		logger:   slog.Default().With("component", "schema-registry"),
		codecs:   make(map[int]*goavro.Codec),
	}
}

// Decode converts a wire-format Avro payload to its JSON text encoding, so
// downstream envelope parsing is identical for both transport encodings.
func (c *Client) Decode(ctx context.Context, value []byte) ([]byte, error) {
	if !IsWireFormat(value) {
		return nil, fmt.Errorf("payload is not confluent wire format (len=%d)", len(value))
	}
	schemaID := int(binary.BigEndian.Uint32(value[1:wireHeaderLen]))

	codec, err := c.codec(ctx, schemaID)
	if err != nil {
		return nil, fmt.Errorf("resolving schema %d: %w", schemaID, err)
	}

	native, _, err := codec.NativeFromBinary(value[wireHeaderLen:])
	if err != nil {
		return nil, fmt.Errorf("decoding avro body (schema %d): %w", schemaID, err)
	}
	text, err := codec.TextualFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("converting avro to json (schema %d): %w", schemaID, err)
	}
	return text, nil
}

// codec returns the cached codec for schemaID, fetching the schema from the
// registry on first use.
func (c *Client) codec(ctx context.Context, schemaID int) (*goavro.Codec, error) {
	c.mu.RLock()
	codec, ok := c.codecs[schemaID]
	c.mu.RUnlock()
	if ok {
		c.metrics.SchemaRegistryLookups.WithLabelValues("hit").Inc()
		return codec, nil
	}

	v, err, _ := c.group.Do(strconv.Itoa(schemaID), func() (any, error) {
		var schema *srclient.Schema
		err := resilience.Retry(ctx, "schema-registry-lookup", c.retry, func() error {
			return c.breaker.Execute(func() error {
				var lookupErr error
				schema, lookupErr = c.registry.GetSchema(schemaID)
				return lookupErr
			})
		})
		if err != nil {
			return nil, err
		}
		codec := schema.Codec()
		if codec == nil {
			return nil, fmt.Errorf("schema %d has no avro codec", schemaID)
		}
		c.mu.Lock()
		c.codecs[schemaID] = codec
		c.mu.Unlock()
		c.logger.Info("schema resolved", "schema_id", schemaID)
		return codec, nil
	})
	if err != nil {
		c.metrics.SchemaRegistryLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	c.metrics.SchemaRegistryLookups.WithLabelValues("fetch").Inc()
	return v.(*goavro.Codec), nil
}
