// Package idempotency answers "has this event already been fully processed"
// ahead of projection. Redis serves as a fast path; PostgreSQL's audit log is
// the source of truth, so a cold or unavailable cache only costs latency.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/pkg/metrics"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
	pkgredis "github.com/salespipe/crm-analytics-platform/pkg/redis"
)

const (
	seenKeyPrefix = "crm:ingest:seen:"
	seenValue     = "1"
)

// Cache is the subset of the Redis client the store uses. Satisfied by
// *redis.Client from pkg/redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Store is the idempotency gate.
type Store struct {
	db      *postgres.Client
	cache   Cache
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Store. cache may be nil, in which case every check goes to
// the database.
func New(db *postgres.Client, cache Cache, ttl time.Duration, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		cache:   cache,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "idempotency-gate"),
	}
}

// Seen reports whether eventID was already projected. Both processed and
// skipped audit rows count: a skipped row means the event was projected on an
// earlier delivery and the redelivery's upsert relabeled it, so the row must
// stay seen or a later cold-cache delivery would flip it back to processed.
// Cache errors other than a miss degrade to the database lookup; only a
// database failure is returned to the caller.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	if s.cache != nil {
		val, err := s.cache.Get(ctx, seenKeyPrefix+eventID)
		switch {
		case err == nil && val == seenValue:
			s.metrics.IdempotencyCacheHits.Inc()
			return true, nil
		case err != nil && !pkgredis.IsNilError(err):
			s.logger.Warn("idempotency cache degraded, falling back to database",
				"event_id", eventID, "error", err)
		}
		s.metrics.IdempotencyCacheMisses.Inc()
	}

	var seen bool
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM crm_events_log
			WHERE event_id = $1 AND processing_status IN ($2, $3)
		)`, eventID, string(crm.StatusProcessed), string(crm.StatusSkipped),
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("checking idempotency for %s: %w", eventID, err)
	}

	if seen && s.cache != nil {
		if err := s.cache.Set(ctx, seenKeyPrefix+eventID, seenValue, s.ttl); err != nil {
			s.logger.Warn("idempotency cache backfill failed", "event_id", eventID, "error", err)
		}
	}
	return seen, nil
}

// MarkSeen records a successfully processed event in the cache. Best effort:
// a cache write failure is logged, never surfaced, because the database row
// already exists.
func (s *Store) MarkSeen(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, seenKeyPrefix+eventID, seenValue, s.ttl); err != nil {
		s.logger.Warn("idempotency cache write failed", "event_id", eventID, "error", err)
	}
}
