package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/salespipe/crm-analytics-platform/pkg/metrics"
)

type fakeCache struct {
	values map[string]string
	getErr error
	setErr error
	sets   []string
}

func (f *fakeCache) Get(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", errors.New("redis: nil")
	}
	return v, nil
}

func (f *fakeCache) Set(_ context.Context, key string, _ interface{}, _ time.Duration) error {
	f.sets = append(f.sets, key)
	return f.setErr
}

func testMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func TestSeenCacheHit(t *testing.T) {
	cache := &fakeCache{values: map[string]string{"crm:ingest:seen:e1": "1"}}
	s := New(nil, cache, time.Hour, testMetrics())

	seen, err := s.Seen(context.Background(), "e1")
	if err != nil {
		t.Fatalf("seen failed: %v", err)
	}
	if !seen {
		t.Error("expected cache hit to report seen")
	}
}

func TestMarkSeenWritesCacheKey(t *testing.T) {
	cache := &fakeCache{values: map[string]string{}}
	s := New(nil, cache, time.Hour, testMetrics())

	s.MarkSeen(context.Background(), "e2")
	if len(cache.sets) != 1 || cache.sets[0] != "crm:ingest:seen:e2" {
		t.Errorf("expected one cache write for e2, got %v", cache.sets)
	}
}

func TestMarkSeenSwallowsCacheError(t *testing.T) {
	cache := &fakeCache{setErr: errors.New("connection refused")}
	s := New(nil, cache, time.Hour, testMetrics())

	// Must not panic or surface the error; the database row is the truth.
	s.MarkSeen(context.Background(), "e3")
}

func TestMarkSeenWithoutCache(t *testing.T) {
	s := New(nil, nil, time.Hour, testMetrics())
	s.MarkSeen(context.Background(), "e4")
}
