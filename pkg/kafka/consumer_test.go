package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"
)

// fakeFetcher serves a fixed message slice, then blocks until the context is
// cancelled, mimicking an idle broker connection.
type fakeFetcher struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	idx     int
	commits []kafka.Message
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.idx < len(f.msgs) {
		m := f.msgs[f.idx]
		f.idx++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, msgs...)
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) committed() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kafka.Message, len(f.commits))
	copy(out, f.commits)
	return out
}

func testConsumer(reader fetcher, handler Handler) *Consumer {
	return &Consumer{
		reader:     reader,
		handler:    handler,
		sem:        semaphore.NewWeighted(8),
		queueDepth: 16,
		logger:     slog.Default(),
	}
}

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "crm-leads", Partition: partition, Offset: offset}
}

func TestConsumerPreservesPartitionOrder(t *testing.T) {
	reader := &fakeFetcher{msgs: []kafka.Message{
		msgAt(0, 1), msgAt(1, 10), msgAt(0, 2), msgAt(1, 11), msgAt(0, 3),
	}}

	var mu sync.Mutex
	seen := map[int][]int64{}
	handled := make(chan struct{}, len(reader.msgs))
	handler := func(_ context.Context, msg RawMessage) error {
		mu.Lock()
		seen[msg.Partition] = append(seen[msg.Partition], msg.Offset)
		mu.Unlock()
		handled <- struct{}{}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testConsumer(reader, handler).Start(ctx) }()

	for i := 0; i < len(reader.msgs); i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages to be handled")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("consumer returned error: %v", err)
	}

	if got, want := seen[0], []int64{1, 2, 3}; !int64SliceEqual(got, want) {
		t.Errorf("partition 0 order = %v, want %v", got, want)
	}
	if got, want := seen[1], []int64{10, 11}; !int64SliceEqual(got, want) {
		t.Errorf("partition 1 order = %v, want %v", got, want)
	}
}

func TestConsumerCommitsAfterHandle(t *testing.T) {
	reader := &fakeFetcher{msgs: []kafka.Message{msgAt(0, 1), msgAt(0, 2)}}
	handled := make(chan struct{}, 2)
	handler := func(_ context.Context, _ RawMessage) error {
		handled <- struct{}{}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testConsumer(reader, handler).Start(ctx) }()

	<-handled
	<-handled
	cancel()
	<-done

	commits := reader.committed()
	if len(commits) != 2 {
		t.Fatalf("commit count = %d, want 2", len(commits))
	}
	if commits[0].Offset != 1 || commits[1].Offset != 2 {
		t.Errorf("commits out of order: %v, %v", commits[0].Offset, commits[1].Offset)
	}
}

func TestConsumerStopsSessionOnHandlerError(t *testing.T) {
	// A failed offset must end the session before any later offset on the
	// same partition commits: committing offset 2 would mark offset 1
	// consumed and the group would never redeliver it.
	reader := &fakeFetcher{msgs: []kafka.Message{msgAt(0, 1), msgAt(0, 2)}}
	boom := errors.New("transient store error")
	handler := func(_ context.Context, msg RawMessage) error {
		if msg.Offset == 1 {
			return boom
		}
		return nil
	}

	err := testConsumer(reader, handler).Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("session must end with the handler error, got %v", err)
	}
	if commits := reader.committed(); len(commits) != 0 {
		t.Errorf("no offset may commit past the failed message, got %v", commits)
	}
}

func TestConsumerFailureInOnePartitionStopsSiblings(t *testing.T) {
	// The session is one group member; a fatal failure on any partition
	// tears the whole session down so the rebalance can redeliver.
	reader := &fakeFetcher{msgs: []kafka.Message{msgAt(0, 1), msgAt(1, 10)}}
	boom := errors.New("transient store error")
	handled := make(chan int64, 2)
	handler := func(_ context.Context, msg RawMessage) error {
		handled <- msg.Offset
		if msg.Partition == 0 {
			return boom
		}
		return nil
	}

	err := testConsumer(reader, handler).Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("session must surface the partition failure, got %v", err)
	}
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
