package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerbi/searchcore/pkg/config"
	"github.com/glimmerbi/searchcore/pkg/index"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

type fakeStore struct {
	mu       sync.Mutex
	upserts  []searchdoc.SearchDocument
	deletes  map[searchdoc.Model][]int64
	failures int
	calls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{deletes: make(map[searchdoc.Model][]int64)}
}

func (s *fakeStore) ActiveTable(context.Context) (*index.TableRef, error) {
	return &index.TableRef{Name: "search_index"}, nil
}

func (s *fakeStore) BatchUpsert(_ context.Context, _ index.TableRef, docs []searchdoc.SearchDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	s.upserts = append(s.upserts, docs...)
	return nil
}

func (s *fakeStore) DeleteDocuments(_ context.Context, _ index.TableRef, model searchdoc.Model, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[model] = append(s.deletes[model], ids...)
	return nil
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func (s *fakeStore) deleted(model searchdoc.Model) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.deletes[model]...)
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeBuilder struct {
	model searchdoc.Model
	gone  map[int64]bool
}

func (b *fakeBuilder) Model() searchdoc.Model { return b.model }

func (b *fakeBuilder) BuildDocument(_ context.Context, id int64) (*searchdoc.SearchDocument, error) {
	if b.gone[id] {
		return nil, searchdoc.ErrEntityGone
	}
	now := time.Now()
	return &searchdoc.SearchDocument{
		Model:     b.model,
		ModelID:   id,
		Name:      fmt.Sprintf("%s %d", b.model, id),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (b *fakeBuilder) ListIDs(context.Context) ([]int64, error) { return nil, nil }

func (b *fakeBuilder) FilterExisting(_ context.Context, ids []int64) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		if !b.gone[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func testRegistry() *searchdoc.Registry {
	registry := searchdoc.NewRegistry()
	registry.Register(&fakeBuilder{model: searchdoc.ModelCard})
	registry.Register(&fakeBuilder{model: searchdoc.ModelDashboard, gone: map[int64]bool{7: true}})
	return registry
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		QueueCapacity: 64,
		BatchSize:     2,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}
}

func startQueue(t *testing.T, store DocumentStore, cfg config.IngestConfig) *Queue {
	q := NewQueue(store, testRegistry(), cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-q.Done()
	})
	return q
}

func TestQueueFlushesBySize(t *testing.T) {
	store := newFakeStore()
	q := startQueue(t, store, testConfig())

	q.EnqueueBatch([]Entry{
		{Model: searchdoc.ModelCard, ID: 1},
		{Model: searchdoc.ModelCard, ID: 2},
	})

	require.Eventually(t, func() bool { return store.upsertCount() == 2 },
		time.Second, 5*time.Millisecond)
	assert.True(t, q.WaitForDrain(context.Background(), time.Second, time.Millisecond))
}

func TestQueueFlushesByTimeWindow(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.BatchSize = 50
	q := startQueue(t, store, cfg)

	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 1})

	require.Eventually(t, func() bool { return store.upsertCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, q.PendingCount())
}

func TestQueueTranslatesDeletes(t *testing.T) {
	store := newFakeStore()
	q := startQueue(t, store, testConfig())

	q.EnqueueBatch([]Entry{
		{Model: searchdoc.ModelCard, ID: 3, Deleted: true},
		{Model: searchdoc.ModelCard, ID: 4},
	})

	require.Eventually(t, func() bool { return len(store.deleted(searchdoc.ModelCard)) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{3}, store.deleted(searchdoc.ModelCard))
	assert.Equal(t, 1, store.upsertCount())
}

func TestQueueTurnsGoneEntityIntoDelete(t *testing.T) {
	store := newFakeStore()
	q := startQueue(t, store, testConfig())

	// Dashboard 7 is configured to no longer exist at build time.
	q.EnqueueBatch([]Entry{
		{Model: searchdoc.ModelDashboard, ID: 7},
		{Model: searchdoc.ModelCard, ID: 1},
	})

	require.Eventually(t, func() bool { return len(store.deleted(searchdoc.ModelDashboard)) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{7}, store.deleted(searchdoc.ModelDashboard))
}

func TestQueueDedupesKeepingNewestState(t *testing.T) {
	store := newFakeStore()
	q := NewQueue(store, testRegistry(), testConfig(), nil, nil)

	q.processBatch(context.Background(), []Entry{
		{Model: searchdoc.ModelCard, ID: 5},
		{Model: searchdoc.ModelCard, ID: 5, Deleted: true},
	})

	assert.Equal(t, []int64{5}, store.deleted(searchdoc.ModelCard))
	assert.Zero(t, store.upsertCount(), "the earlier upsert should have been superseded")
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	store := newFakeStore()
	store.failures = 1
	q := startQueue(t, store, testConfig())

	q.EnqueueBatch([]Entry{
		{Model: searchdoc.ModelCard, ID: 1},
		{Model: searchdoc.ModelCard, ID: 2},
	})

	require.Eventually(t, func() bool { return store.upsertCount() == 2 },
		time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, store.callCount(), 2)
	assert.True(t, q.WaitForDrain(context.Background(), time.Second, time.Millisecond))
}

func TestQueueDiscardsBatchAfterRetryBudget(t *testing.T) {
	store := newFakeStore()
	store.failures = 100
	q := startQueue(t, store, testConfig())

	q.EnqueueBatch([]Entry{
		{Model: searchdoc.ModelCard, ID: 1},
		{Model: searchdoc.ModelCard, ID: 2},
	})

	// One initial attempt plus MaxRetries, then the batch is dropped and the
	// queue keeps draining.
	require.Eventually(t, func() bool { return store.callCount() >= 3 },
		time.Second, 5*time.Millisecond)
	assert.True(t, q.WaitForDrain(context.Background(), time.Second, time.Millisecond))
	assert.Zero(t, store.upsertCount())
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	q := NewQueue(newFakeStore(), testRegistry(), cfg, nil, nil)

	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 1})
	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 2})
	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 3})

	assert.Equal(t, 2, q.PendingCount())
	first := <-q.entries
	second := <-q.entries
	assert.Equal(t, int64(2), first.ID, "oldest entry should have been evicted")
	assert.Equal(t, int64(3), second.ID)
}

// ctxStore honors context cancellation the way database/sql does.
type ctxStore struct {
	*fakeStore
}

func (s *ctxStore) BatchUpsert(ctx context.Context, table index.TableRef, docs []searchdoc.SearchDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.BatchUpsert(ctx, table, docs)
}

func TestPendingCountIncludesBufferedBatch(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.BatchSize = 50
	cfg.FlushInterval = 10 * time.Second
	q := startQueue(t, store, cfg)

	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 1})

	// The consumer pulls the entry into its private batch long before the
	// flush window elapses; it must still count as pending so drain polls
	// do not report freshness for an unapplied write.
	require.Eventually(t, func() bool { return len(q.entries) == 0 },
		time.Second, time.Millisecond)
	assert.Equal(t, 1, q.PendingCount())
	assert.False(t, q.WaitForDrain(context.Background(), 20*time.Millisecond, 5*time.Millisecond))
	assert.Zero(t, store.upsertCount())
}

func TestShutdownFlushesBufferedBatch(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.BatchSize = 50
	cfg.FlushInterval = 10 * time.Second
	q := NewQueue(&ctxStore{store}, testRegistry(), cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 1})
	require.Eventually(t, func() bool { return len(q.entries) == 0 },
		time.Second, time.Millisecond)

	cancel()
	<-q.Done()

	assert.Equal(t, 1, store.upsertCount(), "the buffered batch must be applied on shutdown")
	assert.Zero(t, q.PendingCount())
}

func TestWaitForDrainTimesOut(t *testing.T) {
	q := NewQueue(newFakeStore(), testRegistry(), testConfig(), nil, nil)

	// No consumer running, so the entry can never drain.
	q.Enqueue(Entry{Model: searchdoc.ModelCard, ID: 1})

	start := time.Now()
	drained := q.WaitForDrain(context.Background(), 20*time.Millisecond, 5*time.Millisecond)
	assert.False(t, drained)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitForDrainEmptyQueue(t *testing.T) {
	q := NewQueue(newFakeStore(), testRegistry(), testConfig(), nil, nil)
	assert.True(t, q.WaitForDrain(context.Background(), time.Second, time.Millisecond))
}
