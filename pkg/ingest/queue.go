// Package ingest decouples entity write latency from indexing cost. Change
// notifications are enqueued without blocking the mutating caller and a
// single consumer loop per process drains them into batched index upserts.
//
// Delivery is at-least-once: the upsert is idempotent on (model, model_id),
// so replays and concurrent consumers in other processes are harmless.
//
// Backpressure policy: the queue is bounded, and when it is full Enqueue
// drops the oldest pending entry to admit the new one. The drop is counted
// and logged, never silent, and the periodic sweep repairs any document the
// drop left stale.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimmerbi/searchcore/pkg/config"
	"github.com/glimmerbi/searchcore/pkg/index"
	"github.com/glimmerbi/searchcore/pkg/observability"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

// Entry is one change notification: an entity was created, updated, or
// permanently deleted.
type Entry struct {
	Model   searchdoc.Model
	ID      int64
	Deleted bool
}

// DocumentStore is the minimal index surface the queue needs.
type DocumentStore interface {
	ActiveTable(ctx context.Context) (*index.TableRef, error)
	BatchUpsert(ctx context.Context, table index.TableRef, docs []searchdoc.SearchDocument) error
	DeleteDocuments(ctx context.Context, table index.TableRef, model searchdoc.Model, ids []int64) error
}

// shutdownFlushTimeout bounds the final flush after the consumer's context
// is cancelled, so shutdown neither drops the buffered batch nor hangs on a
// dead store.
const shutdownFlushTimeout = 30 * time.Second

// Queue is the bounded asynchronous ingestion pipeline.
type Queue struct {
	store    DocumentStore
	registry *searchdoc.Registry
	log      *observability.Logger
	metrics  *observability.Metrics

	entries chan Entry

	// pending counts entries accepted but not yet applied, including those
	// sitting in the consumer's buffered batch between flushes.
	pending atomic.Int64

	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	retryDelay    time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewQueue creates an ingestion queue. Run must be called to start the
// consumer loop.
func NewQueue(store DocumentStore, registry *searchdoc.Registry, cfg config.IngestConfig,
	log *observability.Logger, metrics *observability.Metrics) *Queue {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Queue{
		store:         store,
		registry:      registry,
		log:           log.WithComponent("ingest"),
		metrics:       metrics,
		entries:       make(chan Entry, cfg.QueueCapacity),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		stopped:       make(chan struct{}),
	}
}

// Enqueue hands a change notification to the indexing consumer. It never
// blocks the caller on index completion: if the queue is full, the oldest
// pending entry is dropped to make room.
func (q *Queue) Enqueue(e Entry) {
	for {
		select {
		case q.entries <- e:
			q.pending.Add(1)
			q.gaugeDepth()
			return
		default:
		}

		// Queue full: evict the oldest entry and retry the send. Another
		// producer may win the freed slot, hence the loop.
		select {
		case dropped := <-q.entries:
			q.pending.Add(-1)
			if q.metrics != nil {
				q.metrics.IngestDroppedTotal.Inc()
			}
			q.log.WithFields(map[string]interface{}{
				"model": dropped.Model,
				"id":    dropped.ID,
			}).Warn("ingestion queue full, dropped oldest entry")
		default:
		}
	}
}

// EnqueueBatch enqueues several notifications, one logical mutation each.
func (q *Queue) EnqueueBatch(entries []Entry) {
	for _, e := range entries {
		q.Enqueue(e)
	}
}

// PendingCount returns the number of entries not yet applied to the index.
// An entry stays pending from the moment Enqueue accepts it until the flush
// that carries it completes, so the count covers the channel backlog, the
// consumer's buffered batch, and the batch being processed.
func (q *Queue) PendingCount() int {
	return int(q.pending.Load())
}

// WaitForDrain polls until the queue is empty or timeout elapses. Returns
// true if the queue drained; false means the caller should treat results as
// possibly stale. It never waits past the timeout.
func (q *Queue) WaitForDrain(ctx context.Context, timeout, interval time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if q.PendingCount() == 0 {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Run drains the queue until ctx is cancelled, batching entries by size and
// time window. Ingestion failures are contained here: they are retried,
// then logged and discarded, and never reach the entity-mutation caller.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.stopped)
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("ingestion consumer panic: %v\n%s", r, debug.Stack())
		}
	}()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, q.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		q.processBatch(ctx, batch)
		q.pending.Add(-int64(len(batch)))
		batch = batch[:0]
		q.gaugeDepth()
	}

	for {
		select {
		case <-ctx.Done():
			// The loop context is already cancelled; the final flush gets
			// its own bounded context so the buffered batch is applied, not
			// dropped, on graceful shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			flush(ctx)
		case e := <-q.entries:
			batch = append(batch, e)
			if len(batch) >= q.batchSize {
				flush(ctx)
			}
		}
	}
}

// Done is closed once the consumer loop has flushed and exited.
func (q *Queue) Done() <-chan struct{} {
	return q.stopped
}

// processBatch builds documents for a batch and applies them to the active
// table, retrying transient store failures up to the configured cap.
func (q *Queue) processBatch(ctx context.Context, batch []Entry) {
	upserts, deletes := q.buildBatch(ctx, batch)
	if len(upserts) == 0 && len(deletes) == 0 {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			if q.metrics != nil {
				q.metrics.IngestRetriesTotal.Inc()
			}
			select {
			case <-time.After(q.retryDelay):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		lastErr = q.applyBatch(ctx, upserts, deletes)
		if lastErr == nil {
			if q.metrics != nil {
				q.metrics.IngestBatchesTotal.WithLabelValues("ok").Inc()
				for _, doc := range upserts {
					q.metrics.DocumentsIndexedTotal.WithLabelValues(string(doc.Model)).Inc()
				}
			}
			return
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Retry budget exhausted: log the batch identity and discard. The
	// periodic sweep reconciles whatever this batch would have written.
	if q.metrics != nil {
		q.metrics.IngestBatchesTotal.WithLabelValues("failed").Inc()
	}
	q.log.WithError(lastErr).WithFields(map[string]interface{}{
		"batch_id": uuid.NewString(),
		"upserts":  len(upserts),
		"deletes":  len(deletes),
	}).Error("ingestion batch failed after retries, discarding")
}

// buildBatch deduplicates entries by (model, id), keeping the newest state,
// and converts them into documents via the builder registry.
func (q *Queue) buildBatch(ctx context.Context, batch []Entry) ([]searchdoc.SearchDocument, map[searchdoc.Model][]int64) {
	type key struct {
		model searchdoc.Model
		id    int64
	}
	latest := make(map[key]Entry, len(batch))
	order := make([]key, 0, len(batch))
	for _, e := range batch {
		k := key{e.Model, e.ID}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = e
	}

	var upserts []searchdoc.SearchDocument
	deletes := make(map[searchdoc.Model][]int64)
	for _, k := range order {
		e := latest[k]
		if e.Deleted {
			deletes[e.Model] = append(deletes[e.Model], e.ID)
			continue
		}

		builder := q.registry.Builder(e.Model)
		if builder == nil {
			q.log.Warnf("no document builder registered for model %q, skipping", e.Model)
			continue
		}

		doc, err := builder.BuildDocument(ctx, e.ID)
		if errors.Is(err, searchdoc.ErrEntityGone) {
			deletes[e.Model] = append(deletes[e.Model], e.ID)
			continue
		}
		if err != nil {
			q.log.WithError(err).WithFields(map[string]interface{}{
				"model": e.Model,
				"id":    e.ID,
			}).Warn("failed to build document, skipping entry")
			continue
		}
		upserts = append(upserts, *doc)
	}
	return upserts, deletes
}

func (q *Queue) applyBatch(ctx context.Context, upserts []searchdoc.SearchDocument, deletes map[searchdoc.Model][]int64) error {
	table, err := q.store.ActiveTable(ctx)
	if err != nil {
		return err
	}
	if table == nil {
		return fmt.Errorf("no active index table")
	}

	if err := q.store.BatchUpsert(ctx, *table, upserts); err != nil {
		return err
	}
	for model, ids := range deletes {
		if err := q.store.DeleteDocuments(ctx, *table, model, ids); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) gaugeDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.PendingCount()))
	}
}
