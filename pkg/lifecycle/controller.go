// Package lifecycle tracks which physical index table is active, drives
// reindexing, and reconciles the index with the true entity store.
//
// Table states move absent -> pending -> active -> retiring. Activation is a
// metadata pointer swap, never a row-by-row migration; a full reindex
// populates a fresh pending table and drops the old one only after the swap
// succeeds. The controller re-derives all state from persisted metadata on
// startup, since multiple processes may have raced during table creation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimmerbi/searchcore/pkg/config"
	"github.com/glimmerbi/searchcore/pkg/index"
	"github.com/glimmerbi/searchcore/pkg/observability"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

// IndexStore is the store surface the controller drives.
type IndexStore interface {
	EnsureReady(ctx context.Context) (bool, error)
	ActiveTable(ctx context.Context) (*index.TableRef, error)
	TableStates(ctx context.Context) ([]index.TableStatus, error)
	NewTableName() index.TableRef
	CreateTable(ctx context.Context, table index.TableRef) error
	Activate(ctx context.Context, table index.TableRef) error
	DropTable(ctx context.Context, table index.TableRef) error
	TruncateTable(ctx context.Context, table index.TableRef) error
	BatchUpsert(ctx context.Context, table index.TableRef, docs []searchdoc.SearchDocument) error
	DeleteDocuments(ctx context.Context, table index.TableRef, model searchdoc.Model, ids []int64) error
	ListModelIDs(ctx context.Context, table index.TableRef, model searchdoc.Model) ([]int64, error)
}

// ErrNoActiveTable is returned by Sweep when no index table is active yet.
var ErrNoActiveTable = errors.New("lifecycle: no active index table")

const populateBatchSize = 100

// Controller owns index table lifecycle and reconciliation.
type Controller struct {
	store           IndexStore
	registry        *searchdoc.Registry
	log             *observability.Logger
	metrics         *observability.Metrics
	deleteBatchSize int
}

// NewController creates a lifecycle controller.
func NewController(store IndexStore, registry *searchdoc.Registry, cfg config.SweepConfig,
	log *observability.Logger, metrics *observability.Metrics) *Controller {
	if log == nil {
		log = observability.NopLogger()
	}
	batch := cfg.DeleteBatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Controller{
		store:           store,
		registry:        registry,
		log:             log.WithComponent("lifecycle"),
		metrics:         metrics,
		deleteBatchSize: batch,
	}
}

// EnsureActive reconciles startup state from persisted metadata: if an
// active table exists it is left alone; a pending table left over from an
// interrupted reindex is populated and activated; otherwise a fresh table is
// created, populated and activated.
func (c *Controller) EnsureActive(ctx context.Context) error {
	if _, err := c.store.EnsureReady(ctx); err != nil {
		return err
	}

	active, err := c.store.ActiveTable(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}

	states, err := c.store.TableStates(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.Status != index.StatusPending {
			continue
		}
		if err := c.populate(ctx, st.Table); err != nil {
			return fmt.Errorf("failed to populate pending index table: %w", err)
		}
		return c.store.Activate(ctx, st.Table)
	}
	return fmt.Errorf("no pending index table after EnsureReady")
}

// Reindex rebuilds the index. With inPlace set the active table is cleared
// and repopulated, which is cheaper when the schema is unchanged. Otherwise
// a fresh table is created, populated, swapped in, and only then is the old
// table dropped; concurrent searches observe either the old table or the new
// one, never a mix.
func (c *Controller) Reindex(ctx context.Context, inPlace bool) error {
	active, err := c.store.ActiveTable(ctx)
	if err != nil {
		return err
	}

	if inPlace && active != nil {
		if err := c.store.TruncateTable(ctx, *active); err != nil {
			return err
		}
		if err := c.populate(ctx, *active); err != nil {
			return err
		}
		return c.store.Activate(ctx, *active)
	}

	fresh := c.store.NewTableName()
	if err := c.store.CreateTable(ctx, fresh); err != nil {
		return err
	}
	if err := c.populate(ctx, fresh); err != nil {
		return err
	}
	if err := c.store.Activate(ctx, fresh); err != nil {
		return err
	}
	if active != nil && active.Name != fresh.Name {
		if err := c.store.DropTable(ctx, *active); err != nil {
			// The swap already succeeded; a leftover retired table is
			// only a cleanup problem.
			c.log.WithError(err).WithField("table", active.Name).
				Warn("failed to drop retired index table")
		}
	}
	return nil
}

// populate fills a table with documents for every registered model kind.
func (c *Controller) populate(ctx context.Context, table index.TableRef) error {
	for _, builder := range c.registry.Builders() {
		ids, err := builder.ListIDs(ctx)
		if err != nil {
			return fmt.Errorf("failed to list %s entities: %w", builder.Model(), err)
		}

		batch := make([]searchdoc.SearchDocument, 0, populateBatchSize)
		for _, id := range ids {
			doc, err := builder.BuildDocument(ctx, id)
			if errors.Is(err, searchdoc.ErrEntityGone) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to build %s document %d: %w", builder.Model(), id, err)
			}
			batch = append(batch, *doc)
			if len(batch) >= populateBatchSize {
				if err := c.store.BatchUpsert(ctx, table, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := c.store.BatchUpsert(ctx, table, batch); err != nil {
			return err
		}
	}
	return nil
}

// SweepReport summarizes one reconciliation run.
type SweepReport struct {
	Scanned    int
	Deleted    int
	Backfilled int
}

// Sweep reconciles the active index with the true entity store: documents
// whose source entity no longer exists are removed (in bounded batches so no
// single statement runs long), and live entities missing from the index are
// backfilled. It never touches the active-table pointer and holds no lock
// that could block concurrent searches.
func (c *Controller) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var report SweepReport

	table, err := c.store.ActiveTable(ctx)
	if err != nil {
		return report, err
	}
	if table == nil {
		return report, ErrNoActiveTable
	}

	for _, builder := range c.registry.Builders() {
		model := builder.Model()

		indexed, err := c.store.ListModelIDs(ctx, *table, model)
		if err != nil {
			return report, err
		}
		report.Scanned += len(indexed)

		existing := make(map[int64]bool, len(indexed))
		for batch := range chunk(indexed, c.deleteBatchSize) {
			live, err := builder.FilterExisting(ctx, batch)
			if err != nil {
				return report, fmt.Errorf("failed to check %s entities: %w", model, err)
			}
			for _, id := range live {
				existing[id] = true
			}
		}

		var orphans []int64
		for _, id := range indexed {
			if !existing[id] {
				orphans = append(orphans, id)
			}
		}
		for batch := range chunk(orphans, c.deleteBatchSize) {
			if err := c.store.DeleteDocuments(ctx, *table, model, batch); err != nil {
				return report, err
			}
			report.Deleted += len(batch)
		}

		backfilled, err := c.backfill(ctx, *table, builder, existing)
		if err != nil {
			return report, err
		}
		report.Backfilled += backfilled
	}

	if c.metrics != nil {
		c.metrics.SweepDeletedTotal.Add(float64(report.Deleted))
		c.metrics.SweepBackfilledTotal.Add(float64(report.Backfilled))
		c.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	c.log.WithFields(map[string]interface{}{
		"scanned":    report.Scanned,
		"deleted":    report.Deleted,
		"backfilled": report.Backfilled,
		"took":       time.Since(start).String(),
	}).Info("sweep completed")

	return report, nil
}

// backfill indexes live entities that have no document yet.
func (c *Controller) backfill(ctx context.Context, table index.TableRef,
	builder searchdoc.Builder, indexed map[int64]bool) (int, error) {
	live, err := builder.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	batch := make([]searchdoc.SearchDocument, 0, populateBatchSize)
	for _, id := range live {
		if indexed[id] {
			continue
		}
		doc, err := builder.BuildDocument(ctx, id)
		if errors.Is(err, searchdoc.ErrEntityGone) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to backfill %s document %d: %w", builder.Model(), id, err)
		}
		batch = append(batch, *doc)
		if len(batch) >= populateBatchSize {
			if err := c.store.BatchUpsert(ctx, table, batch); err != nil {
				return count, err
			}
			count += len(batch)
			batch = batch[:0]
		}
	}
	if err := c.store.BatchUpsert(ctx, table, batch); err != nil {
		return count, err
	}
	return count + len(batch), nil
}

// chunk yields slices of at most size elements.
func chunk(ids []int64, size int) func(func([]int64) bool) {
	return func(yield func([]int64) bool) {
		for start := 0; start < len(ids); start += size {
			end := start + size
			if end > len(ids) {
				end = len(ids)
			}
			if !yield(ids[start:end]) {
				return
			}
		}
	}
}
