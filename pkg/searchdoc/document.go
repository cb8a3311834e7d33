package searchdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Model identifies the kind of entity a document was built from.
// The set is closed: unknown models are rejected at registration time.
type Model string

const (
	ModelCard       Model = "card"
	ModelDashboard  Model = "dashboard"
	ModelTable      Model = "table"
	ModelCollection Model = "collection"
	ModelMetric     Model = "metric"
)

// Models returns all valid model kinds in a stable order.
func Models() []Model {
	return []Model{ModelCard, ModelDashboard, ModelTable, ModelCollection, ModelMetric}
}

// Valid reports whether m is one of the known model kinds.
func (m Model) Valid() bool {
	switch m {
	case ModelCard, ModelDashboard, ModelTable, ModelCollection, ModelMetric:
		return true
	}
	return false
}

// SearchDocument is the denormalized, per-entity record stored in the index.
// Exactly one row exists per (Model, ModelID) pair in the active table; the
// store's upsert is idempotent on that compound identity. The two text-search
// vectors are generated at write time from Name, SearchableText and
// NativeQuery, so they do not appear here.
type SearchDocument struct {
	ID             int64
	Model          Model
	ModelID        int64
	Name           string
	SearchableText string
	NativeQuery    string

	// LegacyInput is a serialized snapshot of everything needed to render
	// the entity in a result list without a second database round trip.
	LegacyInput json.RawMessage

	CollectionID  *int64
	Archived      bool
	ViewCount     int64
	BookmarkCount int64

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastEditedAt *time.Time
}

// Validate checks the compound identity fields before a document is indexed.
func (d *SearchDocument) Validate() error {
	if !d.Model.Valid() {
		return fmt.Errorf("unknown model kind %q", d.Model)
	}
	if d.ModelID <= 0 {
		return fmt.Errorf("document for model %q has no model id", d.Model)
	}
	return nil
}

// ErrEntityGone is returned by a Builder when the source entity no longer
// exists. The caller treats this as a deletion, not a failure.
var ErrEntityGone = errors.New("searchdoc: source entity no longer exists")

// Builder converts entities of one model kind into search documents and
// answers existence queries about them. Implementations wrap the
// application's own storage for that entity kind.
type Builder interface {
	// Model returns the kind this builder handles.
	Model() Model

	// BuildDocument loads the entity and converts it into a document.
	// Returns ErrEntityGone if the entity has been permanently deleted.
	BuildDocument(ctx context.Context, id int64) (*SearchDocument, error)

	// ListIDs returns the ids of all live entities of this kind.
	ListIDs(ctx context.Context) ([]int64, error)

	// FilterExisting returns the subset of ids that still refer to live
	// entities. Used by the sweep to detect orphaned documents.
	FilterExisting(ctx context.Context, ids []int64) ([]int64, error)
}

// Registry maps model kinds to their document builders. Both the ingestion
// consumer and the lifecycle controller iterate the registry rather than
// hardcoding entity kinds.
type Registry struct {
	mu       sync.RWMutex
	builders map[Model]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[Model]Builder)}
}

// Register adds a builder for its model kind. Registering an unknown model
// kind or the same kind twice panics: both are wiring mistakes that should
// fail loudly at startup, not at index time.
func (r *Registry) Register(b Builder) {
	model := b.Model()
	if !model.Valid() {
		panic(fmt.Sprintf("searchdoc: register of unknown model kind %q", model))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.builders[model]; dup {
		panic(fmt.Sprintf("searchdoc: duplicate builder for model %q", model))
	}
	r.builders[model] = b
}

// Builder returns the builder for a model kind, or nil if none is registered.
func (r *Registry) Builder(model Model) Builder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builders[model]
}

// Builders returns all registered builders ordered by model name, so that
// reindex and sweep runs are deterministic.
func (r *Registry) Builders() []Builder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Builder, 0, len(r.builders))
	for _, b := range r.builders {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Model() < out[j].Model()
	})
	return out
}

// DefaultRegistry is the process-wide registry used by binaries such as the
// sweep daemon. Applications register their builders at init time, the same
// way database/sql drivers register themselves.
var DefaultRegistry = NewRegistry()

// Register adds a builder to the default registry.
func Register(b Builder) {
	DefaultRegistry.Register(b)
}
