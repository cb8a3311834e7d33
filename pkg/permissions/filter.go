// Package permissions intersects search candidates with the caller's
// visibility grants. The predicate is always derived server-side from the
// authenticated principal via the Provider; nothing in a search payload can
// widen it.
package permissions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"

	"github.com/glimmerbi/searchcore/pkg/observability"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

// Principal identifies the authenticated caller of a search.
type Principal struct {
	UserID      int64
	IsSuperuser bool
}

// Provider is the external authorization collaborator. Implementations
// resolve the full set of collections and tables a principal may view,
// including personal-collection ownership.
type Provider interface {
	// VisibleCollections returns the ids of collections the principal can
	// read (ACL grants plus owned personal collections).
	VisibleCollections(ctx context.Context, p Principal) ([]int64, error)

	// VisibleTables returns the ids of tables the principal holds data
	// permissions on.
	VisibleTables(ctx context.Context, p Principal) ([]int64, error)
}

type grants struct {
	collections []int64
	tables      []int64
}

const (
	grantCacheSize = 1024
	grantCacheTTL  = 30 * time.Second
)

// Filter builds the SQL visibility predicate joined into every search.
type Filter struct {
	provider Provider
	cache    *expirable.LRU[int64, grants]
	log      *observability.Logger
}

// NewFilter creates a filter on top of an authorization provider. Grant
// lookups are cached per principal for a short TTL to keep the hot search
// path off the permission tables.
func NewFilter(provider Provider, log *observability.Logger) *Filter {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Filter{
		provider: provider,
		cache:    expirable.NewLRU[int64, grants](grantCacheSize, nil, grantCacheTTL),
		log:      log.WithComponent("permissions"),
	}
}

// PermittedClause returns a boolean SQL condition restricting index rows to
// those the principal may view, plus its bind arguments. argOffset is the
// placeholder number the first argument should use.
//
// Visibility is delegated per model kind: collection-scoped entities check
// the collection ACL on their owning collection, collections check the ACL
// on themselves, and tables check data-permission grants. Entities with no
// owning collection are excluded from the collection check entirely rather
// than silently denied.
func (f *Filter) PermittedClause(ctx context.Context, p Principal, argOffset int) (string, []interface{}, error) {
	if p.IsSuperuser {
		return "TRUE", nil, nil
	}

	g, err := f.grantsFor(ctx, p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve permission grants: %w", err)
	}

	collArg := fmt.Sprintf("$%d", argOffset)
	tableArg := fmt.Sprintf("$%d", argOffset+1)

	var parts []string
	for _, model := range searchdoc.Models() {
		switch model {
		case searchdoc.ModelTable:
			parts = append(parts, fmt.Sprintf(
				"(model = '%s' AND model_id = ANY(%s))", model, tableArg))
		case searchdoc.ModelCollection:
			parts = append(parts, fmt.Sprintf(
				"(model = '%s' AND model_id = ANY(%s))", model, collArg))
		default:
			parts = append(parts, fmt.Sprintf(
				"(model = '%s' AND (collection_id IS NULL OR collection_id = ANY(%s)))", model, collArg))
		}
	}

	clause := "(" + strings.Join(parts, " OR ") + ")"
	args := []interface{}{pq.Array(g.collections), pq.Array(g.tables)}
	return clause, args, nil
}

func (f *Filter) grantsFor(ctx context.Context, p Principal) (grants, error) {
	if cached, ok := f.cache.Get(p.UserID); ok {
		return cached, nil
	}

	collections, err := f.provider.VisibleCollections(ctx, p)
	if err != nil {
		return grants{}, err
	}
	tables, err := f.provider.VisibleTables(ctx, p)
	if err != nil {
		return grants{}, err
	}

	g := grants{collections: collections, tables: tables}
	f.cache.Add(p.UserID, g)
	return g, nil
}

// Invalidate drops any cached grants for a principal, e.g. after a
// permission change notification.
func (f *Filter) Invalidate(userID int64) {
	f.cache.Remove(userID)
}
