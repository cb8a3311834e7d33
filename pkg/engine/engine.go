// Package engine builds and executes ranked, permission-filtered searches
// against the active index table.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimmerbi/searchcore/pkg/index"
	"github.com/glimmerbi/searchcore/pkg/observability"
	"github.com/glimmerbi/searchcore/pkg/permissions"
	"github.com/glimmerbi/searchcore/pkg/scoring"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

var tracer = otel.Tracer("searchcore/engine")

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// TableSource resolves the active index table and the diagnostic error for
// its absence.
type TableSource interface {
	ActiveTable(ctx context.Context) (*index.TableRef, error)
	NotFound(ctx context.Context) *index.NotFoundError
}

// SearchContext is the immutable per-request search input: the raw query
// string, the authenticated principal, and structured filters. It is built
// once per call and threaded through scoring and permission filtering.
type SearchContext struct {
	Query     string
	Principal permissions.Principal

	// Models restricts results to these kinds; empty means all kinds.
	Models []searchdoc.Model

	// IncludeNative opts the text match and scoring into native query
	// text via the native-augmented vector.
	IncludeNative bool

	// ArchivedOnly flips the archived filter: by default archived
	// documents are excluded.
	ArchivedOnly bool

	// CollectionID scopes results to one collection.
	CollectionID *int64

	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	EditedAfter   *time.Time
	EditedBefore  *time.Time

	Limit  int
	Offset int
}

// Result is one ranked search hit with its score explanation.
type Result struct {
	Document  searchdoc.SearchDocument
	Score     float64
	Breakdown scoring.Breakdown
}

// Engine executes searches against the active index table.
type Engine struct {
	db      *sql.DB
	tables  TableSource
	filter  *permissions.Filter
	weights scoring.Weights
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewEngine creates a search engine. weights may be nil to use the
// documented defaults.
func NewEngine(db *sql.DB, tables TableSource, filter *permissions.Filter,
	weights scoring.Weights, log *observability.Logger, metrics *observability.Metrics) *Engine {
	if weights == nil {
		weights = scoring.DefaultWeights()
	}
	if log == nil {
		log = observability.NopLogger()
	}
	return &Engine{
		db:      db,
		tables:  tables,
		filter:  filter,
		weights: weights,
		log:     log.WithComponent("engine"),
		metrics: metrics,
	}
}

// Search returns ranked results matching the context, ordered by composite
// score descending with id as a stable tie-break so pagination is
// deterministic. Results reflect the active table at call time; reads never
// block on ingestion.
func (e *Engine) Search(ctx context.Context, sctx SearchContext) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("query", sctx.Query),
			attribute.Int("limit", sctx.Limit),
		),
	)
	defer span.End()

	start := time.Now()
	results, err := e.search(ctx, sctx)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.SearchRequestsTotal.WithLabelValues(outcome).Inc()
		e.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(results)))
	span.SetStatus(codes.Ok, "search completed")
	return results, nil
}

func (e *Engine) search(ctx context.Context, sctx SearchContext) ([]Result, error) {
	table, err := e.tables.ActiveTable(ctx)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, e.tables.NotFound(ctx)
	}

	limit := sctx.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	tsquery := searchdoc.ParseQuery(sctx.Query)
	args := make([]interface{}, 0, 8)
	tsArg := ""
	if tsquery != "" {
		args = append(args, tsquery)
		tsArg = "$1"
	}

	scorers := scoring.Scorers(tsquery != "", sctx.IncludeNative, e.weights, tsArg)

	var sb strings.Builder
	sb.WriteString(`SELECT id, model, model_id, name, searchable_text, native_query, legacy_input,
		collection_id, archived, view_count, bookmark_count, created_at, updated_at, last_edited_at`)
	for _, s := range scorers {
		sb.WriteString(fmt.Sprintf(", %s AS score_%s", s.Expr, s.Name))
	}
	sb.WriteString(fmt.Sprintf(", %s AS total_score", scoring.TotalExpr(scorers)))
	sb.WriteString(fmt.Sprintf(" FROM %s WHERE ", table.Name))

	where, err := e.buildWhere(ctx, sctx, tsquery, true, &args)
	if err != nil {
		return nil, err
	}
	sb.WriteString(where)

	args = append(args, limit, sctx.Offset)
	sb.WriteString(fmt.Sprintf(" ORDER BY total_score DESC, id ASC LIMIT $%d OFFSET $%d",
		len(args)-1, len(args)))

	rows, err := e.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, limit)
	for rows.Next() {
		result, err := scanResult(rows, scorers)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}
	return results, nil
}

// ModelSet returns how many results each model kind contributes for the
// given context, ignoring the model-type filter itself while respecting all
// other filters. Used to drive facet counts.
func (e *Engine) ModelSet(ctx context.Context, sctx SearchContext) (map[searchdoc.Model]int, error) {
	ctx, span := tracer.Start(ctx, "ModelSet",
		trace.WithAttributes(attribute.String("query", sctx.Query)),
	)
	defer span.End()

	table, err := e.tables.ActiveTable(ctx)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, e.tables.NotFound(ctx)
	}

	tsquery := searchdoc.ParseQuery(sctx.Query)
	args := make([]interface{}, 0, 6)
	if tsquery != "" {
		args = append(args, tsquery)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT model, count(*) FROM %s WHERE ", table.Name))
	where, err := e.buildWhere(ctx, sctx, tsquery, false, &args)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	sb.WriteString(where)
	sb.WriteString(" GROUP BY model")

	rows, err := e.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to execute model facet query: %w", err)
	}
	defer rows.Close()

	counts := make(map[searchdoc.Model]int)
	for rows.Next() {
		var model string
		var count int
		if err := rows.Scan(&model, &count); err != nil {
			return nil, err
		}
		counts[searchdoc.Model(model)] = count
	}
	span.SetStatus(codes.Ok, "facet query completed")
	return counts, rows.Err()
}

// buildWhere assembles the shared filter clause: text match, permission
// scope, archived state, model allow-list (when includeModelFilter), and
// structured filters. It appends bind arguments to args.
func (e *Engine) buildWhere(ctx context.Context, sctx SearchContext, tsquery string,
	includeModelFilter bool, args *[]interface{}) (string, error) {
	clauses := make([]string, 0, 8)

	if tsquery != "" {
		vector := "search_vector"
		if sctx.IncludeNative {
			vector = "native_search_vector"
		}
		clauses = append(clauses, fmt.Sprintf("%s @@ to_tsquery('english', $1)", vector))
	}

	permClause, permArgs, err := e.filter.PermittedClause(ctx, sctx.Principal, len(*args)+1)
	if err != nil {
		return "", err
	}
	clauses = append(clauses, permClause)
	*args = append(*args, permArgs...)

	if sctx.ArchivedOnly {
		clauses = append(clauses, "archived = TRUE")
	} else {
		clauses = append(clauses, "archived = FALSE")
	}

	if includeModelFilter && len(sctx.Models) > 0 {
		models := make([]string, len(sctx.Models))
		for i, m := range sctx.Models {
			models[i] = string(m)
		}
		*args = append(*args, pq.Array(models))
		clauses = append(clauses, fmt.Sprintf("model = ANY($%d)", len(*args)))
	}

	if sctx.CollectionID != nil {
		*args = append(*args, *sctx.CollectionID)
		clauses = append(clauses, fmt.Sprintf("collection_id = $%d", len(*args)))
	}
	if sctx.CreatedAfter != nil {
		*args = append(*args, *sctx.CreatedAfter)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(*args)))
	}
	if sctx.CreatedBefore != nil {
		*args = append(*args, *sctx.CreatedBefore)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(*args)))
	}
	if sctx.EditedAfter != nil {
		*args = append(*args, *sctx.EditedAfter)
		clauses = append(clauses, fmt.Sprintf("coalesce(last_edited_at, updated_at) >= $%d", len(*args)))
	}
	if sctx.EditedBefore != nil {
		*args = append(*args, *sctx.EditedBefore)
		clauses = append(clauses, fmt.Sprintf("coalesce(last_edited_at, updated_at) <= $%d", len(*args)))
	}

	return strings.Join(clauses, " AND "), nil
}

// scanResult rehydrates one result row, including the per-scorer score
// columns projected after the document fields.
func scanResult(rows *sql.Rows, scorers []scoring.Scorer) (Result, error) {
	var doc searchdoc.SearchDocument
	var model string
	var searchableText, nativeQuery sql.NullString
	var legacyInput []byte
	var collectionID sql.NullInt64
	var lastEditedAt sql.NullTime

	scores := make([]float64, len(scorers))
	var total float64

	dest := []interface{}{
		&doc.ID, &model, &doc.ModelID, &doc.Name, &searchableText, &nativeQuery, &legacyInput,
		&collectionID, &doc.Archived, &doc.ViewCount, &doc.BookmarkCount,
		&doc.CreatedAt, &doc.UpdatedAt, &lastEditedAt,
	}
	for i := range scores {
		dest = append(dest, &scores[i])
	}
	dest = append(dest, &total)

	if err := rows.Scan(dest...); err != nil {
		return Result{}, err
	}

	doc.Model = searchdoc.Model(model)
	doc.SearchableText = searchableText.String
	doc.NativeQuery = nativeQuery.String
	if len(legacyInput) > 0 {
		doc.LegacyInput = json.RawMessage(legacyInput)
	}
	if collectionID.Valid {
		doc.CollectionID = &collectionID.Int64
	}
	if lastEditedAt.Valid {
		t := lastEditedAt.Time
		doc.LastEditedAt = &t
	}

	return Result{
		Document:  doc,
		Score:     total,
		Breakdown: scoring.NewBreakdown(scorers, scores),
	}, nil
}
