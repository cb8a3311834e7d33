package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerbi/searchcore/pkg/index"
	"github.com/glimmerbi/searchcore/pkg/permissions"
	"github.com/glimmerbi/searchcore/pkg/scoring"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

type stubTables struct {
	table    *index.TableRef
	notFound *index.NotFoundError
}

func (s *stubTables) ActiveTable(context.Context) (*index.TableRef, error) {
	return s.table, nil
}

func (s *stubTables) NotFound(context.Context) *index.NotFoundError {
	return s.notFound
}

type allowAllProvider struct{}

func (allowAllProvider) VisibleCollections(context.Context, permissions.Principal) ([]int64, error) {
	return []int64{1}, nil
}

func (allowAllProvider) VisibleTables(context.Context, permissions.Principal) ([]int64, error) {
	return []int64{1}, nil
}

func newTestEngine(t *testing.T, tables TableSource) (*Engine, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	filter := permissions.NewFilter(allowAllProvider{}, nil)
	return NewEngine(db, tables, filter, nil, nil, nil), mock
}

func resultColumns(scorers []string) []string {
	cols := []string{
		"id", "model", "model_id", "name", "searchable_text", "native_query", "legacy_input",
		"collection_id", "archived", "view_count", "bookmark_count",
		"created_at", "updated_at", "last_edited_at",
	}
	for _, s := range scorers {
		cols = append(cols, "score_"+s)
	}
	return append(cols, "total_score")
}

func TestSearchWithoutActiveTableReturnsDiagnostics(t *testing.T) {
	nf := &index.NotFoundError{TableState: "pending:search_index_2", LastSyncAt: time.Now()}
	eng, _ := newTestEngine(t, &stubTables{notFound: nf})

	_, err := eng.Search(context.Background(), SearchContext{Query: "sales"})
	require.Error(t, err)

	var got *index.NotFoundError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "pending:search_index_2", got.TableState)
}

func TestSearchRanksByTotalScoreWithStableTieBreak(t *testing.T) {
	eng, mock := newTestEngine(t, &stubTables{table: &index.TableRef{Name: "search_index"}})

	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(resultColumns([]string{"text", "recency", "views", "bookmark"})).
		AddRow(int64(1), "card", int64(11), "Sales Report", "sales report", nil, nil,
			nil, false, int64(30), int64(1), created, created, nil,
			0.5, 0.2, 0.375, 1.0, 9.05).
		AddRow(int64(2), "dashboard", int64(12), "Sales Overview", "sales overview", nil, nil,
			int64(4), false, int64(10), int64(0), created, created, created,
			0.4, 0.9, 0.167, 0.0, 5.68)

	mock.ExpectQuery("ORDER BY total_score DESC, id ASC LIMIT \\$2 OFFSET \\$3").
		WithArgs("'sales':*", 50, 0).
		WillReturnRows(rows)

	results, err := eng.Search(context.Background(),
		SearchContext{Query: "sales", Principal: permissions.Principal{IsSuperuser: true}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, searchdoc.ModelCard, first.Document.Model)
	assert.Equal(t, int64(11), first.Document.ModelID)
	assert.Equal(t, 9.05, first.Score)
	assert.Nil(t, first.Document.CollectionID)
	assert.Nil(t, first.Document.LastEditedAt)

	require.Len(t, first.Breakdown, 4)
	assert.Equal(t, scoring.ScorerText, first.Breakdown[0].Name)
	assert.Equal(t, 0.5, first.Breakdown[0].Score)
	assert.Equal(t, 5.0, first.Breakdown[0].Contribution)

	second := results[1]
	require.NotNil(t, second.Document.CollectionID)
	assert.Equal(t, int64(4), *second.Document.CollectionID)
	require.NotNil(t, second.Document.LastEditedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchEmptyQueryBrowsesWithoutTextScorers(t *testing.T) {
	eng, mock := newTestEngine(t, &stubTables{table: &index.TableRef{Name: "search_index"}})

	// No tsquery argument, so limit and offset bind first.
	mock.ExpectQuery("ORDER BY total_score DESC, id ASC LIMIT \\$1 OFFSET \\$2").
		WithArgs(25, 50).
		WillReturnRows(sqlmock.NewRows(resultColumns([]string{"recency", "views", "bookmark"})))

	results, err := eng.Search(context.Background(), SearchContext{
		Principal: permissions.Principal{IsSuperuser: true},
		Limit:     25,
		Offset:    50,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchCapsLimit(t *testing.T) {
	eng, mock := newTestEngine(t, &stubTables{table: &index.TableRef{Name: "search_index"}})

	mock.ExpectQuery("ORDER BY total_score DESC, id ASC").
		WithArgs(maxLimit, 0).
		WillReturnRows(sqlmock.NewRows(resultColumns([]string{"recency", "views", "bookmark"})))

	_, err := eng.Search(context.Background(), SearchContext{
		Principal: permissions.Principal{IsSuperuser: true},
		Limit:     100000,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchAppliesStructuredFilters(t *testing.T) {
	eng, mock := newTestEngine(t, &stubTables{table: &index.TableRef{Name: "search_index"}})

	collection := int64(9)
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`archived = TRUE AND model = ANY\(\$2\) AND collection_id = \$3 AND created_at >= \$4`).
		WithArgs("'sales':*", sqlmock.AnyArg(), collection, after, 50, 0).
		WillReturnRows(sqlmock.NewRows(resultColumns([]string{"text", "recency", "views", "bookmark"})))

	_, err := eng.Search(context.Background(), SearchContext{
		Query:        "sales",
		Principal:    permissions.Principal{IsSuperuser: true},
		Models:       []searchdoc.Model{searchdoc.ModelCard, searchdoc.ModelDashboard},
		ArchivedOnly: true,
		CollectionID: &collection,
		CreatedAfter: &after,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchNativeQueryUsesAugmentedVector(t *testing.T) {
	eng, mock := newTestEngine(t, &stubTables{table: &index.TableRef{Name: "search_index"}})

	mock.ExpectQuery(`native_search_vector @@ to_tsquery\('english', \$1\)`).
		WithArgs("'revenue':*", 50, 0).
		WillReturnRows(sqlmock.NewRows(resultColumns([]string{"text", "native", "recency", "views", "bookmark"})))

	_, err := eng.Search(context.Background(), SearchContext{
		Query:         "revenue",
		Principal:     permissions.Principal{IsSuperuser: true},
		IncludeNative: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestModelSetCountsPerModel(t *testing.T) {
	eng, mock := newTestEngine(t, &stubTables{table: &index.TableRef{Name: "search_index"}})

	mock.ExpectQuery("SELECT model, count\\(\\*\\) FROM search_index").
		WithArgs("'sales':*").
		WillReturnRows(sqlmock.NewRows([]string{"model", "count"}).
			AddRow("card", 12).
			AddRow("dashboard", 3))

	// The model-type filter is deliberately ignored so facet counts cover
	// every kind.
	counts, err := eng.ModelSet(context.Background(), SearchContext{
		Query:     "sales",
		Principal: permissions.Principal{IsSuperuser: true},
		Models:    []searchdoc.Model{searchdoc.ModelCard},
	})
	require.NoError(t, err)
	assert.Equal(t, map[searchdoc.Model]int{
		searchdoc.ModelCard:      12,
		searchdoc.ModelDashboard: 3,
	}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
