package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/glimmerbi/searchcore/pkg/observability"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

// Table lifecycle statuses persisted in the metadata table.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusRetired = "retired"
)

const (
	baseTableName = "search_index"
	metadataTable = "search_index_metadata"

	// upsertChunkSize bounds how many rows a single multi-row INSERT
	// carries; each row uses 13 placeholders.
	upsertChunkSize = 100
)

// TableRef names one physical incarnation of the search index.
type TableRef struct {
	Name string
}

// TableStatus is one row of the persisted index metadata.
type TableStatus struct {
	Table     TableRef
	Status    string
	UpdatedAt time.Time
}

// Store owns the physical index tables: their schema, the active-table
// pointer, and the low-level upsert/read primitives. All mutation is
// transactional at row-batch granularity and idempotent on (model, model_id),
// so concurrent writers from multiple processes are safe without any
// application-level locking.
type Store struct {
	db  *sql.DB
	log *observability.Logger
}

// Only PostgreSQL provides the tsvector/tsquery primitives the index is
// built on.
var supportedDrivers = map[string]bool{
	"postgres": true,
}

// NewStore creates a store on top of an existing connection pool. The driver
// name is checked against the supported set; an unsupported backend returns
// ErrIndexUnavailable so that callers can disable search instead of failing.
func NewStore(db *sql.DB, driver string, log *observability.Logger) (*Store, error) {
	if !supportedDrivers[driver] {
		return nil, fmt.Errorf("driver %q: %w", driver, ErrIndexUnavailable)
	}
	if log == nil {
		log = observability.NopLogger()
	}
	return &Store{db: db, log: log.WithComponent("index")}, nil
}

// Open connects to PostgreSQL and returns a store backed by the new pool.
func Open(ctx context.Context, url string, maxConns, minConns int, maxLifetime time.Duration, log *observability.Logger) (*Store, *sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(maxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewStore(db, "postgres", log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// EnsureReady creates the metadata table and, if no usable index table
// exists, a fresh pending one. Returns whether anything had to be created.
// Safe to call concurrently from multiple processes: losing a creation race
// is detected via the store's own uniqueness guarantees and is not an error.
func (s *Store) EnsureReady(ctx context.Context) (bool, error) {
	if err := s.ensureMetadata(ctx); err != nil {
		return false, err
	}

	states, err := s.TableStates(ctx)
	if err != nil {
		return false, err
	}
	for _, st := range states {
		if st.Status == StatusActive || st.Status == StatusPending {
			return false, nil
		}
	}

	if err := s.CreateTable(ctx, TableRef{Name: baseTableName}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ensureMetadata(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			table_name TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, metadataTable)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil && !isDuplicate(err) {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	// At most one row may be active at any time.
	idx := fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s_active_idx
		ON %s ((status)) WHERE status = '%s'`, metadataTable, metadataTable, StatusActive)
	if _, err := s.db.ExecContext(ctx, idx); err != nil && !isDuplicate(err) {
		return fmt.Errorf("failed to create metadata index: %w", err)
	}
	return nil
}

// NewTableName returns a unique name for a fresh index table incarnation.
func (s *Store) NewTableName() TableRef {
	return TableRef{Name: fmt.Sprintf("%s_%s", baseTableName, time.Now().UTC().Format("20060102150405"))}
}

// CreateTable creates a physical index table plus its indexes and records it
// as pending. Losing a creation race against another process is a no-op.
func (s *Store) CreateTable(ctx context.Context, table TableRef) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			model TEXT NOT NULL,
			model_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			searchable_text TEXT,
			native_query TEXT,
			legacy_input JSONB,
			collection_id BIGINT,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			view_count BIGINT NOT NULL DEFAULT 0,
			bookmark_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_edited_at TIMESTAMPTZ,
			search_vector TSVECTOR NOT NULL,
			native_search_vector TSVECTOR NOT NULL,
			UNIQUE (model, model_id)
		)`, table.Name)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil && !isDuplicate(err) {
		return fmt.Errorf("failed to create index table %s: %w", table.Name, err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_vector_idx ON %s USING GIN (search_vector)`, table.Name, table.Name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_native_vector_idx ON %s USING GIN (native_search_vector)`, table.Name, table.Name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s (collection_id)`, table.Name, table.Name),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil && !isDuplicate(err) {
			return fmt.Errorf("failed to create index on %s: %w", table.Name, err)
		}
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (table_name, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (table_name) DO NOTHING`, metadataTable)
	if _, err := s.db.ExecContext(ctx, insert, table.Name, StatusPending); err != nil {
		return fmt.Errorf("failed to record index table %s: %w", table.Name, err)
	}

	s.log.WithField("table", table.Name).Info("created search index table")
	return nil
}

// ActiveTable returns the currently active physical table, or nil if no
// index is active yet.
func (s *Store) ActiveTable(ctx context.Context) (*TableRef, error) {
	query := fmt.Sprintf(`SELECT table_name FROM %s WHERE status = $1`, metadataTable)

	var name string
	err := s.db.QueryRowContext(ctx, query, StatusActive).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active index table: %w", err)
	}
	return &TableRef{Name: name}, nil
}

// TableStates returns all persisted metadata rows, newest first.
func (s *Store) TableStates(ctx context.Context) ([]TableStatus, error) {
	query := fmt.Sprintf(`SELECT table_name, status, updated_at FROM %s ORDER BY updated_at DESC`, metadataTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	defer rows.Close()

	var states []TableStatus
	for rows.Next() {
		var st TableStatus
		if err := rows.Scan(&st.Table.Name, &st.Status, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan index metadata: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// Activate atomically marks a table as the active one. The previous active
// table (if any) is demoted to retired in the same transaction, so no reader
// ever observes zero or two active tables.
func (s *Store) Activate(ctx context.Context, table TableRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback()

	demote := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = now()
		WHERE status = $2 AND table_name <> $3`, metadataTable)
	if _, err := tx.ExecContext(ctx, demote, StatusRetired, StatusActive, table.Name); err != nil {
		return fmt.Errorf("failed to demote active index table: %w", err)
	}

	promote := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = now()
		WHERE table_name = $2`, metadataTable)
	res, err := tx.ExecContext(ctx, promote, StatusActive, table.Name)
	if err != nil {
		return fmt.Errorf("failed to activate index table %s: %w", table.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cannot activate unknown index table %s", table.Name)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}

	s.log.WithField("table", table.Name).Info("activated search index table")
	return nil
}

// DropTable drops a retired table and forgets its metadata.
func (s *Store) DropTable(ctx context.Context, table TableRef) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table.Name)); err != nil {
		return fmt.Errorf("failed to drop index table %s: %w", table.Name, err)
	}
	del := fmt.Sprintf(`DELETE FROM %s WHERE table_name = $1`, metadataTable)
	if _, err := s.db.ExecContext(ctx, del, table.Name); err != nil {
		return fmt.Errorf("failed to forget index table %s: %w", table.Name, err)
	}
	return nil
}

// TruncateTable clears a table's contents for an in-place reindex and marks
// it pending again.
func (s *Store) TruncateTable(ctx context.Context, table TableRef) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table.Name)); err != nil {
		return fmt.Errorf("failed to truncate index table %s: %w", table.Name, err)
	}
	mark := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = now() WHERE table_name = $2`, metadataTable)
	if _, err := s.db.ExecContext(ctx, mark, StatusPending, table.Name); err != nil {
		return fmt.Errorf("failed to mark index table %s pending: %w", table.Name, err)
	}
	return nil
}

// BatchUpsert inserts or updates documents by (model, model_id). On conflict
// every non-key column is replaced with the new values, including both
// generated search vectors. No-ops on an empty batch. Each chunk is a single
// statement, so a failed chunk never leaves a row partially updated.
func (s *Store) BatchUpsert(ctx context.Context, table TableRef, docs []searchdoc.SearchDocument) error {
	if len(docs) == 0 {
		return nil
	}

	for start := 0; start < len(docs); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := s.upsertChunk(ctx, table, docs[start:end]); err != nil {
			return fmt.Errorf("failed to upsert chunk at offset %d: %w", start, err)
		}
	}
	return nil
}

func (s *Store) upsertChunk(ctx context.Context, table TableRef, docs []searchdoc.SearchDocument) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`
		INSERT INTO %s (
			model, model_id, name, searchable_text, native_query, legacy_input,
			collection_id, archived, view_count, bookmark_count,
			created_at, updated_at, last_edited_at,
			search_vector, native_search_vector
		) VALUES `, table.Name))

	args := make([]interface{}, 0, len(docs)*13)
	for i, doc := range docs {
		if err := doc.Validate(); err != nil {
			return err
		}

		o := i * 13
		if i > 0 {
			sb.WriteString(", ")
		}
		// Both tsvectors are generated at write time: name is weighted
		// highest, free text below it, and native query text lowest so
		// title matches outrank body matches.
		sb.WriteString(fmt.Sprintf(
			`($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d,
			setweight(to_tsvector('english', coalesce($%d, '')), 'A') ||
				setweight(to_tsvector('english', coalesce($%d, '')), 'B'),
			setweight(to_tsvector('english', coalesce($%d, '')), 'A') ||
				setweight(to_tsvector('english', coalesce($%d, '')), 'B') ||
				setweight(to_tsvector('english', coalesce($%d, '')), 'D'))`,
			o+1, o+2, o+3, o+4, o+5, o+6, o+7, o+8, o+9, o+10, o+11, o+12, o+13,
			o+3, o+4,
			o+3, o+4, o+5,
		))

		var legacy interface{}
		if len(doc.LegacyInput) > 0 {
			legacy = string(doc.LegacyInput)
		}
		args = append(args,
			string(doc.Model),
			doc.ModelID,
			doc.Name,
			nullString(doc.SearchableText),
			nullString(doc.NativeQuery),
			legacy,
			doc.CollectionID,
			doc.Archived,
			doc.ViewCount,
			doc.BookmarkCount,
			doc.CreatedAt,
			doc.UpdatedAt,
			doc.LastEditedAt,
		)
	}

	sb.WriteString(`
		ON CONFLICT (model, model_id) DO UPDATE SET
			name = EXCLUDED.name,
			searchable_text = EXCLUDED.searchable_text,
			native_query = EXCLUDED.native_query,
			legacy_input = EXCLUDED.legacy_input,
			collection_id = EXCLUDED.collection_id,
			archived = EXCLUDED.archived,
			view_count = EXCLUDED.view_count,
			bookmark_count = EXCLUDED.bookmark_count,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			last_edited_at = EXCLUDED.last_edited_at,
			search_vector = EXCLUDED.search_vector,
			native_search_vector = EXCLUDED.native_search_vector`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to upsert %d documents: %w", len(docs), err)
	}
	return nil
}

// DeleteDocuments removes documents of one model kind by source entity id.
// Callers batch ids so individual statements stay fast.
func (s *Store) DeleteDocuments(ctx context.Context, table TableRef, model searchdoc.Model, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE model = $1 AND model_id = ANY($2)`, table.Name)
	if _, err := s.db.ExecContext(ctx, query, string(model), pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete %d %s documents: %w", len(ids), model, err)
	}
	return nil
}

// ListModelIDs returns the source entity ids indexed for one model kind, in
// ascending order. The sweep uses this to compare against live entities.
func (s *Store) ListModelIDs(ctx context.Context, table TableRef, model searchdoc.Model) ([]int64, error) {
	query := fmt.Sprintf(`SELECT model_id FROM %s WHERE model = $1 ORDER BY model_id`, table.Name)

	rows, err := s.db.QueryContext(ctx, query, string(model))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s document ids: %w", model, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NotFound builds the diagnostic error for a missing active table from the
// persisted metadata.
func (s *Store) NotFound(ctx context.Context) *NotFoundError {
	states, err := s.TableStates(ctx)
	if err != nil || len(states) == 0 {
		return &NotFoundError{TableState: "absent"}
	}

	parts := make([]string, 0, len(states))
	lastSync := time.Time{}
	for _, st := range states {
		parts = append(parts, fmt.Sprintf("%s:%s", st.Status, st.Table.Name))
		if st.UpdatedAt.After(lastSync) {
			lastSync = st.UpdatedAt
		}
	}
	return &NotFoundError{TableState: strings.Join(parts, ", "), LastSyncAt: lastSync}
}

// isDuplicate reports whether err is the result of losing a concurrent
// creation race (duplicate table, index, or key).
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P07", "42710", "23505":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
