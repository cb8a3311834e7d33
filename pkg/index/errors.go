package index

import (
	"errors"
	"fmt"
	"time"
)

// ErrIndexUnavailable indicates that the backing store lacks the text-search
// primitives the index requires. Search is disabled, not crashed: callers
// should surface a "search disabled" state.
var ErrIndexUnavailable = errors.New("index: backing store does not support full-text search")

// NotFoundError is returned when the store supports search but no active
// index table exists. It carries enough diagnostic context for the caller to
// decide whether to trigger a lazy re-initialization.
type NotFoundError struct {
	// TableState summarizes the persisted metadata, e.g. "absent" or
	// "pending:search_index_20240101120000".
	TableState string

	// LastSyncAt is the last time any index table changed state. Zero when
	// no metadata exists at all.
	LastSyncAt time.Time
}

func (e *NotFoundError) Error() string {
	if e.LastSyncAt.IsZero() {
		return fmt.Sprintf("index: no active search index (state: %s)", e.TableState)
	}
	return fmt.Sprintf("index: no active search index (state: %s, last sync: %s)",
		e.TableState, e.LastSyncAt.Format(time.RFC3339))
}
