// Package store defines persistence for the active binding set and the
// run history.  Implementations live in the file, sqlite and memory
// subpackages.
package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// BindingStore persists the active binding set as a whole.  Save must be
// atomic: a concurrent or later Load sees either the previous snapshot or
// the new one, never a mix.
//
// Load is fail-open: corrupt or unreadable state yields an empty set and
// a nil error, after logging.  Save is fail-safe: any error means nothing
// was replaced.
type BindingStore interface {
	Load(ctx context.Context) (types.Bindings, error)
	Save(ctx context.Context, bs types.Bindings) error
	UpdatedAt(ctx context.Context) (time.Time, error)
}

// RunLog is an append-only history of run summaries.
type RunLog interface {
	RecordRun(ctx context.Context, s types.RunSummary) error
	RecentRuns(ctx context.Context, limit int) ([]types.RunSummary, error)
}
