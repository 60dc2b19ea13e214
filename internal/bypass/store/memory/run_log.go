package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// RunLog is an in-memory append-only run history.
type RunLog struct {
	mu   sync.Mutex
	runs []types.RunSummary
}

func NewRunLog() *RunLog {
	return &RunLog{}
}

func (l *RunLog) RecordRun(_ context.Context, s types.RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, s)
	return nil
}

// RecentRuns returns up to limit summaries, newest first.
func (l *RunLog) RecentRuns(_ context.Context, limit int) ([]types.RunSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.runs) {
		limit = len(l.runs)
	}
	out := make([]types.RunSummary, 0, limit)
	for i := len(l.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.runs[i])
	}
	return out, nil
}
