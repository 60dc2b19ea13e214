package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
	dbpkg "github.com/BrandonDHaskell/voucher-bypass/internal/db"
)

type RunLog struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewRunLog(db *sql.DB, writer *dbpkg.Worker) *RunLog {
	return &RunLog{db: db, writer: writer}
}

func (l *RunLog) RecordRun(ctx context.Context, s types.RunSummary) error {
	if s.RunID == "" {
		return fmt.Errorf("RecordRun: empty run id")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("RecordRun marshal: %w", err)
	}

	failed := 0
	if s.Failed() {
		failed = 1
	}

	return l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_log(run_id, started_at_ms, duration_ms, failed, summary_json)
VALUES (?, ?, ?, ?, ?);
`, s.RunID, s.StartedAt.UTC().UnixMilli(), s.Duration.Milliseconds(), failed, string(raw)); err != nil {
			return fmt.Errorf("RecordRun insert: %w", err)
		}
		return nil
	})
}

// RecentRuns returns up to limit summaries, newest first.  A non-positive
// limit returns everything.
func (l *RunLog) RecentRuns(ctx context.Context, limit int) ([]types.RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT summary_json FROM run_log
ORDER BY started_at_ms DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("RecentRuns query: %w", err)
	}
	defer rows.Close()

	var out []types.RunSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("RecentRuns scan: %w", err)
		}
		var s types.RunSummary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("RecentRuns decode: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
