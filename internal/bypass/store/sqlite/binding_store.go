package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
	dbpkg "github.com/BrandonDHaskell/voucher-bypass/internal/db"
)

const metaUpdatedAt = "bindings_updated_at_ms"

type BindingStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	logger *slog.Logger
}

func NewBindingStore(db *sql.DB, writer *dbpkg.Worker, logger *slog.Logger) *BindingStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BindingStore{db: db, writer: writer, logger: logger}
}

// Load reads the full binding set.  Query failures are logged and yield
// an empty set.
func (s *BindingStore) Load(ctx context.Context) (types.Bindings, error) {
	out := make(types.Bindings)

	rows, err := s.db.QueryContext(ctx, `
SELECT zone, mac, expires_at_ms, proof_token, first_seen_at_ms, last_seen_at_ms, source_addr
FROM bindings;
`)
	if err != nil {
		s.logger.Warn("binding store unreadable, starting empty", "err", err)
		return out, nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b                      types.Binding
			expMs, firstMs, lastMs int64
		)
		if err := rows.Scan(&b.Zone, &b.MAC, &expMs, &b.ProofToken, &firstMs, &lastMs, &b.SourceAddr); err != nil {
			s.logger.Warn("binding store: skipping unreadable row", "err", err)
			continue
		}
		b.ExpiresAt = time.UnixMilli(expMs).UTC()
		b.FirstSeenAt = time.UnixMilli(firstMs).UTC()
		b.LastSeenAt = time.UnixMilli(lastMs).UTC()
		out[b.Key()] = b
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("binding store unreadable, starting empty", "err", err)
		return make(types.Bindings), nil
	}
	return out, nil
}

// Save replaces the binding set in one transaction.
func (s *BindingStore) Save(ctx context.Context, bs types.Bindings) error {
	nowMs := time.Now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bindings;`); err != nil {
			return fmt.Errorf("Save clear bindings: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO bindings(
  zone, mac, expires_at_ms, proof_token, first_seen_at_ms, last_seen_at_ms, source_addr
) VALUES (?, ?, ?, ?, ?, ?, ?);
`)
		if err != nil {
			return fmt.Errorf("Save prepare: %w", err)
		}
		defer stmt.Close()

		for _, b := range bs.Sorted() {
			if _, err := stmt.ExecContext(ctx,
				b.Zone, b.MAC,
				b.ExpiresAt.UTC().UnixMilli(), b.ProofToken,
				b.FirstSeenAt.UTC().UnixMilli(), b.LastSeenAt.UTC().UnixMilli(),
				b.SourceAddr,
			); err != nil {
				return fmt.Errorf("Save insert %s: %w", b.Key(), err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO store_meta(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;
`, metaUpdatedAt, strconv.FormatInt(nowMs, 10)); err != nil {
			return fmt.Errorf("Save stamp updated_at: %w", err)
		}
		return nil
	})
}

func (s *BindingStore) UpdatedAt(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?;`, metaUpdatedAt).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("UpdatedAt query: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("UpdatedAt parse %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
