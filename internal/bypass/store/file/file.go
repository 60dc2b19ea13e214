// Package file stores the active binding set as a single JSON document
// replaced atomically with write-temp-then-rename.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/atomicfile"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

const formatVersion = 1

type document struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Bindings  []types.Binding `json:"bindings"`
}

type BindingStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

func NewBindingStore(path string, logger *slog.Logger) *BindingStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BindingStore{
		path:   path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *BindingStore) Path() string { return s.path }

// Load returns the stored bindings.  A missing file is an empty store.  A
// corrupt or unreadable file is logged and also treated as empty so the
// run can proceed.
func (s *BindingStore) Load(_ context.Context) (types.Bindings, error) {
	doc, err := s.read()
	if errors.Is(err, os.ErrNotExist) {
		return make(types.Bindings), nil
	}
	if err != nil {
		s.logger.Warn("binding store unreadable, starting empty", "path", s.path, "err", err)
		return make(types.Bindings), nil
	}

	out := make(types.Bindings, len(doc.Bindings))
	for _, b := range doc.Bindings {
		if b.Zone == "" || b.MAC == "" {
			s.logger.Warn("binding store: dropping incomplete record", "zone", b.Zone, "mac", b.MAC)
			continue
		}
		out[b.Key()] = b
	}
	return out, nil
}

// Save writes bs to a temp file beside the target, syncs it and renames it
// over the target.
func (s *BindingStore) Save(_ context.Context, bs types.Bindings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("binding store mkdir: %w", err)
	}

	data, err := json.MarshalIndent(document{
		Version:   formatVersion,
		UpdatedAt: s.now(),
		Bindings:  bs.Sorted(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("binding store marshal: %w", err)
	}

	return atomicfile.Write(s.path, data, 0o640)
}

func (s *BindingStore) UpdatedAt(_ context.Context) (time.Time, error) {
	doc, err := s.read()
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return doc.UpdatedAt, nil
}

func (s *BindingStore) read() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Version != formatVersion {
		return document{}, fmt.Errorf("decode %s: unsupported version %d", s.path, doc.Version)
	}
	return doc, nil
}
