// Package backup keeps compressed point-in-time copies of the portal
// configuration.  A snapshot is taken lazily, right before the first
// mutating portal call of a run, and at most once per period.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BrandonDHaskell/voucher-bypass/internal/atomicfile"
)

const (
	DefaultPeriod = 24 * time.Hour
	DefaultKeep   = 14

	filePrefix = "portal-config-"
	fileSuffix = ".xml.zst"
	timeLayout = "20060102-150405"
)

// Source produces the configuration blob to back up.
type Source interface {
	BackupSnapshot(ctx context.Context) ([]byte, error)
}

// Destination receives a copy of every new backup, e.g. an S3 bucket.
type Destination interface {
	Put(ctx context.Context, name string, data []byte) error
}

type Config struct {
	Dir    string
	Period time.Duration // snapshots are bucketed by Now().Truncate(Period)
	Keep   int           // newest files retained; <= 0 keeps DefaultKeep
	Now    func() time.Time
}

// Info describes one backup file.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
	Size    int64     `json:"size"`
}

type Manager struct {
	cfg    Config
	source Source
	mirror Destination
	logger *slog.Logger
}

func NewManager(cfg Config, source Source, mirror Destination, logger *slog.Logger) *Manager {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{cfg: cfg, source: source, mirror: mirror, logger: logger}
}

func (m *Manager) Dir() string { return m.cfg.Dir }

// BackupIfNeeded takes a snapshot unless one already exists for the
// current period.  It reports whether a new file was written.
func (m *Manager) BackupIfNeeded(ctx context.Context) (bool, error) {
	now := m.cfg.Now().UTC()

	latest, err := m.Latest()
	if err != nil {
		return false, err
	}
	if latest != nil && !latest.TakenAt.Before(now.Truncate(m.cfg.Period)) {
		return false, nil
	}

	blob, err := m.source.BackupSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("backup snapshot: %w", err)
	}
	if len(blob) == 0 {
		return false, errors.New("backup snapshot: empty configuration")
	}

	compressed, err := compress(blob)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		return false, fmt.Errorf("backup mkdir: %w", err)
	}
	name := filePrefix + now.Format(timeLayout) + fileSuffix
	path := filepath.Join(m.cfg.Dir, name)
	if err := atomicfile.Write(path, compressed, 0o600); err != nil {
		return false, fmt.Errorf("backup write: %w", err)
	}
	m.logger.Info("portal config backed up", "file", name, "bytes", len(compressed), "raw_bytes", len(blob))

	if m.mirror != nil {
		if err := m.mirror.Put(ctx, name, compressed); err != nil {
			// The local copy is authoritative; a failed mirror is retried
			// with the next backup.
			m.logger.Warn("backup mirror failed", "file", name, "err", err)
		}
	}

	if err := m.prune(); err != nil {
		m.logger.Warn("backup prune failed", "err", err)
	}
	return true, nil
}

// List returns all backups, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup list: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		taken, ok := parseName(e.Name())
		if !ok {
			continue
		}
		info := Info{Name: e.Name(), Path: filepath.Join(m.cfg.Dir, e.Name()), TakenAt: taken}
		if fi, err := e.Info(); err == nil {
			info.Size = fi.Size()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

// Latest returns the newest backup or nil if none exist.
func (m *Manager) Latest() (*Info, error) {
	all, err := m.List()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// Read returns the decompressed contents of the named backup.
func (m *Manager) Read(name string) ([]byte, error) {
	if _, ok := parseName(name); !ok || filepath.Base(name) != name {
		return nil, fmt.Errorf("backup read: invalid name %q", name)
	}
	f, err := os.Open(filepath.Join(m.cfg.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("backup read: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("backup read: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// CheckWritable verifies the backup directory can be created and written.
func (m *Manager) CheckWritable() error {
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(m.cfg.Dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (m *Manager) prune() error {
	all, err := m.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, info := range all[min(len(all), m.cfg.Keep):] {
		if err := os.Remove(info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("backup pruned", "file", info.Name)
	}
	return errors.Join(errs...)
}

func compress(blob []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("backup compress: %w", err)
	}
	if _, err := enc.Write(blob); err != nil {
		enc.Close()
		return nil, fmt.Errorf("backup compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("backup compress: %w", err)
	}
	return buf.Bytes(), nil
}

func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(timeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
