// Package lock guards a reconciliation run so at most one executes per
// instance.  Acquisition never blocks: a held lock is reported as ErrBusy
// and the caller skips the cycle.
//
// Exclusion is a non-blocking flock on the lock file, so the kernel drops
// it when the holder dies.  The JSON holder record inside the file is for
// diagnostics and for clearing a holder that hung past StaleAfter.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrBusy means another live run holds the lock.
	ErrBusy = errors.New("lock held by another run")

	// ErrNotHeld is returned when releasing a handle whose lock file was
	// replaced or removed underneath it.
	ErrNotHeld = errors.New("lock not held by this handle")
)

// DefaultStaleAfter is how old a holder record may get before it is
// cleared regardless of whether its pid is still alive.
const DefaultStaleAfter = 10 * time.Minute

// Holder is the identity recorded in the lock file.
type Holder struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	RunID      string    `json:"run_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Config holds the parameters for New.
type Config struct {
	Path       string
	StaleAfter time.Duration

	// Now and IsAlive are overridable for tests.
	Now     func() time.Time
	IsAlive func(pid int) bool
}

// Manager hands out the run lock.
type Manager struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
	isAlive    func(pid int) bool
	host       string
	pid        int
}

// Handle is a held lock.
type Handle struct {
	m      *Manager
	f      *os.File
	holder Holder
}

func New(cfg Config) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.IsAlive == nil {
		cfg.IsAlive = processAlive
	}
	host, _ := os.Hostname()
	return &Manager{
		path:       cfg.Path,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		isAlive:    cfg.IsAlive,
		host:       host,
		pid:        os.Getpid(),
	}
}

func (m *Manager) Path() string { return m.path }

// Acquire takes the lock or returns ErrBusy.  A holder that is stale (dead
// pid on this host, or older than StaleAfter) while still holding the
// flock is cleared and acquisition retried once.
func (m *Manager) Acquire(runID string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("lock mkdir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := m.tryLock()
		if err != nil {
			return nil, err
		}
		if f.locked {
			return m.claim(f.File, runID)
		}

		busy := f.File
		stale := attempt == 0 && m.holderStale()
		if stale {
			err = m.clear(busy)
		}
		_ = busy.Close()
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, ErrBusy
		}
	}
	return nil, ErrBusy
}

// Holder reads the current holder record.
func (m *Manager) Holder() (Holder, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, fmt.Errorf("lock holder decode: %w", err)
	}
	return h, nil
}

// SelfTest acquires and immediately releases the lock.
func (m *Manager) SelfTest() error {
	h, err := m.Acquire("selftest")
	if err != nil {
		return err
	}
	return h.Release()
}

type lockedFile struct {
	*os.File
	locked bool
}

// tryLock opens the lock file and attempts a non-blocking exclusive flock.
// A lock won on an inode that is no longer at m.path (cleared or released
// between open and flock) is dropped and the open retried.
func (m *Manager) tryLock() (lockedFile, error) {
	for {
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return lockedFile{}, fmt.Errorf("lock open: %w", err)
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return lockedFile{File: f}, nil
		}
		if err != nil {
			_ = f.Close()
			return lockedFile{}, fmt.Errorf("lock flock: %w", err)
		}
		if m.current(f) {
			return lockedFile{File: f, locked: true}, nil
		}
		_ = f.Close()
	}
}

// claim records this run as the holder of the flocked file.
func (m *Manager) claim(f *os.File, runID string) (*Handle, error) {
	holder := Holder{
		PID:        m.pid,
		Host:       m.host,
		RunID:      runID,
		AcquiredAt: m.now(),
	}
	data, _ := json.Marshal(holder)
	err := f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock write holder: %w", err)
	}
	return &Handle{m: m, f: f, holder: holder}, nil
}

// clear removes a stale lock file, provided it is still the inode busy
// refers to.  Clearers serialize on a guard file so that one of them
// cannot remove the fresh lock another has just created.
func (m *Manager) clear(busy *os.File) error {
	guard, err := os.OpenFile(m.path+".clear", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("lock clear guard: %w", err)
	}
	defer guard.Close()
	if err := unix.Flock(int(guard.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock clear guard: %w", err)
	}

	if !m.current(busy) {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock clear stale: %w", err)
	}
	return nil
}

// current reports whether f is still the file at m.path.
func (m *Manager) current(f *os.File) bool {
	want, err := f.Stat()
	if err != nil {
		return false
	}
	got, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	return os.SameFile(want, got)
}

func (m *Manager) holderStale() bool {
	cur, err := m.Holder()
	if err != nil {
		// Unreadable record: only the age of the file can tell us
		// whether it is abandoned.
		return m.fileStale()
	}
	if m.now().Sub(cur.AcquiredAt) > m.staleAfter {
		return true
	}
	return cur.Host == m.host && cur.PID > 0 && !m.isAlive(cur.PID)
}

func (m *Manager) fileStale() bool {
	fi, err := os.Stat(m.path)
	if err != nil {
		return true
	}
	return m.now().Sub(fi.ModTime()) > m.staleAfter
}

// Holder returns the record written when this handle was acquired.
func (h *Handle) Holder() Holder { return h.holder }

// Release removes the lock file if it still belongs to this handle, then
// drops the flock.
func (h *Handle) Release() error {
	if h.f == nil {
		return ErrNotHeld
	}
	defer func() {
		_ = h.f.Close()
		h.f = nil
	}()

	if !h.m.current(h.f) {
		return ErrNotHeld
	}
	cur, err := h.m.Holder()
	if err != nil {
		return err
	}
	if cur.PID != h.holder.PID || cur.RunID != h.holder.RunID || !cur.AcquiredAt.Equal(h.holder.AcquiredAt) {
		return ErrNotHeld
	}
	if err := os.Remove(h.m.path); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// processAlive reports whether pid exists.  EPERM means it exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
