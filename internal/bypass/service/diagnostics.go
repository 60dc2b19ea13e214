package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/portal"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store"
)

// Check is the outcome of one diagnostic.  Informational checks never
// fail the report.
type Check struct {
	Name   string        `json:"name"`
	OK     bool          `json:"ok"`
	Info   bool          `json:"info,omitempty"`
	Detail string        `json:"detail,omitempty"`
	Took   time.Duration `json:"took"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK && !c.Info {
			return false
		}
	}
	return true
}

type SelfTester interface {
	SelfTest() error
}

type WritableChecker interface {
	CheckWritable() error
}

// DiagnosticsDeps names what to probe.  Nil or empty fields skip the
// corresponding check.
type DiagnosticsDeps struct {
	Lock        SelfTester
	QueuePath   string
	Store       store.BindingStore
	StorePath   string // file-backed stores only
	Backup      WritableChecker
	Portal      portal.Controller
	Zones       []string
	DisableFlag string

	// SchemaVersion reports the applied database migration level.
	SchemaVersion func(ctx context.Context) (int, error)
}

// Diagnostics runs independent health checks.  It is for install-time and
// operational verification and must not run inside a reconciliation.
type Diagnostics struct {
	deps DiagnosticsDeps
}

func NewDiagnostics(deps DiagnosticsDeps) *Diagnostics {
	return &Diagnostics{deps: deps}
}

func (d *Diagnostics) Run(ctx context.Context) Report {
	var r Report
	add := func(name string, fn func() error) {
		start := time.Now()
		err := fn()
		c := Check{Name: name, OK: err == nil, Took: time.Since(start)}
		if err != nil {
			c.Detail = err.Error()
		}
		r.Checks = append(r.Checks, c)
	}

	if d.deps.Lock != nil {
		add("lock", func() error {
			// A live run holding the lock proves it works.
			if err := d.deps.Lock.SelfTest(); err != nil && !errors.Is(err, lock.ErrBusy) {
				return err
			}
			return nil
		})
	}
	if d.deps.QueuePath != "" {
		add("queue", func() error { return probeAppendable(d.deps.QueuePath) })
	}
	if d.deps.Store != nil {
		add("store", func() error {
			if d.deps.StorePath != "" {
				if err := probeDirWritable(filepath.Dir(d.deps.StorePath)); err != nil {
					return err
				}
			}
			_, err := d.deps.Store.UpdatedAt(ctx)
			return err
		})
	}
	if d.deps.SchemaVersion != nil {
		start := time.Now()
		v, err := d.deps.SchemaVersion(ctx)
		c := Check{Name: "database", OK: err == nil && v > 0, Detail: fmt.Sprintf("schema v%d", v)}
		switch {
		case err != nil:
			c.Detail = err.Error()
		case v == 0:
			c.Detail = "no migrations applied"
		}
		c.Took = time.Since(start)
		r.Checks = append(r.Checks, c)
	}
	if d.deps.Backup != nil {
		add("backup_dir", d.deps.Backup.CheckWritable)
	}
	if d.deps.Portal != nil {
		add("portal", func() error { return d.checkPortal(ctx) })
	}
	if d.deps.DisableFlag != "" {
		c := Check{Name: "disable_flag", OK: true, Info: true, Detail: "absent"}
		if _, err := os.Stat(d.deps.DisableFlag); err == nil {
			c.OK = false
			c.Detail = "present: runs are halted"
		}
		r.Checks = append(r.Checks, c)
	}
	return r
}

func (d *Diagnostics) checkPortal(ctx context.Context) error {
	if err := d.deps.Portal.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var errs []error
	for _, z := range d.deps.Zones {
		if _, err := d.deps.Portal.ListEntries(ctx, z); err != nil {
			errs = append(errs, fmt.Errorf("zone %s: %w", z, err))
		}
	}
	return errors.Join(errs...)
}

// probeAppendable opens path for append without changing its contents.
func probeAppendable(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	rf, err := os.Open(path)
	if err != nil {
		return err
	}
	return rf.Close()
}

func probeDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
