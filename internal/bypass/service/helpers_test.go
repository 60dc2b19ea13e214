package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	portalmem "github.com/BrandonDHaskell/voucher-bypass/internal/bypass/portal/memory"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/queue"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	storemem "github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store/memory"
	"github.com/BrandonDHaskell/voucher-bypass/internal/events"
)

// clock is a settable time source shared by the engine and the lock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBackup struct {
	calls int
	err   error
}

func (b *fakeBackup) BackupIfNeeded(context.Context) (bool, error) {
	b.calls++
	if b.err != nil {
		return false, b.err
	}
	return b.calls == 1, nil
}

// harness wires an engine to in-memory collaborators and a real lock file.
type harness struct {
	clock   *clock
	lockCfg lock.Config
	lock    *lock.Manager
	queue   *queue.Memory
	store   *storemem.BindingStore
	runLog  *storemem.RunLog
	portal  *portalmem.Controller
	backup  *fakeBackup
	events  *events.Recorder
	cfg     service.EngineConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  &clock{t: t0},
		queue:  queue.NewMemory(),
		store:  storemem.NewBindingStore(),
		runLog: storemem.NewRunLog(),
		portal: portalmem.New(),
		backup: &fakeBackup{},
		events: &events.Recorder{},
	}
	h.lockCfg = lock.Config{Path: filepath.Join(t.TempDir(), "run.lock"), Now: h.clock.Now}
	h.lock = lock.New(h.lockCfg)
	// Most tests pin the zone list; tests covering the shipped default
	// clear it.
	h.cfg = service.EngineConfig{Zones: []string{"guest"}, Instance: "test"}
	return h
}

func (h *harness) deps() service.EngineDeps {
	return service.EngineDeps{
		Lock:   h.lock,
		Queue:  h.queue,
		Store:  h.store,
		Sync:   service.NewExternalSync(h.portal, service.Tags{}, nil),
		Backup: h.backup,
		RunLog: h.runLog,
		Events: h.events,
		Now:    h.clock.Now,
	}
}

func (h *harness) engine() *service.Engine {
	return service.NewEngine(h.deps(), h.cfg)
}

func (h *harness) registry() *service.Registry {
	return service.NewRegistry(h.deps(), h.cfg)
}
