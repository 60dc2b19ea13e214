// Package memory is an in-process portal.Controller used by tests and by
// the dev wiring.  It records every call so tests can assert on exactly
// which mutations were issued.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/portal"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// Call is one recorded Controller invocation.
type Call struct {
	Op   string
	Zone string
	MAC  string
}

type Controller struct {
	mu      sync.Mutex
	entries map[string]map[string]string // zone -> mac -> description
	calls   []Call

	// Failure injection.
	Unreachable  error // returned by Ping and ListEntries
	FailAdd      map[types.Key]error
	FailRemove   map[types.Key]error
	NoDisconnect bool // Disconnect returns portal.ErrUnsupported
	FailFlush    error
	FailReload   error
	FailBackup   error
	Snapshot     []byte
}

func New() *Controller {
	return &Controller{
		entries:    make(map[string]map[string]string),
		FailAdd:    make(map[types.Key]error),
		FailRemove: make(map[types.Key]error),
		Snapshot:   []byte("<config/>"),
	}
}

// Seed installs an entry without recording a call, as if another actor
// had created it.
func (c *Controller) Seed(zone, mac, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zone(zone)[mac] = description
}

// Entries returns the current entries of zone sorted by MAC.
func (c *Controller) Entries(zone string) []types.ManagedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list(zone)
}

// Calls returns the recorded calls, optionally filtered by op.
func (c *Controller) Calls(ops ...string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ops) == 0 {
		return append([]Call(nil), c.calls...)
	}
	want := make(map[string]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}
	var out []Call
	for _, call := range c.calls {
		if want[call.Op] {
			out = append(out, call)
		}
	}
	return out
}

// Mutations returns calls that change portal state.
func (c *Controller) Mutations() []Call {
	return c.Calls("add", "remove", "disconnect", "flush", "reload")
}

func (c *Controller) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Controller) ListEntries(_ context.Context, zone string) ([]types.ManagedEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("list", zone, "")
	if c.Unreachable != nil {
		return nil, c.Unreachable
	}
	return c.list(zone), nil
}

func (c *Controller) AddEntry(_ context.Context, zone, mac, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add", zone, mac)
	if err := c.FailAdd[types.NewKey(zone, mac)]; err != nil {
		return err
	}
	c.zone(zone)[mac] = description
	return nil
}

func (c *Controller) RemoveEntry(_ context.Context, zone, mac string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("remove", zone, mac)
	if err := c.FailRemove[types.NewKey(zone, mac)]; err != nil {
		return err
	}
	delete(c.zone(zone), mac)
	return nil
}

func (c *Controller) Disconnect(_ context.Context, zone, mac string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("disconnect", zone, mac)
	if c.NoDisconnect {
		return portal.ErrUnsupported
	}
	return nil
}

func (c *Controller) Flush(_ context.Context, zone, mac string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("flush", zone, mac)
	return c.FailFlush
}

func (c *Controller) Reload(_ context.Context, zone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("reload", zone, "")
	return c.FailReload
}

func (c *Controller) BackupSnapshot(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("backup", "", "")
	if c.FailBackup != nil {
		return nil, c.FailBackup
	}
	return append([]byte(nil), c.Snapshot...), nil
}

func (c *Controller) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Unreachable
}

func (c *Controller) record(op, zone, mac string) {
	c.calls = append(c.calls, Call{Op: op, Zone: zone, MAC: mac})
}

func (c *Controller) zone(zone string) map[string]string {
	z, ok := c.entries[zone]
	if !ok {
		z = make(map[string]string)
		c.entries[zone] = z
	}
	return z
}

func (c *Controller) list(zone string) []types.ManagedEntry {
	z := c.entries[zone]
	out := make([]types.ManagedEntry, 0, len(z))
	for mac, desc := range z {
		out = append(out, types.ManagedEntry{Zone: zone, MAC: mac, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}
