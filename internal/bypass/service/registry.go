package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/queue"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
	"github.com/BrandonDHaskell/voucher-bypass/internal/events"
	"github.com/BrandonDHaskell/voucher-bypass/internal/idgen"
)

var (
	ErrNotFound     = errors.New("binding not found")
	ErrInvalidGrant = errors.New("invalid grant")
)

// Stats summarizes the active binding set.
type Stats struct {
	Total          int            `json:"total"`
	PerZone        map[string]int `json:"per_zone"`
	ExpiringSoon   int            `json:"expiring_soon"` // within SoonWindow
	NextExpiry     time.Time      `json:"next_expiry,omitempty"`
	StoreUpdatedAt time.Time      `json:"store_updated_at,omitempty"`
	QueuePending   int            `json:"queue_pending"`
}

// SoonWindow is the horizon for Stats.ExpiringSoon.
const SoonWindow = time.Hour

// Registry is the read-mostly query surface over the binding store, plus
// grant submission and manual removal.
type Registry struct {
	lock   Locker
	queue  queue.Queue
	store  store.BindingStore
	sync   *ExternalSync
	backup BackupTaker
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	instance string
}

func NewRegistry(deps EngineDeps, cfg EngineConfig) *Registry {
	r := &Registry{
		lock:   deps.Lock,
		queue:  deps.Queue,
		store:  deps.Store,
		sync:   deps.Sync,
		backup: deps.Backup,
		events: deps.Events,
		logger: deps.Logger,
		now:    deps.Now,

		instance: cfg.Instance,
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.events == nil {
		r.events = events.NoopPublisher{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// live loads the store and hides bindings that have expired but not yet
// been evicted by a run.
func (r *Registry) live(ctx context.Context) (types.Bindings, error) {
	bs, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for k, b := range bs {
		if b.Expired(now) {
			delete(bs, k)
		}
	}
	return bs, nil
}

// List returns live bindings, optionally restricted to zone.
func (r *Registry) List(ctx context.Context, zone string) ([]types.Binding, error) {
	bs, err := r.live(ctx)
	if err != nil {
		return nil, err
	}
	out := bs.Sorted()
	if zone == "" {
		return out, nil
	}
	filtered := out[:0]
	for _, b := range out {
		if b.Zone == zone {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// Search matches q case-insensitively against zone, MAC, source address
// and proof reference.  MACs match with or without separators.
func (r *Registry) Search(ctx context.Context, q string) ([]types.Binding, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return r.List(ctx, "")
	}
	bare := ""
	if h := stripMACSeparators(q); len(h) >= 2 && isHex(h) {
		bare = h
	}

	all, err := r.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []types.Binding
	for _, b := range all {
		switch {
		case strings.Contains(strings.ToLower(b.Zone), q),
			strings.Contains(b.MAC, q),
			bare != "" && strings.Contains(stripMACSeparators(b.MAC), bare),
			strings.Contains(b.SourceAddr, q),
			strings.HasPrefix(ProofRef(b.ProofToken), q):
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *Registry) Get(ctx context.Context, zone, mac string) (types.Binding, error) {
	mac, err := types.NormalizeMAC(mac)
	if err != nil {
		return types.Binding{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	bs, err := r.live(ctx)
	if err != nil {
		return types.Binding{}, err
	}
	b, ok := bs[types.NewKey(zone, mac)]
	if !ok {
		return types.Binding{}, ErrNotFound
	}
	return b, nil
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	bs, err := r.live(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := r.now()
	st := Stats{Total: len(bs), PerZone: make(map[string]int)}
	for _, b := range bs {
		st.PerZone[b.Zone]++
		if b.ExpiresAt.Before(now.Add(SoonWindow)) {
			st.ExpiringSoon++
		}
		if st.NextExpiry.IsZero() || b.ExpiresAt.Before(st.NextExpiry) {
			st.NextExpiry = b.ExpiresAt
		}
	}
	if st.StoreUpdatedAt, err = r.store.UpdatedAt(ctx); err != nil {
		r.logger.Warn("stats: store updated_at unavailable", "err", err)
	}
	if r.queue != nil {
		if d, err := r.queue.DrainUpTo(ctx, 1); err == nil {
			st.QueuePending = d.Pending
		} else {
			r.logger.Warn("stats: queue unreadable", "err", err)
		}
	}
	return st, nil
}

// Submit validates and queues a grant.  It is the append interface for
// hooks that cannot write the queue file themselves.
func (r *Registry) Submit(ctx context.Context, ev types.GrantEvent) (types.GrantEvent, error) {
	ev.Zone = strings.TrimSpace(ev.Zone)
	if ev.Zone == "" {
		return ev, fmt.Errorf("%w: zone is required", ErrInvalidGrant)
	}
	mac, err := types.NormalizeMAC(ev.MAC)
	if err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	ev.MAC = mac
	if ev.ExpiresAt.IsZero() {
		return ev, fmt.Errorf("%w: expires_at is required", ErrInvalidGrant)
	}
	if strings.TrimSpace(ev.ProofToken) == "" {
		return ev, fmt.Errorf("%w: proof_token is required", ErrInvalidGrant)
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = r.now()
	}
	if err := r.queue.Append(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Remove deletes a binding ahead of its expiry.  It takes the run lock,
// removes the portal entry through the same path eviction uses, and only
// then persists the store.
func (r *Registry) Remove(ctx context.Context, zone, mac string) (ReconcileResult, error) {
	mac, err := types.NormalizeMAC(mac)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	runID, err := idgen.RunID()
	if err != nil {
		return ReconcileResult{}, err
	}
	h, err := r.lock.Acquire(runID)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer func() {
		if err := h.Release(); err != nil {
			r.logger.Error("release lock", "err", err)
		}
	}()

	bs, err := r.store.Load(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	key := types.NewKey(zone, mac)
	b, ok := bs[key]
	if !ok {
		return ReconcileResult{}, ErrNotFound
	}

	var hook func(context.Context) error
	if r.backup != nil {
		hook = func(ctx context.Context) error {
			_, err := r.backup.BackupIfNeeded(ctx)
			return err
		}
	}
	res, err := r.sync.RemoveBinding(ctx, b, hook)
	if err != nil {
		return res, err
	}

	delete(bs, key)
	if err := r.store.Save(ctx, bs); err != nil {
		return res, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	r.logger.Info("binding removed manually", "zone", zone, "mac", mac, "run_id", runID, "portal_removed", res.Removed)

	if err := r.events.Publish(ctx, events.TopicBindingRemoved, events.BindingRemoved{
		Instance:  r.instance,
		Zone:      zone,
		MAC:       mac,
		RemovedAt: r.now(),
		Reason:    "manual",
	}); err != nil {
		r.logger.Warn("publish removal", "err", err)
	}
	return res, nil
}

// Zones lists the zones with live bindings.
func (r *Registry) Zones(ctx context.Context) ([]string, error) {
	bs, err := r.live(ctx)
	if err != nil {
		return nil, err
	}
	return bs.Zones(), nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

func stripMACSeparators(s string) string {
	return strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
}
