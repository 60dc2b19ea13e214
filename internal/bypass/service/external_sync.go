package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/portal"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

var (
	// ErrPortalUnreachable means no zone of the control plane could be
	// listed, so no diff could be computed.
	ErrPortalUnreachable = errors.New("portal unreachable")

	// ErrBackup means the pre-change backup failed; no mutation was made.
	ErrBackup = errors.New("pre-change backup failed")

	// ErrRemoveFailed means the portal kept an entry that should have been
	// removed.
	ErrRemoveFailed = errors.New("portal entry removal failed")
)

// Change is one planned portal mutation.
type Change struct {
	Op          string           `json:"op"` // "add" | "remove"
	Zone        string           `json:"zone"`
	MAC         string           `json:"mac"`
	Description string           `json:"description,omitempty"`
	Provenance  types.Provenance `json:"-"`
}

// ReconcileInput is everything one reconciliation pass needs.
type ReconcileInput struct {
	Active types.Bindings

	// Evicted are bindings dropped from the store in this run.  Companion
	// entries for these keys are removed as well.
	Evicted []types.Binding

	// Zones are always listed, even with no bindings, so self entries left
	// behind in an otherwise empty zone are cleaned up.
	Zones []string

	DryRun bool

	// BeforeMutate runs once, right before the first mutating call.  An
	// error aborts the pass with nothing changed.
	BeforeMutate func(ctx context.Context) error
}

type ReconcileResult struct {
	Planned        []Change `json:"planned"`
	Added          int      `json:"added"`
	Removed        int      `json:"removed"`
	ForeignSkipped int      `json:"foreign_skipped"`
	Errors         int      `json:"errors"`
	Reloaded       []string `json:"reloaded,omitempty"`
	Mutated        bool     `json:"mutated"`

	// Unremoved are evicted keys whose portal entries may still be in
	// place: a removal failed or their zone could not be listed.  The
	// caller keeps them in the store so the next run retries.
	Unremoved []types.Key `json:"unremoved,omitempty"`
}

// ExternalSync mirrors the active binding set into the portal allow-list.
// It only adds or removes entries carrying its own tag, plus companion
// entries for keys the store accounts for.
type ExternalSync struct {
	portal portal.Controller
	tags   Tags
	logger *slog.Logger
}

func NewExternalSync(c portal.Controller, tags Tags, logger *slog.Logger) *ExternalSync {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ExternalSync{portal: c, tags: tags.withDefaults(), logger: logger}
}

func (s *ExternalSync) Tags() Tags { return s.tags }

// Reconcile plans every zone first and only then applies changes, so an
// unreachable portal aborts before anything is touched.
func (s *ExternalSync) Reconcile(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	var res ReconcileResult

	evicted := make(map[types.Key]bool, len(in.Evicted))
	zoneSet := make(map[string]bool)
	for _, z := range in.Zones {
		zoneSet[z] = true
	}
	for _, b := range in.Evicted {
		evicted[b.Key()] = true
		zoneSet[b.Zone] = true
	}
	for _, z := range in.Active.Zones() {
		zoneSet[z] = true
	}
	zones := make([]string, 0, len(zoneSet))
	for z := range zoneSet {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	listed := 0
	var lastErr error
	unlisted := make(map[string]bool)
	for _, zone := range zones {
		entries, err := s.portal.ListEntries(ctx, zone)
		if err != nil {
			s.logger.Error("list entries failed", "zone", zone, "err", err)
			res.Errors++
			lastErr = err
			unlisted[zone] = true
			continue
		}
		listed++
		changes, foreign := s.plan(zone, entries, in.Active, evicted)
		res.Planned = append(res.Planned, changes...)
		res.ForeignSkipped += foreign
	}
	if len(zones) > 0 && listed == 0 {
		return res, fmt.Errorf("%w: %v", ErrPortalUnreachable, lastErr)
	}

	if in.DryRun {
		for _, c := range res.Planned {
			s.logger.Info("dry run: would "+c.Op, "zone", c.Zone, "mac", c.MAC, "provenance", c.Provenance.String(), "description", c.Description)
		}
		return res, nil
	}

	ap := s.newApplier(in.BeforeMutate)
	for _, c := range res.Planned {
		if err := ap.apply(ctx, c); err != nil {
			return res, err
		}
	}
	res.Added, res.Removed = ap.added, ap.removed
	res.Errors += ap.failures
	res.Errors += ap.reload(ctx, &res.Reloaded)
	res.Mutated = ap.started

	for _, b := range in.Evicted {
		if unlisted[b.Zone] || ap.unremoved[b.Key()] {
			res.Unremoved = append(res.Unremoved, b.Key())
		}
	}
	return res, nil
}

// plan computes the changes for one zone.
func (s *ExternalSync) plan(zone string, entries []types.ManagedEntry, active types.Bindings, evicted map[types.Key]bool) ([]Change, int) {
	var (
		changes []Change
		foreign int
	)
	present := make(map[string]types.Provenance, len(entries))

	for _, e := range entries {
		prov := s.tags.Classify(e)
		// Self or companion wins over a foreign duplicate.
		if cur, ok := present[e.MAC]; !ok || cur == types.ProvenanceForeign {
			present[e.MAC] = prov
		}

		_, desired := active[types.NewKey(zone, e.MAC)]
		switch prov {
		case types.ProvenanceSelf:
			if !desired {
				changes = append(changes, Change{Op: "remove", Zone: zone, MAC: e.MAC, Description: e.Description, Provenance: prov})
			}
		case types.ProvenanceCompanion:
			if !desired && evicted[types.NewKey(zone, e.MAC)] {
				changes = append(changes, Change{Op: "remove", Zone: zone, MAC: e.MAC, Description: e.Description, Provenance: prov})
			}
		default:
			if !desired {
				foreign++
				s.logger.Warn("foreign entry left for manual review", "zone", zone, "mac", e.MAC, "description", e.Description)
			}
		}
	}

	for _, b := range active.Sorted() {
		if b.Zone != zone {
			continue
		}
		switch present[b.MAC] {
		case types.ProvenanceSelf, types.ProvenanceCompanion:
			continue
		}
		if _, ok := present[b.MAC]; ok {
			// Foreign entry already grants this MAC; leave it alone.
			foreign++
			s.logger.Warn("binding covered by foreign entry, not adding", "zone", zone, "mac", b.MAC)
			continue
		}
		changes = append(changes, Change{Op: "add", Zone: zone, MAC: b.MAC, Description: s.tags.Describe(b), Provenance: types.ProvenanceSelf})
	}
	return changes, foreign
}

// RemoveBinding is the manual-removal path: it removes the self or
// companion entry for b, tears down the session and reloads the zone.
func (s *ExternalSync) RemoveBinding(ctx context.Context, b types.Binding, beforeMutate func(context.Context) error) (ReconcileResult, error) {
	var res ReconcileResult

	entries, err := s.portal.ListEntries(ctx, b.Zone)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
	}

	ap := s.newApplier(beforeMutate)
	for _, e := range entries {
		if e.MAC != b.MAC {
			continue
		}
		prov := s.tags.Classify(e)
		if prov == types.ProvenanceForeign {
			res.ForeignSkipped++
			s.logger.Warn("foreign entry left for manual review", "zone", b.Zone, "mac", b.MAC, "description", e.Description)
			continue
		}
		c := Change{Op: "remove", Zone: b.Zone, MAC: b.MAC, Description: e.Description, Provenance: prov}
		res.Planned = append(res.Planned, c)
		if err := ap.apply(ctx, c); err != nil {
			return res, err
		}
	}
	res.Removed = ap.removed
	res.Errors = ap.failures
	res.Errors += ap.reload(ctx, &res.Reloaded)
	res.Mutated = ap.started
	if len(ap.unremoved) > 0 {
		res.Unremoved = []types.Key{b.Key()}
		return res, fmt.Errorf("%w: %s/%s", ErrRemoveFailed, b.Zone, b.MAC)
	}
	return res, nil
}

// applier carries the per-pass mutation state.
type applier struct {
	s            *ExternalSync
	beforeMutate func(context.Context) error
	started      bool
	touched      map[string]bool
	unremoved    map[types.Key]bool

	added, removed, failures int
}

func (s *ExternalSync) newApplier(beforeMutate func(context.Context) error) *applier {
	return &applier{
		s:            s,
		beforeMutate: beforeMutate,
		touched:      make(map[string]bool),
		unremoved:    make(map[types.Key]bool),
	}
}

// apply performs one change.  Only a backup failure is returned; call
// failures are counted and logged.
func (a *applier) apply(ctx context.Context, c Change) error {
	if !a.started {
		if a.beforeMutate != nil {
			if err := a.beforeMutate(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrBackup, err)
			}
		}
		a.started = true
	}

	log := a.s.logger.With("zone", c.Zone, "mac", c.MAC)
	switch c.Op {
	case "add":
		if err := a.s.portal.AddEntry(ctx, c.Zone, c.MAC, c.Description); err != nil {
			a.failures++
			log.Error("add entry failed", "err", err)
			return nil
		}
		a.added++
		a.touched[c.Zone] = true
		log.Info("entry added", "description", c.Description)

	case "remove":
		if err := a.s.portal.RemoveEntry(ctx, c.Zone, c.MAC); err != nil {
			a.failures++
			a.unremoved[types.NewKey(c.Zone, c.MAC)] = true
			log.Error("remove entry failed", "provenance", c.Provenance.String(), "err", err)
			return nil
		}
		a.removed++
		a.touched[c.Zone] = true
		log.Info("entry removed", "provenance", c.Provenance.String())
		a.teardown(ctx, c.Zone, c.MAC, log)
	}
	return nil
}

// teardown drops live enforcement state for mac.  Failure is logged only.
func (a *applier) teardown(ctx context.Context, zone, mac string, log *slog.Logger) {
	derr := a.s.portal.Disconnect(ctx, zone, mac)
	if derr == nil {
		return
	}
	if !errors.Is(derr, portal.ErrUnsupported) {
		log.Warn("disconnect failed, falling back to flush", "err", derr)
	}
	if ferr := a.s.portal.Flush(ctx, zone, mac); ferr != nil {
		log.Error("session teardown failed; client may keep access until its session ends",
			"disconnect_err", derr, "flush_err", ferr)
	}
}

// reload issues one reload per zone with a successful mutation and
// returns the number of failures.
func (a *applier) reload(ctx context.Context, reloaded *[]string) int {
	zones := make([]string, 0, len(a.touched))
	for z := range a.touched {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	failed := 0
	for _, z := range zones {
		if err := a.s.portal.Reload(ctx, z); err != nil {
			failed++
			a.s.logger.Error("reload failed", "zone", z, "err", err)
			continue
		}
		*reloaded = append(*reloaded, z)
	}
	return failed
}
