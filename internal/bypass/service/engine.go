package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/queue"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
	"github.com/BrandonDHaskell/voucher-bypass/internal/events"
	"github.com/BrandonDHaskell/voucher-bypass/internal/idgen"
)

// ErrPersist means the binding store could not be saved; the queue was
// left untouched.
var ErrPersist = errors.New("persist binding store")

// Locker hands out the run lock.
type Locker interface {
	Acquire(runID string) (*lock.Handle, error)
}

// BackupTaker is the pre-change snapshot hook.
type BackupTaker interface {
	BackupIfNeeded(ctx context.Context) (bool, error)
}

// EngineDeps are the collaborators of a run.  Backup, RunLog and Events
// are optional.
type EngineDeps struct {
	Lock   Locker
	Queue  queue.Queue
	Store  store.BindingStore
	Sync   *ExternalSync
	Backup BackupTaker
	RunLog store.RunLog
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time
}

type EngineConfig struct {
	BatchSize   int
	Zones       []string
	DisableFlag string // path; its existence halts every run
	Instance    string // reported in published events
}

type RunOptions struct {
	DryRun bool
}

// Engine runs reconciliation.  It holds no state between runs.
type Engine struct {
	deps EngineDeps
	cfg  EngineConfig
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	return &Engine{deps: deps, cfg: cfg}
}

// Run executes one reconciliation: lock, drain, merge, evict, sync,
// persist, truncate, release.  A busy lock is a skipped run, not an error.
// The returned error is the fatal cause, if any; Summary.Failed reports
// whether the process should exit non-zero.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (types.RunSummary, error) {
	start := e.deps.Now()
	sum := types.RunSummary{StartedAt: start, DryRun: opts.DryRun}

	runID, err := idgen.RunID()
	if err != nil {
		return e.finish(ctx, sum, start, err)
	}
	sum.RunID = runID
	log := e.deps.Logger.With("run_id", runID)

	h, err := e.deps.Lock.Acquire(runID)
	if errors.Is(err, lock.ErrBusy) {
		log.Info("another run holds the lock, skipping")
		sum.Skipped = true
		return e.finish(ctx, sum, start, nil)
	}
	if err != nil {
		return e.finish(ctx, sum, start, fmt.Errorf("acquire lock: %w", err))
	}
	defer func() {
		if err := h.Release(); err != nil {
			log.Error("release lock", "err", err)
		}
	}()

	if e.disabled() {
		log.Warn("disable flag present, doing nothing", "flag", e.cfg.DisableFlag)
		sum.Disabled = true
		return e.finish(ctx, sum, start, nil)
	}

	err = e.reconcile(ctx, log, opts, &sum)
	return e.finish(ctx, sum, start, err)
}

func (e *Engine) reconcile(ctx context.Context, log *slog.Logger, opts RunOptions, sum *types.RunSummary) error {
	drain, err := e.deps.Queue.DrainUpTo(ctx, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	for _, sk := range drain.Skipped {
		log.Warn("dropping malformed queue line", "line", sk.LineNo, "reason", string(sk.Reason), "err", sk.Err)
	}
	sum.EventsSkipped = len(drain.Skipped)
	sum.Backlog = drain.Backlog()

	bindings, err := e.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load binding store: %w", err)
	}

	now := e.deps.Now()
	ms := Merge(bindings, drain.Events, now)
	evicted := Evict(bindings, now)
	for _, b := range evicted {
		log.Info("binding expired", "zone", b.Zone, "mac", b.MAC, "expires_at", b.ExpiresAt)
	}

	sum.EventsProcessed = len(drain.Events) - ms.Stale
	sum.EventsStale = ms.Stale
	sum.BindingsAdded = ms.Added
	sum.BindingsExtended = ms.Extended
	sum.BindingsEvicted = len(evicted)

	res, err := e.deps.Sync.Reconcile(ctx, ReconcileInput{
		Active:       bindings,
		Evicted:      evicted,
		Zones:        e.cfg.Zones,
		DryRun:       opts.DryRun,
		BeforeMutate: e.backup(sum),
	})
	sum.ExternalAdded = res.Added
	sum.ExternalRemoved = res.Removed
	sum.ForeignSkipped = res.ForeignSkipped
	sum.Errors += res.Errors
	if err != nil {
		return err
	}

	// An expired binding stays in the store until its portal entry is
	// gone, so a later run still lists its zone and retries.
	pending := make(map[types.Key]bool, len(res.Unremoved))
	for _, k := range res.Unremoved {
		pending[k] = true
	}
	for _, b := range evicted {
		if pending[b.Key()] {
			bindings[b.Key()] = b
			log.Warn("portal removal pending, retrying next run", "zone", b.Zone, "mac", b.MAC)
		}
	}
	sum.BindingsEvicted -= len(pending)
	sum.RemovalsPending = len(pending)

	if opts.DryRun {
		log.Info("dry run: store and queue left untouched", "planned", len(res.Planned))
		return nil
	}

	if err := e.deps.Store.Save(ctx, bindings); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if err := e.deps.Queue.Commit(ctx, drain.Consumed); err != nil {
		// Events stay queued and merge again next run; merging is
		// idempotent.
		if errors.Is(err, queue.ErrBusy) {
			log.Warn("queue busy, truncation deferred to next run", "lines", drain.Consumed)
		} else {
			log.Error("queue truncation failed", "lines", drain.Consumed, "err", err)
			sum.Errors++
		}
		sum.Backlog += drain.Consumed
	}
	return nil
}

// backup returns the BeforeMutate hook.
func (e *Engine) backup(sum *types.RunSummary) func(context.Context) error {
	if e.deps.Backup == nil {
		return nil
	}
	return func(ctx context.Context) error {
		took, err := e.deps.Backup.BackupIfNeeded(ctx)
		if err != nil {
			return err
		}
		sum.BackupTaken = took
		return nil
	}
}

func (e *Engine) disabled() bool {
	if e.cfg.DisableFlag == "" {
		return false
	}
	_, err := os.Stat(e.cfg.DisableFlag)
	return err == nil
}

// finish stamps the duration, logs the summary and records it.
func (e *Engine) finish(ctx context.Context, sum types.RunSummary, start time.Time, fatal error) (types.RunSummary, error) {
	sum.Duration = e.deps.Now().Sub(start)
	if fatal != nil {
		sum.Fatal = fatal.Error()
	}

	log := e.deps.Logger.With("run_id", sum.RunID)
	attrs := []any{
		"events_processed", sum.EventsProcessed,
		"events_skipped", sum.EventsSkipped,
		"events_stale", sum.EventsStale,
		"backlog", sum.Backlog,
		"bindings_added", sum.BindingsAdded,
		"bindings_extended", sum.BindingsExtended,
		"bindings_evicted", sum.BindingsEvicted,
		"removals_pending", sum.RemovalsPending,
		"external_added", sum.ExternalAdded,
		"external_removed", sum.ExternalRemoved,
		"foreign_skipped", sum.ForeignSkipped,
		"errors", sum.Errors,
		"duration", sum.Duration,
	}
	switch {
	case fatal != nil:
		log.Error("run failed", append(attrs, "err", fatal)...)
	case sum.Skipped, sum.Disabled:
		log.Info("run skipped", "skipped", sum.Skipped, "disabled", sum.Disabled)
	default:
		log.Info("run complete", attrs...)
	}

	if sum.RunID != "" && !sum.Skipped {
		if e.deps.RunLog != nil {
			if err := e.deps.RunLog.RecordRun(ctx, sum); err != nil {
				log.Warn("record run summary", "err", err)
			}
		}
		if err := e.deps.Events.Publish(ctx, events.TopicRunCompleted, events.RunCompleted{
			Instance: e.cfg.Instance,
			Summary:  sum,
		}); err != nil {
			log.Warn("publish run summary", "err", err)
		}
	}
	return sum, fatal
}
