package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// Runner is what the scheduler drives; *Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (types.RunSummary, error)
}

// Scheduler runs reconciliation on a fixed interval for serve mode.  Runs
// never overlap within the process; across processes the run lock decides.
//
// An interval of 0 disables the loop.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	mu   sync.Mutex
	last types.RunSummary
}

// NewScheduler creates a scheduler but does not start it.
func NewScheduler(r Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		runner:   r,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs once immediately, then on every tick, until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled (interval=0)")
		close(s.done)
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)

	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for an in-flight run.  It is a
// no-op if the loop never started.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Last returns the most recent summary.
func (s *Scheduler) Last() types.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	// The engine already logs the summary and the fatal cause.
	sum, _ := s.runner.Run(ctx, RunOptions{})
	s.mu.Lock()
	s.last = sum
	s.mu.Unlock()
}
