package types

import "time"

// RunSummary is the outcome of one reconciliation run.  It is logged,
// recorded in the run log and mapped to the process exit status.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Skipped  bool `json:"skipped,omitempty"`  // lock held by another run
	Disabled bool `json:"disabled,omitempty"` // disable flag present
	DryRun   bool `json:"dry_run,omitempty"`

	EventsProcessed int `json:"events_processed"`
	EventsSkipped   int `json:"events_skipped"`
	EventsStale     int `json:"events_stale"`
	Backlog         int `json:"backlog"`

	BindingsAdded    int `json:"bindings_added"`
	BindingsExtended int `json:"bindings_extended"`
	BindingsEvicted  int `json:"bindings_evicted"`

	// RemovalsPending counts expired bindings kept because their portal
	// entry could not be removed yet.
	RemovalsPending int `json:"removals_pending,omitempty"`

	ExternalAdded   int  `json:"external_added"`
	ExternalRemoved int  `json:"external_removed"`
	ForeignSkipped  int  `json:"foreign_skipped"`
	BackupTaken     bool `json:"backup_taken,omitempty"`

	Errors int    `json:"errors"`
	Fatal  string `json:"fatal,omitempty"`
}

// Failed reports whether the run should exit non-zero.
func (s RunSummary) Failed() bool {
	return s.Errors > 0 || s.Fatal != ""
}
