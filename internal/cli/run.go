package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation",
		Long: `Drain queued grants, merge them into the binding store, evict expired
bindings and bring the portal bypass list in line.

Exits 0 when the run succeeded, was skipped because another run holds the
lock, or is disabled by the disable flag.  Exits 1 on any error.

Example:
  bypass-sync run
  bypass-sync run --dry-run --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, opts, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only; change nothing")

	return cmd
}

func runOnce(ctx context.Context, opts *RootOptions, dryRun bool) error {
	a, err := openApp(ctx, opts, !dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, runErr := a.engine.Run(ctx, service.RunOptions{DryRun: dryRun})
	if err := emit(opts, sum, func(w io.Writer) { printSummary(w, sum) }); err != nil {
		return err
	}
	if sum.Failed() {
		if runErr == nil {
			return NewExitError(ExitFailure, fmt.Sprintf("run %s finished with %d error(s)", sum.RunID, sum.Errors))
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("run %s failed", sum.RunID), runErr)
	}
	return nil
}

func printSummary(w io.Writer, s types.RunSummary) {
	switch {
	case s.Skipped:
		fmt.Fprintf(w, "run %s skipped: another run holds the lock\n", s.RunID)
		return
	case s.Disabled:
		fmt.Fprintf(w, "run %s disabled by flag file\n", s.RunID)
		return
	}
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "run %s%s in %s\n", s.RunID, mode, s.Duration)
	fmt.Fprintf(w, "  events:   %d processed, %d skipped, %d stale, %d backlog\n",
		s.EventsProcessed, s.EventsSkipped, s.EventsStale, s.Backlog)
	fmt.Fprintf(w, "  bindings: %d added, %d extended, %d evicted\n",
		s.BindingsAdded, s.BindingsExtended, s.BindingsEvicted)
	fmt.Fprintf(w, "  portal:   %d added, %d removed, %d foreign skipped\n",
		s.ExternalAdded, s.ExternalRemoved, s.ForeignSkipped)
	if s.BackupTaken {
		fmt.Fprintln(w, "  backup:   taken")
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  errors:   %d\n", s.Errors)
	}
	if s.Fatal != "" {
		fmt.Fprintf(w, "  fatal:    %s\n", s.Fatal)
	}
}
