package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// NewSelfTestCommand creates the selftest command.
func NewSelfTestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Check paths, the lock, the portal API and the backup directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rep := a.diagnostics.Run(cmd.Context())
			err = emit(opts, rep, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				for _, c := range rep.Checks {
					state := "ok"
					switch {
					case c.Info && !c.OK:
						state = "note"
					case !c.OK:
						state = "FAIL"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, state, c.Took.Round(time.Millisecond), c.Detail)
				}
				_ = tw.Flush()
			})
			if err != nil {
				return err
			}
			if !rep.OK() {
				return NewExitError(ExitFailure, "selftest failed")
			}
			return nil
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent run summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.runLog.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return commandError("history", err)
			}
			if runs == nil {
				runs = []types.RunSummary{}
			}
			return emit(opts, runs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTARTED\tDUR\tEVENTS\tADDED\tREMOVED\tERRORS\tSTATE")
				for _, r := range runs {
					state := "ok"
					switch {
					case r.Fatal != "":
						state = "fatal: " + r.Fatal
					case r.Disabled:
						state = "disabled"
					case r.DryRun:
						state = "dry-run"
					case r.Errors > 0:
						state = "errors"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
						r.RunID, r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond),
						r.EventsProcessed, r.ExternalAdded, r.ExternalRemoved, r.Errors, state)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs")
	return cmd
}

// NewDisableCommand creates the disable command.
func NewDisableCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Halt all runs by creating the disable flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.DisableFlag), 0o755); err != nil {
				return commandError("disable", err)
			}
			body := fmt.Sprintf("disabled at %s\n%s\n", time.Now().UTC().Format(time.RFC3339), reason)
			if err := os.WriteFile(cfg.DisableFlag, []byte(body), 0o644); err != nil {
				return commandError("disable", err)
			}
			fmt.Fprintf(opts.Out, "runs disabled (%s)\n", cfg.DisableFlag)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note stored in the flag file")
	return cmd
}

// NewEnableCommand creates the enable command.
func NewEnableCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Resume runs by removing the disable flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := os.Remove(cfg.DisableFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
				return commandError("enable", err)
			}
			fmt.Fprintln(opts.Out, "runs enabled")
			return nil
		},
	}
}
