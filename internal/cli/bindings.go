package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var zone string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			bs, err := a.registry.List(cmd.Context(), zone)
			if err != nil {
				return commandError("list", err)
			}
			return emitBindings(opts, bs)
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "only this zone")
	return cmd
}

// NewSearchCommand creates the search command.
func NewSearchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find bindings by zone, MAC, source address or proof reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			bs, err := a.registry.Search(cmd.Context(), args[0])
			if err != nil {
				return commandError("search", err)
			}
			return emitBindings(opts, bs)
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <zone> <mac>",
		Short: "Show one binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.registry.Get(cmd.Context(), args[0], args[1])
			if errors.Is(err, service.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("no live binding for %s/%s", args[0], args[1]))
			}
			if err != nil {
				return commandError("show", err)
			}
			return emit(opts, b, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "zone\t%s\n", b.Zone)
				fmt.Fprintf(tw, "mac\t%s\n", b.MAC)
				fmt.Fprintf(tw, "expires\t%s (in %s)\n", b.ExpiresAt.Format(time.RFC3339), time.Until(b.ExpiresAt).Round(time.Minute))
				fmt.Fprintf(tw, "proof ref\t%s\n", service.ProofRef(b.ProofToken))
				fmt.Fprintf(tw, "first seen\t%s\n", b.FirstSeenAt.Format(time.RFC3339))
				fmt.Fprintf(tw, "last seen\t%s\n", b.LastSeenAt.Format(time.RFC3339))
				if b.SourceAddr != "" {
					fmt.Fprintf(tw, "source\t%s\n", b.SourceAddr)
				}
				_ = tw.Flush()
			})
		},
	}
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <zone> <mac>",
		Short: "Revoke a binding before it expires",
		Long: `Remove the portal bypass entry for a binding, tear down its session and
delete it from the store.  Fails if a run currently holds the lock.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.registry.Remove(cmd.Context(), args[0], args[1])
			switch {
			case errors.Is(err, service.ErrNotFound):
				return NewExitError(ExitFailure, fmt.Sprintf("no binding for %s/%s", args[0], args[1]))
			case errors.Is(err, lock.ErrBusy):
				return WrapExitError(ExitFailure, "a run is in progress, retry shortly", err)
			case errors.Is(err, service.ErrRemoveFailed), errors.Is(err, service.ErrPortalUnreachable):
				return WrapExitError(ExitFailure, "portal entry not removed; binding kept", err)
			case err != nil:
				return commandError("remove", err)
			}
			if err := emit(opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "removed %s/%s (%d portal entr%s removed, %d foreign left)\n",
					args[0], args[1], res.Removed, plural(res.Removed, "y", "ies"), res.ForeignSkipped)
			}); err != nil {
				return err
			}
			if res.Errors > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d portal error(s) during removal", res.Errors))
			}
			return nil
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the binding set and queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.registry.Stats(cmd.Context())
			if err != nil {
				return commandError("stats", err)
			}
			return emit(opts, st, func(w io.Writer) {
				fmt.Fprintf(w, "bindings:      %d\n", st.Total)
				zones := make([]string, 0, len(st.PerZone))
				for z := range st.PerZone {
					zones = append(zones, z)
				}
				sort.Strings(zones)
				for _, z := range zones {
					fmt.Fprintf(w, "  %-12s %d\n", z, st.PerZone[z])
				}
				fmt.Fprintf(w, "expiring <1h:  %d\n", st.ExpiringSoon)
				if !st.NextExpiry.IsZero() {
					fmt.Fprintf(w, "next expiry:   %s\n", st.NextExpiry.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "queue pending: %d\n", st.QueuePending)
				if !st.StoreUpdatedAt.IsZero() {
					fmt.Fprintf(w, "store saved:   %s\n", st.StoreUpdatedAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func emitBindings(opts *RootOptions, bs []types.Binding) error {
	if bs == nil {
		bs = []types.Binding{}
	}
	return emit(opts, bs, func(w io.Writer) {
		if len(bs) == 0 {
			fmt.Fprintln(w, "no bindings")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ZONE\tMAC\tEXPIRES\tREF\tSOURCE")
		for _, b := range bs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				b.Zone, b.MAC, b.ExpiresAt.Format(time.RFC3339), service.ProofRef(b.ProofToken), b.SourceAddr)
		}
		_ = tw.Flush()
	})
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
