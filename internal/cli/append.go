package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

type appendOptions struct {
	zone    string
	mac     string
	expires string
	proof   string
	source  string
}

// NewAppendCommand creates the append command used by the portal hook.
func NewAppendCommand(opts *RootOptions) *cobra.Command {
	ao := &appendOptions{}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Queue one voucher grant",
		Long: `Append a grant to the queue for the next run.  --expires takes an
RFC 3339 time, a unix timestamp, or a duration from now.

Example:
  bypass-sync append --zone guest --mac aa:bb:cc:dd:ee:ff --expires 8h --proof 4f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseExpiry(ao.expires, time.Now().UTC())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --expires", err)
			}

			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.registry.Submit(cmd.Context(), types.GrantEvent{
				Zone:       ao.zone,
				MAC:        ao.mac,
				ExpiresAt:  exp,
				ProofToken: ao.proof,
				SourceAddr: ao.source,
			})
			if errors.Is(err, service.ErrInvalidGrant) {
				return WrapExitError(ExitCommandError, "rejected", err)
			}
			if err != nil {
				return commandError("append", err)
			}
			return emit(opts, ev, func(w io.Writer) {
				fmt.Fprintf(w, "queued %s/%s until %s\n", ev.Zone, ev.MAC, ev.ExpiresAt.Format(time.RFC3339))
			})
		},
	}

	cmd.Flags().StringVar(&ao.zone, "zone", "", "portal zone (required)")
	cmd.Flags().StringVar(&ao.mac, "mac", "", "client MAC address (required)")
	cmd.Flags().StringVar(&ao.expires, "expires", "", "voucher expiry (required)")
	cmd.Flags().StringVar(&ao.proof, "proof", "", "hash of the voucher (required)")
	cmd.Flags().StringVar(&ao.source, "source", "", "client IP address")
	for _, f := range []string{"zone", "mac", "expires", "proof"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

func parseExpiry(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a time, unix timestamp or duration", s)
	}
	if d <= 0 {
		return time.Time{}, fmt.Errorf("duration %s must be positive", d)
	}
	return now.Add(d), nil
}
