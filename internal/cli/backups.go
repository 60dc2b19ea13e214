package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/backup"
)

// NewBackupsCommand creates the backups command group.
func NewBackupsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List or read portal configuration backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.backup.List()
			if err != nil {
				return commandError("list backups", err)
			}
			if list == nil {
				list = []backup.Info{}
			}
			return emit(opts, list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintf(w, "no backups in %s\n", a.backup.Dir())
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tTAKEN\tSIZE")
				for _, b := range list {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.TakenAt.Format(time.RFC3339), b.Size)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cat <name>",
		Short: "Write a decompressed backup to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.backup.Read(args[0])
			if err != nil {
				return commandError("read backup", err)
			}
			_, err = opts.Out.Write(data)
			return err
		},
	})

	return cmd
}
