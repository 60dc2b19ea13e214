package main

import (
	"context"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/voucher-bypass/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "bypass-sync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
