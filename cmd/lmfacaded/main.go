// Command lmfacaded serves the inference façade's HTTP/NDJSON API and
// exposes pool/backend maintenance subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lmfacaded",
		Short: "Unified inference façade daemon",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newPoolCmd())
	root.AddCommand(newBackendCmd())
	return root
}
