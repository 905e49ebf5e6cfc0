// Command minimux-worker serves minification requests from minimux
// coordinators, either over stdin/stdout when spawned by a coordinator,
// or over QUIC, optionally advertised through gossip.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "minimux-worker",
		Short:         "Whitespace squeezing worker for minimux coordinators",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")

	root.AddCommand(
		serveCmd(),
		configHashCmd(),
	)

	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
