// Package cmd defines and implements the CLI commands for the meshboard
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshboard",
		Short: "Mesh dashboard federation service",
		Long: `meshboard runs the federation subsystem of a mesh dashboard:
it announces this instance's signed descriptor to peers, crawls the
known-instances graph, and serves the /api/instances endpoints.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	root.AddCommand(newServeCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
