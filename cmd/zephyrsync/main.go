package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "zephyrsync",
		Short:         "Eventually consistent state sync between cluster nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zephyrsync %s (%s)\n", version, gitSHA)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
