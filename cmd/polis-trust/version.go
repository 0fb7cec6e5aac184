package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polis-trust %s (commit %s, %s %s/%s)\n",
				version, commit, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
