package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "jules-loop",
		Short: "Jules Loop - Autonomous PR merge loop",
		Long: `Jules Loop repeatedly asks the Jules coding agent for a session against
a GitHub repository, waits for the resulting pull request, squash-merges
it, and starts over. Quota limits, retry backoff, and a persistent state
file keep the loop safe to leave unattended.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
