package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "audit-orch",
		Short: "Audit Orchestrator - store audit campaign runner",
		Long: `Audit Orchestrator drives asynchronous store audits through the audit backend.
It sequences planned audit batches, mirrors run lifecycles from the realtime
store, recovers in-flight batches after a restart, and aggregates per-audit
results into a weighted campaign readiness score.`,
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
