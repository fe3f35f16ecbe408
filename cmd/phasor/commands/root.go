package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	statePath  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phasor",
		Short: "Phasor - Phased Orchestration Reconciler",
		Long: `Phasor applies phased orchestration plans against labeled resources.

A plan is a YAML document of named phases. Each phase selects resources by
label, waits for the phases it depends on, applies with a bounded retry
budget, and runs success or failure handlers. Applied state is durable, so
re-running an unchanged plan is a no-op.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&statePath, "state", "s", "phasor.db", "state database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newStateCommand())

	return rootCmd
}
