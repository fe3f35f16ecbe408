package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/queuetue/phasor/pkg/engine"
	"github.com/queuetue/phasor/pkg/plan"
)

func newGraphCommand() *cobra.Command {
	var dotOutput bool

	cmd := &cobra.Command{
		Use:   "graph <plan.yaml>",
		Short: "Show a plan's dependency graph",
		Long: `Build and display the dependency graph of a plan.

Phases are grouped by topological level; phases at the same level can apply
in parallel. With --dot the graph is emitted in Graphviz DOT format.`,
		Example: `  # Show topological levels
  phasor graph plan.yaml

  # Render with Graphviz
  phasor graph plan.yaml --dot | dot -Tsvg -o plan.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := plan.NewLoader()
			if err != nil {
				return err
			}
			p, err := loader.LoadFile(cmd.Context(), args[0])
			if err != nil {
				printValidationErrors(err)
				return fmt.Errorf("plan %s is invalid", args[0])
			}

			g, err := engine.BuildGraph(p)
			if err != nil {
				return err
			}

			if dotOutput {
				fmt.Print(g.ToDOT())
				return nil
			}

			for level, ids := range g.Levels {
				fmt.Printf("level %d:\n", level)
				for _, id := range ids {
					marker := ""
					if !g.InClosure(id) {
						marker = " (out of target closure)"
					}
					fmt.Printf("  %s%s\n", id, marker)
				}
			}
			if p.TargetPhase != "" {
				fmt.Fprintf(os.Stderr, "target phase: %s\n", p.TargetPhase)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dotOutput, "dot", false, "emit Graphviz DOT format")

	return cmd
}
