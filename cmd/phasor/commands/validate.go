package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/queuetue/phasor/pkg/engine"
	"github.com/queuetue/phasor/pkg/plan"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Validate a plan document",
		Long: `Validate a plan document without applying it.

This command:
  - Substitutes environment variables into the raw document
  - Checks the document against the closed plan schema
  - Validates every phase's fields and dependency references
  - Builds the dependency graph to reject cycles`,
		Example: `  # Validate a plan
  phasor validate plan.yaml

  # Validate with a variable supplied
  REGION=us-east-1 phasor validate plan.yaml`,
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

			if _, err := engine.BuildGraph(p); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				return fmt.Errorf("plan %s is invalid", args[0])
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"valid":  true,
					"plan":   args[0],
					"phases": p.PhaseIDs(),
				})
			}
			fmt.Printf("plan %s is valid (%d phases)\n", args[0], len(p.Phases))
			return nil
		},
	}

	return cmd
}

func printValidationErrors(err error) {
	verrs, ok := err.(plan.ValidationErrors)
	if !ok {
		fmt.Fprintln(os.Stderr, err.Error())
		return
	}
	for _, ve := range verrs {
		fmt.Fprintf(os.Stderr, "  - %s\n", ve.Error())
	}
}
