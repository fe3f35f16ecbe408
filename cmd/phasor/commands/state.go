package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/queuetue/phasor/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect durable reconciliation state",
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateEventsCommand())

	return cmd
}

func newStateShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <plan.yaml>",
		Short: "Show the stored state for a plan",
		Example: `  # Show per-phase records for a plan
  phasor state show plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := stores.NewSQLiteStore(cmd.Context(), stores.Config{Path: statePath})
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := store.LoadPlanState(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(state)
			}

			if len(state.Phases) == 0 {
				fmt.Printf("no state recorded for %s\n", args[0])
				return nil
			}

			fmt.Printf("plan %s (last run %s)\n", state.PlanSource, state.LastRunID)
			ids := make([]string, 0, len(state.Phases))
			for id := range state.Phases {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				record := state.Phases[id]
				fmt.Printf("  %-20s %-10s attempts=%d updated=%s\n",
					record.Phase, record.Status, record.Attempts,
					time.Unix(record.UpdatedAt, 0).Format(time.RFC3339))
			}
			return nil
		},
	}

	return cmd
}

func newStateEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event timeline for a run",
		Example: `  # Show everything that happened during a run
  phasor state events 4f7c2c1e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := stores.NewSQLiteStore(cmd.Context(), stores.Config{Path: statePath})
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}

			if len(events) == 0 {
				fmt.Printf("no events for run %s\n", args[0])
				return nil
			}
			for _, event := range events {
				phase := event.Phase
				if phase == "" {
					phase = "-"
				}
				fmt.Printf("%s  %-16s %-20s %s\n",
					event.Timestamp.Format(time.RFC3339Nano), event.Type, phase, event.Message)
			}
			return nil
		},
	}

	return cmd
}
