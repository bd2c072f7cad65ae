package cmds

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spoloxs/automata-kernel/internal/config"
	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	"github.com/spoloxs/automata-kernel/internal/kernel/orchestrator"
	"github.com/spoloxs/automata-kernel/internal/kernel/resolver"
)

// NewPlanCmd builds the `plan` subcommand: invoke the planner only and
// print the resulting DAG without executing it.
func NewPlanCmd(v *viper.Viper, log *slog.Logger) *cobra.Command {
	var (
		url        string
		goalText   string
		plannerURL string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the DAG a goal would produce, without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goalText == "" {
				return fmt.Errorf("plan: --task is required")
			}
			cfg := config.Resolve(v)
			planner := contracts.NewHTTPPlanner(plannerURL, nil)
			rawPlan, err := planner.Plan(cmd.Context(), goalText, url)
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			d, err := orchestrator.BuildDAGFromPlan(rawPlan, cfg.SkipSatisfiesDependency)
			if err != nil {
				return fmt.Errorf("plan: convert to dag: %w", err)
			}

			levels := resolver.ExecutionLevels(d)
			for i, level := range levels {
				fmt.Printf("level %d:\n", i)
				for _, t := range level {
					fmt.Printf("  %s  %s\n", t.ID, t.Description)
				}
			}
			critical := resolver.CriticalPath(d)
			fmt.Printf("critical path: ")
			for i, t := range critical {
				if i > 0 {
					fmt.Print(" -> ")
				}
				fmt.Print(t.ID)
			}
			fmt.Println()
			fmt.Printf("estimated parallel time: %s\n", resolver.EstimateParallelTime(d))
			fmt.Printf("estimated sequential time: %s\n", resolver.EstimateSequentialTime(d))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "starting URL for the goal")
	cmd.Flags().StringVar(&goalText, "task", "", "natural-language description of the goal")
	cmd.Flags().StringVar(&plannerURL, "planner-url", "http://localhost:8092", "base URL of the planner LLM service")
	return cmd
}
