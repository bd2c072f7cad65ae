package cmds

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spoloxs/automata-kernel/internal/config"
	"github.com/spoloxs/automata-kernel/internal/kernel/orchestrator"
	kernelschedule "github.com/spoloxs/automata-kernel/internal/kernel/schedule"
)

// NewScheduleCmd builds the `schedule` subcommand: register a goal to
// run on a cron expression for unattended, recurring automation. This
// sits on top of the kernel, not inside it — the kernel has no notion
// of recurrence.
func NewScheduleCmd(v *viper.Viper, log *slog.Logger) *cobra.Command {
	var (
		url           string
		goalText      string
		cronExpr      string
		name          string
		browserURL    string
		decisionURL   string
		plannerURL    string
		supervisorURL string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Register a goal to run on a cron expression and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goalText == "" || cronExpr == "" {
				return fmt.Errorf("schedule: --task and --cron are required")
			}
			if name == "" {
				name = goalText
			}
			cfg := config.Resolve(v)

			runner := kernelschedule.New(func(ctx context.Context, goal, startingURL string) (orchestrator.ExecutionResult, error) {
				collab, err := buildCollaborators(cfg, browserURL, decisionURL, plannerURL, supervisorURL)
				if err != nil {
					return orchestrator.ExecutionResult{}, err
				}
				if collab.Store != nil {
					defer collab.Store.Close()
				}
				return orchestrator.ExecuteGoal(ctx, goal, startingURL, nil, collab, execConfigFromResolved(cfg), log)
			}, log)

			if err := runner.Add(name, goalText, url, cronExpr); err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			runner.Start()
			log.Info("schedule running, press ctrl-c to stop", slog.String("name", name), slog.String("cron", cronExpr))

			<-cmd.Context().Done()
			return runner.Stop(context.Background())
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "starting URL for the goal")
	cmd.Flags().StringVar(&goalText, "task", "", "natural-language description of the goal")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "6-field cron expression (seconds first)")
	cmd.Flags().StringVar(&name, "name", "", "schedule entry name, defaults to the task text")
	cmd.Flags().StringVar(&browserURL, "browser-url", "http://localhost:8090", "base URL of the browser driver service")
	cmd.Flags().StringVar(&decisionURL, "decision-url", "http://localhost:8091", "base URL of the decision/verification LLM service")
	cmd.Flags().StringVar(&plannerURL, "planner-url", "http://localhost:8092", "base URL of the planner LLM service")
	cmd.Flags().StringVar(&supervisorURL, "supervisor-url", "http://localhost:8093", "base URL of the supervisor decision LLM service")
	return cmd
}
