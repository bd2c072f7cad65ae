package cmds

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spoloxs/automata-kernel/internal/config"
	"github.com/spoloxs/automata-kernel/internal/kernel/contracts"
	"github.com/spoloxs/automata-kernel/internal/kernel/orchestrator"
	"github.com/spoloxs/automata-kernel/internal/kernel/scheduler"
	"github.com/spoloxs/automata-kernel/internal/kernel/store"
	"github.com/spoloxs/automata-kernel/internal/kernel/supervisor"
	"github.com/spoloxs/automata-kernel/internal/kernel/worker"
)

// NewRunCmd builds the `run` subcommand: execute one goal to
// completion. Exit codes: 0 success, 1 failure, 130 interrupted (the
// interrupted case is handled in main via the root context).
func NewRunCmd(v *viper.Viper, log *slog.Logger) *cobra.Command {
	var (
		url           string
		goalText      string
		browserURL    string
		decisionURL   string
		plannerURL    string
		supervisorURL string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one goal to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goalText == "" {
				return fmt.Errorf("run: --task is required")
			}
			cfg := config.Resolve(v)
			collab, err := buildCollaborators(cfg, browserURL, decisionURL, plannerURL, supervisorURL)
			if err != nil {
				return err
			}
			if collab.Store != nil {
				defer collab.Store.Close()
			}

			execCfg := execConfigFromResolved(cfg)
			res, err := orchestrator.ExecuteGoal(cmd.Context(), goalText, url, nil, collab, execCfg, log)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if !res.Success {
				return fmt.Errorf("run: goal did not succeed (confidence %.2f, reason: %s)", res.Confidence, res.AbortedReason)
			}
			fmt.Printf("goal completed: %d task(s), confidence %.2f\n", len(res.TaskResults), res.Confidence)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "starting URL for the goal")
	cmd.Flags().StringVar(&goalText, "task", "", "natural-language description of the goal")
	cmd.Flags().StringVar(&browserURL, "browser-url", "http://localhost:8090", "base URL of the browser driver service")
	cmd.Flags().StringVar(&decisionURL, "decision-url", "http://localhost:8091", "base URL of the decision/verification LLM service")
	cmd.Flags().StringVar(&plannerURL, "planner-url", "http://localhost:8092", "base URL of the planner LLM service")
	cmd.Flags().StringVar(&supervisorURL, "supervisor-url", "http://localhost:8093", "base URL of the supervisor decision LLM service")
	return cmd
}

func buildCollaborators(cfg config.Config, browserURL, decisionURL, plannerURL, supervisorURL string) (orchestrator.Collaborators, error) {
	collab := orchestrator.Collaborators{
		Perception: contracts.NewHTTPPerception(cfg.PerceptionURL, nil),
		Browser:    contracts.NewHTTPBrowser(browserURL, nil),
		Decision:   contracts.NewHTTPDecisionLLM(decisionURL, nil),
		Planner:    contracts.NewHTTPPlanner(plannerURL, nil),
		Supervisor: contracts.NewHTTPSupervisorLLM(supervisorURL, nil),
	}
	if cfg.StorePath != "" {
		s, err := store.Open(cfg.StorePath)
		if err != nil {
			return collab, fmt.Errorf("open store: %w", err)
		}
		collab.Store = s
	}
	return collab, nil
}

func execConfigFromResolved(cfg config.Config) orchestrator.Config {
	ec := orchestrator.DefaultConfig()
	ec.Scheduler = scheduler.Config{
		MaxWorkers:      cfg.MaxParallelWorkers,
		GlobalDeadline:  cfg.GlobalTimeout,
		DeadlockPollInt: ec.Scheduler.DeadlockPollInt,
	}
	ec.Worker = worker.Config{
		MaxIterations:      cfg.MaxIterationsPerTask,
		VerifyThreshold:    cfg.VerifyConfidenceThresh,
		ActionRetryCap:     ec.Worker.ActionRetryCap,
		PerceptionCacheTTL: cfg.PerceptionCacheTTL,
		ViewportWidth:      cfg.ViewportWidth,
		ViewportHeight:     cfg.ViewportHeight,
	}
	ec.Supervisor = supervisor.Config{
		StuckThreshold:            cfg.StuckThreshold,
		DegradedSuccessRate:       ec.Supervisor.DegradedSuccessRate,
		DegradedStuckSeconds:      ec.Supervisor.DegradedStuckSeconds,
		CriticalFailureMultiplier: ec.Supervisor.CriticalFailureMultiplier,
		RecoveryBudgetFactor:      cfg.RecoveryTaskBudgetFactor,
	}
	return ec
}
