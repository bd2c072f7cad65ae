// Command kernel drives one or more goal executions against a remote
// perception/browser/LLM stack: run a single goal, print a plan
// without executing it, or register a goal on a cron schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spoloxs/automata-kernel/cmd/kernel/cmds"
	"github.com/spoloxs/automata-kernel/internal/config"
	"github.com/spoloxs/automata-kernel/internal/logging"
	"github.com/spoloxs/automata-kernel/internal/otelinit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.Init("automata-kernel")
	shutdownTracer := otelinit.InitTracer(ctx, "automata-kernel")
	defer otelinit.Flush(context.Background(), shutdownTracer)

	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "kernel",
		Short: "Goal orchestration kernel: perceive, decide, act, verify, and recover across a browser session.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadFile(v, cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML/JSON/TOML config file")
	config.BindFlags(root, v)

	root.AddCommand(
		cmds.NewRunCmd(v, log),
		cmds.NewPlanCmd(v, log),
		cmds.NewScheduleCmd(v, log),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ctx.Err() != nil {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
