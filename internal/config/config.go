// Package config resolves runtime configuration for the kernel through
// a layered precedence chain: compiled-in defaults, an optional config
// file, environment variables (AUTOMATA_*), then CLI flags — the same
// viper-bound-to-cobra pattern this lineage uses for its own services.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully-resolved set of options the kernel reads at
// startup. Nothing in internal/kernel reads viper directly; everything
// flows through this struct so the orchestration packages stay
// decoupled from how a value was supplied.
type Config struct {
	MaxParallelWorkers       int
	GlobalTimeout            time.Duration
	MaxIterationsPerTask     int
	VerifyConfidenceThresh   float64
	StuckThreshold           time.Duration
	RecoveryTaskBudgetFactor float64
	SkipSatisfiesDependency  bool
	PerceptionCacheTTL       time.Duration
	LLMCacheTTL              time.Duration

	StorePath      string
	PerceptionURL  string
	ViewportWidth  int
	ViewportHeight int
}

// Defaults returns the compiled-in baseline before any file, env, or
// flag overlay is applied.
func Defaults() Config {
	return Config{
		MaxParallelWorkers:       3,
		GlobalTimeout:            300 * time.Second,
		MaxIterationsPerTask:     50,
		VerifyConfidenceThresh:   0.6,
		StuckThreshold:           60 * time.Second,
		RecoveryTaskBudgetFactor: 2.0,
		SkipSatisfiesDependency:  true,
		PerceptionCacheTTL:       30 * time.Second,
		LLMCacheTTL:              5 * time.Minute,
		StorePath:                "",
		PerceptionURL:            "http://localhost:8089",
		ViewportWidth:            1280,
		ViewportHeight:           800,
	}
}

// BindFlags registers the recognized options as persistent flags on
// cmd and binds each one into v, so precedence resolves automatically
// via viper.Get* once flags have been parsed: defaults < config file <
// environment < explicit flags.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := Defaults()

	cmd.PersistentFlags().Int("max-parallel-workers", d.MaxParallelWorkers, "maximum concurrently running tasks")
	cmd.PersistentFlags().Duration("global-timeout", d.GlobalTimeout, "deadline for one goal execution")
	cmd.PersistentFlags().Int("max-iterations-per-task", d.MaxIterationsPerTask, "perceive/decide/act/verify iteration cap per task")
	cmd.PersistentFlags().Float64("verify-confidence-threshold", d.VerifyConfidenceThresh, "minimum verifier confidence to accept a task as complete")
	cmd.PersistentFlags().Duration("stuck-threshold", d.StuckThreshold, "time without a successful task before health is considered stuck")
	cmd.PersistentFlags().Float64("recovery-task-budget-factor", d.RecoveryTaskBudgetFactor, "supervisor-inserted task budget, as a multiple of the initial plan size")
	cmd.PersistentFlags().Bool("skip-satisfies-dependency", d.SkipSatisfiesDependency, "whether a skipped dependency counts as satisfied (read by plan only; run and schedule always treat a skipped dependency as satisfied)")
	cmd.PersistentFlags().Duration("perception-cache-ttl", d.PerceptionCacheTTL, "TTL for cached screenshot parse results keyed by (url, screenshot hash)")
	cmd.PersistentFlags().Duration("llm-cache-ttl", d.LLMCacheTTL, "TTL for cached LLM decisions (resolved into Config; no LLM decision cache reads it)")
	cmd.PersistentFlags().String("store-path", d.StorePath, "path to the execution-result BoltDB file; empty disables persistence")
	cmd.PersistentFlags().String("perception-url", d.PerceptionURL, "base URL of the perception service")
	cmd.PersistentFlags().Int("viewport-width", d.ViewportWidth, "browser viewport width in pixels")
	cmd.PersistentFlags().Int("viewport-height", d.ViewportHeight, "browser viewport height in pixels")

	for _, name := range []string{
		"max-parallel-workers", "global-timeout", "max-iterations-per-task",
		"verify-confidence-threshold", "stuck-threshold", "recovery-task-budget-factor",
		"skip-satisfies-dependency", "perception-cache-ttl", "llm-cache-ttl",
		"store-path", "perception-url", "viewport-width", "viewport-height",
	} {
		_ = v.BindPFlag(name, cmd.PersistentFlags().Lookup(name))
	}

	v.SetEnvPrefix("automata")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// Resolve reads v (after flags are parsed and any config file merged)
// into a Config. Call once, after cobra has parsed args.
func Resolve(v *viper.Viper) Config {
	return Config{
		MaxParallelWorkers:       v.GetInt("max-parallel-workers"),
		GlobalTimeout:            v.GetDuration("global-timeout"),
		MaxIterationsPerTask:     v.GetInt("max-iterations-per-task"),
		VerifyConfidenceThresh:   v.GetFloat64("verify-confidence-threshold"),
		StuckThreshold:           v.GetDuration("stuck-threshold"),
		RecoveryTaskBudgetFactor: v.GetFloat64("recovery-task-budget-factor"),
		SkipSatisfiesDependency:  v.GetBool("skip-satisfies-dependency"),
		PerceptionCacheTTL:       v.GetDuration("perception-cache-ttl"),
		LLMCacheTTL:              v.GetDuration("llm-cache-ttl"),
		StorePath:                v.GetString("store-path"),
		PerceptionURL:            v.GetString("perception-url"),
		ViewportWidth:            v.GetInt("viewport-width"),
		ViewportHeight:           v.GetInt("viewport-height"),
	}
}

// LoadFile merges an optional config file (YAML/JSON/TOML, detected by
// extension) into v. Flags already bound to v keep precedence over file
// values. An empty path is a no-op; a path that does not exist or
// cannot be read or parsed is an error.
func LoadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return nil
}
