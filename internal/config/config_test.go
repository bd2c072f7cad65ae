package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0644)
}

func TestResolveUsesDefaultsWhenNothingOverridden(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)

	cfg := Resolve(v)
	require.Equal(t, Defaults().MaxParallelWorkers, cfg.MaxParallelWorkers)
	require.Equal(t, Defaults().VerifyConfidenceThresh, cfg.VerifyConfidenceThresh)
	require.True(t, cfg.SkipSatisfiesDependency)
}

func TestResolveFlagOverridesDefault(t *testing.T) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)

	require.NoError(t, cmd.PersistentFlags().Set("max-parallel-workers", "7"))
	require.NoError(t, cmd.PersistentFlags().Set("global-timeout", "10s"))

	cfg := Resolve(v)
	require.Equal(t, 7, cfg.MaxParallelWorkers)
	require.Equal(t, 10*time.Second, cfg.GlobalTimeout)
}

func TestResolveEnvOverridesDefaultButNotFlag(t *testing.T) {
	t.Setenv("AUTOMATA_MAX_PARALLEL_WORKERS", "9")

	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)

	cfg := Resolve(v)
	require.Equal(t, 9, cfg.MaxParallelWorkers, "env var must beat the compiled-in default")

	require.NoError(t, cmd.PersistentFlags().Set("max-parallel-workers", "2"))
	cfg = Resolve(v)
	require.Equal(t, 2, cfg.MaxParallelWorkers, "an explicit flag must beat the env var")
}

func TestLoadFileNoopOnEmptyPath(t *testing.T) {
	v := viper.New()
	require.NoError(t, LoadFile(v, ""))
}

func TestLoadFileMergesYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/kernel.yaml"
	require.NoError(t, writeFile(path, "max-parallel-workers: 5\n"))

	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)
	require.NoError(t, LoadFile(v, path))

	cfg := Resolve(v)
	require.Equal(t, 5, cfg.MaxParallelWorkers)
}
