package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFileOrFlags(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.False(t, cfg.AllowRemoteSourceLoading)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
	require.Equal(t, DefaultLogFormat, cfg.LogFormat)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gdxviewer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allow_remote_source_loading: true\nlog_level: debug\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.True(t, cfg.AllowRemoteSourceLoading)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gdxviewer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	t.Setenv("GDXVIEWER_LOG_LEVEL", "warn")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gdxviewer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))
	t.Setenv("GDXVIEWER_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "")
	require.NoError(t, flags.Set("log-level", "error"))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, "error", cfg.LogLevel)
}

func TestLoadFindsConfigFileInAncestorDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gdxviewer.yaml"), []byte("log_level: debug\n"), 0o600))

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { require.NoError(t, os.Chdir(cwd)) })

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadUnsetFlagsDoNotOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "")

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
}
