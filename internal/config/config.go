// Package config loads gdxviewer-server's configuration for direct
// (flag-driven) invocation — log settings plus the same two options a
// supervising client otherwise passes on argv — from layered sources: defaults, then an
// optional config file, then environment variables, then command-line
// flags, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "GDXVIEWER_"

// configFileNames are checked, in order, in the current directory and
// then each ancestor above it.
var configFileNames = []string{"gdxviewer.yaml", "gdxviewer.yml"}

// maxUpwardSearchLevels bounds how far up the directory tree
// findConfigFile climbs before giving up.
const maxUpwardSearchLevels = 10

// Defaults applied before any file, environment, or flag layer.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultHistoryFileName = "gdx-viewer-history.db"
)

// Config is gdxviewer-server's standalone/manual-invocation
// configuration: the settings a developer running the binary directly
// (rather than a client spawning it as a subprocess) would set via a
// config file, environment variables, or flags.
type Config struct {
	AllowRemoteSourceLoading bool   `koanf:"allow_remote_source_loading"`
	GlobalStoragePath        string `koanf:"global_storage_path"`
	LogLevel                 string `koanf:"log_level"`
	LogFormat                string `koanf:"log_format"`
}

// Load builds a Config from, in increasing precedence: built-in
// defaults, an optional gdxviewer.yaml/gdxviewer.yml resolved by
// findConfigFile, GDXVIEWER_-prefixed environment variables, and any
// flags explicitly set on flags.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]any{
		"allow_remote_source_loading": false,
		"global_storage_path":         "",
		"log_level":                   DefaultLogLevel,
		"log_format":                  DefaultLogFormat,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if resolved := findConfigFile(cfgFile); resolved != "" {
		if err := k.Load(file.Provider(resolved), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", resolved, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flag config: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// findConfigFile resolves the config file Load should read: explicit
// takes precedence unconditionally, otherwise the current directory and
// each of its ancestors (up to maxUpwardSearchLevels) are searched for
// gdxviewer.yaml/gdxviewer.yml. Returns "" if none is found, in which
// case Load runs on defaults, env, and flags alone.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < maxUpwardSearchLevels; i++ {
		if found := configFileIn(dir); found != "" {
			return found
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}

func configFileIn(dir string) string {
	for _, name := range configFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
