package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MegaGrindStone/go-cmake-server/internal/paths"
)

const envPrefix = "CMAKE_SERVER"

// Flag names double as configuration keys.
const (
	flagConfig  = "config"
	flagDebug   = "debug"
	flagStdio   = "stdio"
	flagPipe    = "pipe"
	flagMonitor = "monitor"
	flagCMake   = "cmake"

	flagBuildDir  = "build-dir"
	flagSourceDir = "source-dir"
	flagGenerator = "generator"
	flagConfigure = "configure"
)

type config struct {
	Debug   bool   `mapstructure:"debug"`
	Stdio   bool   `mapstructure:"stdio"`
	Pipe    string `mapstructure:"pipe"`
	Monitor string `mapstructure:"monitor"`
	CMake   string `mapstructure:"cmake"`

	BuildDir  string `mapstructure:"build-dir"`
	SourceDir string `mapstructure:"source-dir"`
	Generator string `mapstructure:"generator"`
	Configure bool   `mapstructure:"configure"`
}

var errStdioAndPipe = errors.New("--stdio and --pipe are mutually exclusive")

// loadConfig merges, from highest to lowest precedence, the command line flags, the
// CMAKE_SERVER_* environment and the config file.
func loadConfig(cmd *cobra.Command) (config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	path := v.GetString(flagConfig)
	if path == "" {
		path, _ = paths.ConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// newLogger logs to w, which must not be the protocol stream.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
