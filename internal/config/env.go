package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// Env holds process settings read from the environment before the config
// file is loaded.
type Env struct {
	ConfigDir string `env:"LOCALIZER_CONFIG_DIR"`
	LogLevel  string `env:"LOCALIZER_LOG_LEVEL"`
	LogsDir   string `env:"LOCALIZER_LOGS_DIR"`
}

// ParseEnv loads Env from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ResolveConfigDir returns the directory to load the config file from: the
// environment override, else the directory of the running executable.
func (e Env) ResolveConfigDir() string {
	if e.ConfigDir != "" {
		return e.ConfigDir
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Apply overrides loaded config values with the non-empty environment ones.
func (e Env) Apply() {
	if e.LogLevel != "" {
		viper.Set("logLevel", e.LogLevel)
	}
	if e.LogsDir != "" {
		viper.Set("logsDir", e.LogsDir)
	}
}
