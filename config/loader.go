package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "taskforge.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/taskforge"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence: defaults, then user
// config (~/.config/taskforge/config.yaml), then project config
// (taskforge.yaml in the current or an ancestor directory). Each layer
// overrides only the fields it sets, via dario.cat/mergo.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	readLayer := func(path string) (*Config, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		layer := &Config{}
		if err := yaml.Unmarshal(data, layer); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		return layer, nil
	}

	userConfigPath := l.userConfigPath()
	if userConfig, err := readLayer(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", slog.String("path", userConfigPath))
		if err := mergo.Merge(cfg, userConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge user config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := readLayer(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", slog.String("path", projectConfigPath))
			if err := mergo.Merge(cfg, projectConfig, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge project config: %w", err)
			}
		} else {
			l.logger.Warn("failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("no project config found")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig creates the user config file with defaults if it does
// not already exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	if err := cfg.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("created default user config", slog.String("path", userConfigPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for taskforge.yaml in the current directory
// and its ancestors.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
