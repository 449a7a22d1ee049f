package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
//
// A field left out of a file, or set to its zero value, keeps the value
// from the layer below.
func Load(globalPath, projectPath string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultDir returns ~/.stagerun.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".stagerun"), nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.stagerun/config.json
// Project: .stagerun/config.json (relative to cwd)
func LoadDefault() (*EngineConfig, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}

	globalPath := filepath.Join(dir, "config.json")
	projectPath := filepath.Join(".stagerun", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into base.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *EngineConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded EngineConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := mergo.Merge(base, loaded, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}
