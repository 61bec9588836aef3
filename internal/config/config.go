// Package config loads the on-disk defaults file consulted before CLI
// flags are applied, following the teacher's candidate-path Load pattern.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds install defaults that can be overridden per-invocation by
// CLI flags (see internal/executor.Config for the per-run record those
// flags build).
type Config struct {
	Hostname       string   `yaml:"hostname,omitempty"`
	KeyboardLayout string   `yaml:"keyboard_layout,omitempty"`
	Lang           string   `yaml:"lang,omitempty"`
	LogLevel       string   `yaml:"log_level,omitempty"`
	JournalPath    string   `yaml:"journal_path,omitempty"`
	RequiredBytes  uint64   `yaml:"required_bytes,omitempty"`
	ForceBIOS      bool     `yaml:"force_bios,omitempty"`
	RemovePackages []string `yaml:"remove_packages,omitempty"`
}

var defaultConfig = Config{
	KeyboardLayout: "us",
	Lang:           "en_US.UTF-8",
	LogLevel:       "info",
	RequiredBytes:  8 * 1024 * 1024 * 1024,
}

// Load reads the defaults file at path, or the first candidate location
// that exists if path is empty, falling back to built-in defaults when
// none is found.
func Load(path string) (*Config, error) {
	if path == "" {
		candidates := []string{
			"/etc/jbodinstall/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/jbodinstall/config.yaml"),
			"config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := defaultConfig
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.KeyboardLayout == "" {
		cfg.KeyboardLayout = defaultConfig.KeyboardLayout
	}
	if cfg.Lang == "" {
		cfg.Lang = defaultConfig.Lang
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultConfig.LogLevel
	}
	if cfg.RequiredBytes == 0 {
		cfg.RequiredBytes = defaultConfig.RequiredBytes
	}
	return &cfg, nil
}
