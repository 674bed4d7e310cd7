package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the gguf-tools configuration file (~/.config/gguf-tools/config.yaml).
// Pointer fields distinguish "not set" from zero values. Flags given on the
// command line always win over the file.
type Config struct {
	// Hashing defaults.
	Workers    *int     `yaml:"workers"`
	Algorithms []string `yaml:"algorithms"`
	BufferSize *int     `yaml:"buffer_size"`

	// Inspection defaults.
	MaxStringLength *int `yaml:"max_string_length"`

	// Editing defaults.
	Backup       *bool  `yaml:"backup"`
	BackupSuffix string `yaml:"backup_suffix"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gguf-tools", "config.yaml")
}

// LoadConfig reads the config file. It returns a zero Config if path is empty
// or the file doesn't exist.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// applyHashConfig applies config file defaults to the hash flags that were not set explicitly.
func applyHashConfig(c *cobra.Command, cfg *Config, workers *int, algorithms *[]string, bufferSize *int) {
	if cfg.Workers != nil && !c.Flags().Changed("workers") {
		*workers = *cfg.Workers
	}
	if len(cfg.Algorithms) > 0 && !c.Flags().Changed("algorithms") {
		*algorithms = cfg.Algorithms
	}
	if cfg.BufferSize != nil && !c.Flags().Changed("buffer-size") {
		*bufferSize = *cfg.BufferSize
	}
}

// applyInspectConfig applies config file defaults to the inspect flags.
func applyInspectConfig(c *cobra.Command, cfg *Config, maxStringLength *int) {
	if cfg.MaxStringLength != nil && !c.Flags().Changed("max-string") {
		*maxStringLength = *cfg.MaxStringLength
	}
}

// applyEditConfig applies config file defaults to the edit flags.
func applyEditConfig(c *cobra.Command, cfg *Config, backup *bool, backupSuffix *string) {
	if cfg.Backup != nil && !c.Flags().Changed("backup") {
		*backup = *cfg.Backup
	}
	if cfg.BackupSuffix != "" && !c.Flags().Changed("backup-suffix") {
		*backupSuffix = cfg.BackupSuffix
	}
}
