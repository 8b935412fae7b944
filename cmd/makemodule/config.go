package main

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// config is makemodule's ambient configuration: packaging behaviour that
// doesn't belong on the command line for every invocation (viper for the
// file, creasty/defaults for zero-value fallbacks).
type config struct {
	// MinSectionAlign floors every stored/BSS section's alignment for
	// inputs whose linker emits sh_addralign == 0.
	MinSectionAlign uint32 `mapstructure:"min_section_align" default:"4"`

	// Parallelism bounds how many module objects are parsed concurrently.
	Parallelism int `mapstructure:"parallelism" default:"4"`

	Verbose bool `mapstructure:"verbose" default:"false"`
}

// loadConfig reads an optional YAML config file at path, applying defaults
// for anything the file doesn't set. An empty path skips reading a file
// entirely and returns just the defaults.
func loadConfig(path string) (*config, error) {
	cfg := &config{}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path == "" {
		return cfg, nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
