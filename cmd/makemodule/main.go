// Command makemodule is the offline packager (spec §6): it consumes one
// non-relocatable host ELF executable and any number of relocatable MIPS
// module ELF objects, and emits a single ultramod bundle file the runtime
// loader can read module-by-module at boot.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds state threaded through every subcommand.
type rootOptions struct {
	config *config
	logger *slog.Logger
}

func main() {
	opts := &rootOptions{logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}

	cmd := newRootCommand(opts)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "makemodule <out> <host.elf> [module.elf ...]",
		Short: "Package a host executable and module objects into an ultramod bundle",
		Args:  cobra.MinimumNArgs(2),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			opts.config = cfg

			level := slog.LevelInfo
			if cfg.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			return runPack(opts, args[0], args[1], args[2:])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an optional YAML config file")

	return cmd
}
