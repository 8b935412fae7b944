package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newLoadCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "load <bundle> <module> [module ...]",
		Short: "Load modules from a bundle, print the loaded-module list, then unload them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runLoad(logger, args[0], args[1:])
		},
	}
}

func runLoad(logger *slog.Logger, bundlePath string, names []string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle %q: %w", bundlePath, err)
	}
	defer f.Close()

	loader := newReferenceLoader(logger)
	if err := loader.ModuleInit(f); err != nil {
		return fmt.Errorf("init loader: %w", err)
	}

	loaded := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := loader.ModuleLoad(name); err != nil {
			return fmt.Errorf("load %q: %w", name, err)
		}
		loaded = append(loaded, name)
	}

	loader.ModulePrintLoadedList()

	for i := len(loaded) - 1; i >= 0; i-- {
		h := loader.ModuleFind(loaded[i])
		if h == nil {
			continue
		}
		if err := loader.ModuleUnload(h); err != nil {
			return fmt.Errorf("unload %q: %w", loaded[i], err)
		}
	}

	return nil
}
