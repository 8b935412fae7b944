package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cbarrett/ultramod/internal/rtloader"
	"github.com/cbarrett/ultramod/internal/simhost"
	"github.com/spf13/cobra"
)

func newListCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list <bundle>",
		Short: "Print a bundle's handle table",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runList(logger, args[0])
		},
	}
}

func runList(logger *slog.Logger, bundlePath string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle %q: %w", bundlePath, err)
	}
	defer f.Close()

	loader := newReferenceLoader(logger)
	if err := loader.ModuleInit(f); err != nil {
		return fmt.Errorf("init loader: %w", err)
	}

	handles := loader.Handles()
	fmt.Printf("%-20s %10s %10s %10s %10s %6s %8s\n", "NAME", "MOD_SIZE", "MOD_ALIGN", "BSS_SIZE", "BSS_ALIGN", "LOADED", "REFCOUNT")
	for _, h := range handles {
		fmt.Printf("%-20s %10d %10d %10d %10d %6t %8d\n",
			h.Name, h.ModuleSize, h.ModuleAlign, h.NoloadSize, h.NoloadAlign, h.IsLoaded(), h.RefCount())
	}

	return nil
}

// newReferenceLoader builds a Loader backed entirely by simhost: a 16MiB
// simulated RAM arena, a cache controller that only records calls, a hook
// registry with nothing bound (so modules with real ctors/dtors/prolog/
// epilog will fail to invoke them — this tool demonstrates linking, not
// code execution), and a frame inspector with an empty fake call stack.
func newReferenceLoader(logger *slog.Logger) *rtloader.Loader {
	const arenaSize = 16 << 20

	return rtloader.New(
		simhost.NewArena(arenaSize),
		simhost.NewCacheController(),
		simhost.NewHookInvoker(),
		simhost.NewFrameInspector(),
		logger,
	)
}
