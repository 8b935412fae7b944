// Command moduledump is a reference embedding executable (spec §6): it
// opens a bundle produced by makemodule, runs ModuleInit, and either lists
// the handle table or drives ModuleLoad/ModuleUnload against real bundle
// bytes on disk. It stands in for the host program a real target would
// build around internal/rtloader, backed by internal/simhost instead of
// actual MIPS memory and cache hardware.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cmd := &cobra.Command{
		Use:   "moduledump",
		Short: "Inspect and exercise an ultramod bundle",
	}

	cmd.AddCommand(newListCommand(logger))
	cmd.AddCommand(newLoadCommand(logger))

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
