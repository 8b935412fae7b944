package main

import (
	"fmt"
	"os"

	"github.com/cbarrett/ultramod/internal/pack"
)

func runPack(opts *rootOptions, outPath, hostPath string, modulePaths []string) error {
	bundleBytes, err := pack.Build(hostPath, modulePaths, pack.Options{
		Parallelism: opts.config.Parallelism,
		MinAlign:    opts.config.MinSectionAlign,
		Logger:      opts.logger,
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, bundleBytes, 0o644); err != nil {
		return fmt.Errorf("write bundle to %q: %w", outPath, err)
	}

	opts.logger.Info("wrote bundle", "path", outPath, "bytes", len(bundleBytes), "modules", len(modulePaths))

	return nil
}
