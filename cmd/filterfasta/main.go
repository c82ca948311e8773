// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// filterfasta extracts FASTA records from a large input file, filters
// them by length, record count, byte budget, or membership in a
// hit-ID set, and writes the survivors to one or more output files.
// It scales across a fixed, in-process group of workers that each
// handle a disjoint, page-aligned partition of the input.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/profile"

	"github.com/kshedden/filterfasta/internal/config"
	"github.com/kshedden/filterfasta/internal/coordinator"
	"github.com/kshedden/filterfasta/internal/driver"
)

const doProfile = false

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "filterfasta: %v\n", err)
		os.Exit(-2)
	}

	if doProfile {
		p := profile.Start(profile.ProfilePath("."))
		defer p.Stop()
	}

	var logDir string
	if cfg.Verbose {
		runID := uuid.NewString()
		logDir = filepath.Join(cfg.OutputBase+".logs", runID)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "filterfasta: creating log directory: %v\n", err)
			os.Exit(-1)
		}
	}

	scratchDir, err := coordinator.NewScratchDir(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "filterfasta: %v\n", err)
		os.Exit(-1)
	}
	defer os.RemoveAll(scratchDir)

	res := driver.Run(cfg, logDir, scratchDir, 0)
	for _, r := range res.Workers {
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "filterfasta: rank %d: %v\n", r.Rank, r.Err)
		}
	}

	if res.ExitCode == 0 && res.TotalBytes == 0 {
		fmt.Fprintf(os.Stderr, "filterfasta: warning: no records matched, no output written\n")
	}

	if cfg.Verbose {
		summary := log.New(os.Stderr, "filterfasta: ", log.LstdFlags)
		summary.Printf("records examined=%d emitted=%d bytes_written=%d workers=%d",
			res.TotalExamined, res.TotalRecords, res.TotalBytes, len(res.Workers))
	}

	os.Exit(res.ExitCode)
}
