// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// run_test.go is the TOML-driven end-to-end scenario runner. Each
// scenario in scenarios.toml supplies a literal FASTA input, the
// command-line options beyond -q/-o/-n, and the expected output
// bytes; the runner builds the filter pipeline in-process (the worker
// group here is goroutines, not child processes, so there is no
// os/exec step to wire up) and compares actual against expected.
package integration

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/kshedden/filterfasta/internal/config"
	"github.com/kshedden/filterfasta/internal/coordinator"
	"github.com/kshedden/filterfasta/internal/driver"
)

type scenario struct {
	Name                   string
	Query                  string
	Search                 []string
	Opts                   []string
	Workers                int
	ExpectedOutput         string
	ExpectedNotFound       []string
	ExpectedRecordsEmitted int64
}

type scenarioFile struct {
	Scenario []scenario
}

func loadScenarios(t *testing.T) []scenario {
	t.Helper()
	var sf scenarioFile
	if _, err := toml.DecodeFile("scenarios.toml", &sf); err != nil {
		t.Fatalf("decoding scenarios.toml: %v", err)
	}
	if len(sf.Scenario) == 0 {
		t.Fatalf("scenarios.toml contains no [[scenario]] entries")
	}
	return sf.Scenario
}

func TestScenarios(t *testing.T) {
	for _, sc := range loadScenarios(t) {
		sc := sc
		t.Run(sc.Name, func(t *testing.T) {
			runScenario(t, sc)
		})
	}
}

func runScenario(t *testing.T, sc scenario) {
	t.Helper()
	dir := t.TempDir()

	queryPath := filepath.Join(dir, "query.fasta")
	if err := os.WriteFile(queryPath, []byte(sc.Query), 0o644); err != nil {
		t.Fatalf("writing query file: %v", err)
	}
	outPath := filepath.Join(dir, "out")

	workers := sc.Workers
	if workers == 0 {
		workers = 1
	}

	args := []string{"-q", queryPath, "-o", outPath, "-n", strconv.Itoa(workers)}
	args = append(args, sc.Opts...)

	if len(sc.Search) > 0 {
		searchPath := filepath.Join(dir, "search.txt")
		if err := os.WriteFile(searchPath, []byte(strings.Join(sc.Search, "\n")+"\n"), 0o644); err != nil {
			t.Fatalf("writing search file: %v", err)
		}
		args = append(args, "-s", searchPath)
	}

	cfg, err := config.Parse(args)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}

	scratchDir, err := coordinator.NewScratchDir(dir)
	if err != nil {
		t.Fatalf("NewScratchDir: %v", err)
	}

	res := driver.Run(cfg, "", scratchDir, 0)
	for _, r := range res.Workers {
		if r.Err != nil {
			t.Fatalf("rank %d: %v", r.Rank, r.Err)
		}
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if sc.ExpectedRecordsEmitted != 0 && res.TotalRecords != sc.ExpectedRecordsEmitted {
		t.Fatalf("records emitted = %d, want %d", res.TotalRecords, sc.ExpectedRecordsEmitted)
	}

	got, err := os.ReadFile(outPath)
	if sc.ExpectedOutput == "" {
		if err == nil {
			t.Fatalf("expected no output file, got %q", got)
		}
	} else {
		if err != nil {
			t.Fatalf("reading output: %v", err)
		}
		if string(got) != sc.ExpectedOutput {
			t.Fatalf("output = %q, want %q", got, sc.ExpectedOutput)
		}
	}

	notFoundPath := outPath + ".notFound"
	if len(sc.ExpectedNotFound) > 0 {
		nf, err := os.ReadFile(notFoundPath)
		if err != nil {
			t.Fatalf("reading .notFound: %v", err)
		}
		gotLines := strings.Split(strings.TrimRight(string(nf), "\n"), "\n")
		if strings.Join(gotLines, ",") != strings.Join(sc.ExpectedNotFound, ",") {
			t.Fatalf(".notFound = %v, want %v", gotLines, sc.ExpectedNotFound)
		}
	} else if _, err := os.Stat(notFoundPath); err == nil {
		t.Fatalf(".notFound file should not exist when every hit is covered")
	}
}
