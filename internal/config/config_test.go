package config

import (
	"math"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-q", "in.fasta"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.OutputBase != "filter.out" {
		t.Fatalf("OutputBase = %q, want %q", cfg.OutputBase, "filter.out")
	}
	if cfg.MaxRecords != math.MaxInt64 {
		t.Fatalf("MaxRecords = %d, want MaxInt64", cfg.MaxRecords)
	}
	if cfg.AnnotFields != AllAnnotFields {
		t.Fatalf("AnnotFields = %d, want AllAnnotFields", cfg.AnnotFields)
	}
	if cfg.ByteBudget != math.MaxInt64 {
		t.Fatalf("ByteBudget = %d, want MaxInt64", cfg.ByteBudget)
	}
	if cfg.Mode != ModeAll {
		t.Fatalf("Mode = %v, want ModeAll", cfg.Mode)
	}
	if cfg.Workers != 1 {
		t.Fatalf("Workers = %d, want 1", cfg.Workers)
	}
}

func TestParseMissingQueryIsConfigError(t *testing.T) {
	_, err := Parse([]string{})
	if err == nil {
		t.Fatalf("expected error for missing -q")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
}

func TestParseLengthPredicates(t *testing.T) {
	cfg, err := Parse([]string{"-q", "in.fasta", "-l", "100", "-l", "200:400", "-l", ":50", "-l", "900:"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mode != ModeByLength {
		t.Fatalf("Mode = %v, want ModeByLength", cfg.Mode)
	}
	if len(cfg.ExactLengths) != 1 || cfg.ExactLengths[0] != 100 {
		t.Fatalf("ExactLengths = %v", cfg.ExactLengths)
	}
	wantRanges := []LengthRange{{200, 400}, {0, 50}, {900, math.MaxInt64}}
	if len(cfg.LengthRanges) != len(wantRanges) {
		t.Fatalf("LengthRanges = %v, want %v", cfg.LengthRanges, wantRanges)
	}
	for i, r := range wantRanges {
		if cfg.LengthRanges[i] != r {
			t.Fatalf("LengthRanges[%d] = %v, want %v", i, cfg.LengthRanges[i], r)
		}
	}
	if !cfg.MatchesLength(100) || !cfg.MatchesLength(250) || !cfg.MatchesLength(10) || !cfg.MatchesLength(1000) {
		t.Fatalf("expected union match across all predicates")
	}
	if cfg.MatchesLength(500) {
		t.Fatalf("500 should not match any predicate")
	}
}

func TestParseTooManyLengthPredicatesOfOneKind(t *testing.T) {
	// spec.md §7 classifies this as a soft limit: warn and ignore the
	// extra predicate, don't fail configuration.
	args := []string{"-q", "in.fasta"}
	for i := 0; i < MaxLengthPredicates+1; i++ {
		args = append(args, "-l", intArg(i+1))
	}
	cfg, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.ExactLengths) != MaxLengthPredicates {
		t.Fatalf("ExactLengths = %d, want %d (extra predicate should be dropped)", len(cfg.ExactLengths), MaxLengthPredicates)
	}
}

func intArg(n int) string {
	digits := "0123456789"
	if n < 10 {
		return string(digits[n])
	}
	return string(digits[n/10]) + string(digits[n%10])
}

func TestParseByteBudgetSuffixes(t *testing.T) {
	cases := map[string]int64{
		"10":   10,
		"1KB":  1 << 10,
		"2MB":  2 << 20,
		"1GB":  1 << 30,
		"4kb":  4 << 10,
	}
	for raw, want := range cases {
		cfg, err := Parse([]string{"-q", "in.fasta", "-b", raw})
		if err != nil {
			t.Fatalf("Parse(-b %s): %v", raw, err)
		}
		if cfg.ByteBudget != want {
			t.Fatalf("-b %s => ByteBudget = %d, want %d", raw, cfg.ByteBudget, want)
		}
	}
}

func TestParseTableAndSearchMutuallyExclusive(t *testing.T) {
	_, err := Parse([]string{"-q", "in.fasta", "-t", "hits.tab", "-p", "1", "-s", "search.txt"})
	if err == nil {
		t.Fatalf("expected error for -t and -s both set")
	}
}

func TestParseTableRequiresPipeModeOne(t *testing.T) {
	_, err := Parse([]string{"-q", "in.fasta", "-t", "hits.tab"})
	if err == nil {
		t.Fatalf("expected error for -t without -p 1")
	}
}

func TestParsePipeModeTwoRejected(t *testing.T) {
	_, err := Parse([]string{"-q", "in.fasta", "-t", "hits.tab", "-p", "2"})
	if err == nil {
		t.Fatalf("expected error rejecting pipe mode 2 (MUSCLE)")
	}
}

func TestParseSearchFileSelectsHitSetMode(t *testing.T) {
	cfg, err := Parse([]string{"-q", "in.fasta", "-s", "search.txt"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mode != ModeByHitSet {
		t.Fatalf("Mode = %v, want ModeByHitSet", cfg.Mode)
	}
}

func TestParseOutputMustDifferFromInputs(t *testing.T) {
	_, err := Parse([]string{"-q", "in.fasta", "-o", "in.fasta"})
	if err == nil {
		t.Fatalf("expected error when output path equals query path")
	}
}

func TestParseNegativeCountRejected(t *testing.T) {
	_, err := Parse([]string{"-q", "in.fasta", "-c", "-1"})
	if err == nil {
		t.Fatalf("expected error for negative -c")
	}
}

func TestParseWorkersFlag(t *testing.T) {
	cfg, err := Parse([]string{"-q", "in.fasta", "-n", "4"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", cfg.Workers)
	}

	_, err = Parse([]string{"-q", "in.fasta", "-n", "0"})
	if err == nil {
		t.Fatalf("expected error for -n 0")
	}
}
