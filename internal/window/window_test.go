package window

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/kshedden/filterfasta/internal/planner"
	"github.com/kshedden/filterfasta/internal/record"
)

func buildFasta(t *testing.T, recordBytes int, count int) (string, string) {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < count; i++ {
		header := fmt.Sprintf(">rec%d\n", i)
		pad := recordBytes - len(header) - 1
		if pad < 1 {
			pad = 1
		}
		sb.WriteString(header)
		sb.WriteString(strings.Repeat("A", pad))
		sb.WriteString("\n")
	}
	return sb.String(), sb.String()
}

// extractRecords drains a Manager end to end, reconstructing every
// record's raw bytes by scanning each Chunk's Carry then Body with a
// fresh record.Cursor, and returns the concatenation for comparison
// against the original input (the round-trip / projection=ALL
// invariant, restricted to a single partition here).
func extractRecords(t *testing.T, m *Manager) []byte {
	t.Helper()
	var out bytes.Buffer
	for !m.Done() {
		chunk, err := m.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for _, buf := range [][]byte{chunk.Carry, chunk.Body} {
			if len(buf) == 0 {
				continue
			}
			c := record.NewCursor(buf)
			for {
				ann, ok := c.FindAnnotation()
				if !ok {
					break
				}
				seq, ok := c.FindSequence(ann)
				if !ok {
					out.Write(buf[ann.Begin : ann.End+1])
					continue
				}
				out.Write(buf[ann.Begin:ann.End])
				out.WriteByte('\n')
				out.Write(buf[seq.Begin:seq.End])
			}
		}
		if err := chunk.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	return out.Bytes()
}

func TestWindowingAcrossBoundaries(t *testing.T) {
	page := unix.Getpagesize()
	// Records sized so several straddle a 2-page window boundary.
	content, _ := buildFasta(t, page/3, 20)

	f, err := os.CreateTemp(t.TempDir(), "window-*.fasta")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write: %v", err)
	}

	part := planner.Partition{FileBase: 0, InnerShift: 0, RegionSize: int64(len(content))}
	m := NewManager(f, part, int64(2*page), nil)

	got := extractRecords(t, m)
	if string(got) != content {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}

func TestWindowingDisabledForSmallRegion(t *testing.T) {
	content := ">a\nACGT\n>b\nTTTT\n"
	f, err := os.CreateTemp(t.TempDir(), "window-small-*.fasta")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write: %v", err)
	}

	part := planner.Partition{FileBase: 0, InnerShift: 0, RegionSize: int64(len(content))}
	m := NewManager(f, part, 1<<28, nil)
	if !m.single {
		t.Fatalf("expected windowing to be disabled for a region smaller than 2 pages")
	}

	got := extractRecords(t, m)
	if string(got) != content {
		t.Fatalf("round-trip mismatch in single-window mode: got %q, want %q", got, content)
	}
}
