// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package coordinator implements the Worker Coordinator's four
// responsibilities from spec.md §4.6: input replication, group
// reshape on planner shrink, output gather with pre-truncation, and
// the uncovered-hit report — each translated from the original's MPI
// point-to-point/collective call sites onto group.Transport methods.
package coordinator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kshedden/filterfasta/internal/group"
	"github.com/kshedden/filterfasta/internal/hits"
)

// ReplicationChunkSize bounds how much of an input/aux file is sent
// in one Broadcast call, matching the original's BCAST_LIMIT.
const ReplicationChunkSize = 4 << 20

// Coordinator wraps a group.Transport with the filterfasta-specific
// replication, reshape, gather, and reporting operations.
type Coordinator struct {
	tr     group.Transport
	logger interface{ Printf(string, ...interface{}) }
}

// New builds a Coordinator over tr.
func New(tr group.Transport, logger interface{ Printf(string, ...interface{}) }) *Coordinator {
	return &Coordinator{tr: tr, logger: logger}
}

// Transport returns the coordinator's current transport.
func (c *Coordinator) Transport() group.Transport { return c.tr }

// NewScratchDir creates a run-scoped scratch directory (for per-rank
// replicated inputs) under base, named
// with a UUID, matching the teacher's makeTemp idiom.
func NewScratchDir(base string) (string, error) {
	dir := filepath.Join(base, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("coordinator: creating scratch dir: %w", err)
	}
	return dir, nil
}

// ReplicateInput distributes path from rank 0 to one representative
// rank per distinct host (discovered via Transport.Hostname), in
// ReplicationChunkSize chunks, and returns the path this rank should
// read from. Non-representative ranks (sharing a host with a
// representative, or rank 0 itself) return path unchanged, matching
// spec.md §4.6(1)'s "non-representatives read local replicated copy"
// — in this single-filesystem transport, the original path already
// satisfies that. Single-worker runs skip replication entirely.
func (c *Coordinator) ReplicateInput(path, scratchDir string) (string, error) {
	if c.tr.Size() == 1 {
		return path, nil
	}

	hostBytes := c.tr.Gather(0, []byte(c.tr.Hostname()))
	var repFlags []byte
	if c.tr.Rank() == 0 {
		seen := map[string]bool{}
		repFlags = make([]byte, len(hostBytes))
		for i, h := range hostBytes {
			hs := string(h)
			if !seen[hs] {
				seen[hs] = true
				repFlags[i] = 1
			}
		}
	}
	repFlags = c.tr.Broadcast(0, repFlags)

	rank := c.tr.Rank()
	isRep := rank != 0 && rank < len(repFlags) && repFlags[rank] == 1

	var out *os.File
	var replicaPath string
	if isRep {
		replicaPath = filepath.Join(scratchDir, fmt.Sprintf("replica-rank%d-%s", rank, filepath.Base(path)))
		f, err := os.Create(replicaPath)
		if err != nil {
			return "", fmt.Errorf("coordinator: creating replica file: %w", err)
		}
		out = f
		defer out.Close()
	}

	var in *os.File
	if rank == 0 {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("coordinator: opening input for replication: %w", err)
		}
		in = f
		defer in.Close()
	}

	buf := make([]byte, ReplicationChunkSize)
	for {
		var payload []byte
		if rank == 0 {
			n, rerr := in.Read(buf)
			if n > 0 {
				payload = append([]byte(nil), buf[:n]...)
			}
			if rerr != nil && rerr != io.EOF {
				return "", fmt.Errorf("coordinator: reading input for replication: %w", rerr)
			}
		}
		chunk := c.tr.Broadcast(0, payload)
		if len(chunk) == 0 {
			break
		}
		if out != nil {
			if _, err := out.Write(chunk); err != nil {
				return "", fmt.Errorf("coordinator: writing replica: %w", err)
			}
		}
	}

	if rank == 0 || !isRep {
		return path, nil
	}
	return replicaPath, nil
}

// Reshape forms a subgroup of the first n ranks, the Worker
// Coordinator's response to the Partition Planner shrinking the
// worker count. Excluded ranks get ok=false and must finalize and
// exit cleanly rather than participate further.
func (c *Coordinator) Reshape(n int) (survives bool) {
	newTr, ok := c.tr.Shrink(n)
	if ok {
		c.tr = newTr
	}
	return ok
}

// GatherOutput combines every worker's local output file into
// combinedPath, concatenated in rank order, pre-truncating the
// combined file to the sum of all workers' bytesWritten exactly as
// the original's combineOutputFiles does via ftruncate. If the total
// is zero, combinedPath is left untouched (the caller removes any
// zero-byte file per spec.md §7's empty-result handling). Single-
// worker runs are a no-op: the one worker's output already is the
// combined output.
func (c *Coordinator) GatherOutput(localPath, combinedPath string, bytesWritten int64) error {
	if c.tr.Size() == 1 {
		return nil
	}

	sizeBufs := c.tr.Gather(0, encodeInt64(bytesWritten))

	var out *os.File
	var openErr error
	if c.tr.Rank() == 0 {
		var total int64
		for _, b := range sizeBufs {
			total += decodeInt64(b)
		}
		if total > 0 {
			f, err := os.Create(combinedPath)
			if err != nil {
				openErr = err
			} else {
				if err := f.Truncate(total); err != nil {
					openErr = err
					f.Close()
				} else {
					out = f
				}
			}
		}
	}

	flag := []byte{0}
	if openErr != nil {
		flag[0] = 1
	}
	flagResult := c.tr.Broadcast(0, flag)
	if len(flagResult) > 0 && flagResult[0] == 1 {
		return fmt.Errorf("coordinator: failed to create combined output file: %w", openErr)
	}
	if out == nil {
		return nil
	}
	defer out.Close()

	for i := 0; i < c.tr.Size(); i++ {
		var payload []byte
		if c.tr.Rank() == i && bytesWritten > 0 {
			data, err := os.ReadFile(localPath)
			if err != nil {
				return fmt.Errorf("coordinator: reading worker %d output: %w", i, err)
			}
			payload = data
		}
		gathered := c.tr.Gather(0, payload)
		if c.tr.Rank() == 0 && len(gathered[i]) > 0 {
			if _, err := out.Write(gathered[i]); err != nil {
				return fmt.Errorf("coordinator: writing combined output: %w", err)
			}
		}
	}
	return nil
}

// ReportUncoveredHits reduces every worker's coverage bitmap (summed
// as an OR, matching the original's MPI_SUM over a 0/1 vector) and, at
// rank 0, writes every hit ID that matched nothing to
// "<outputBase>.notFound", removing the file if it would be empty.
func (c *Coordinator) ReportUncoveredHits(table *hits.Table, outputBase string) error {
	if table == nil || len(table.Hits) == 0 {
		return nil
	}

	merged := c.tr.ReduceCoverage(0, table.Coverage)
	if c.tr.Rank() != 0 {
		return nil
	}

	path := outputBase + ".notFound"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("coordinator: creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	any := false
	for i, id := range table.Hits {
		covered := false
		if merged != nil {
			if set, err := merged.GetBit(uint64(i)); err == nil {
				covered = set
			}
		}
		if !covered {
			any = true
			w.WriteString(id)
			w.WriteByte('\n')
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("coordinator: writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !any {
		os.Remove(path)
	}
	return nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}
