// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package driver composes the Partition Planner, Window Manager,
// Filter Engine, and Worker Coordinator into the end-to-end pipeline
// described in spec.md §4.7, independent of the command-line entry
// point so it can be driven directly by the integration suite as well
// as by cmd/filterfasta.
package driver

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/kshedden/filterfasta/internal/config"
	"github.com/kshedden/filterfasta/internal/coordinator"
	"github.com/kshedden/filterfasta/internal/filter"
	"github.com/kshedden/filterfasta/internal/group"
	"github.com/kshedden/filterfasta/internal/hits"
	"github.com/kshedden/filterfasta/internal/planner"
	"github.com/kshedden/filterfasta/internal/window"
)

// fataler is implemented by errors the spec.md §7 taxonomy calls an
// "invariant violation" rather than an ordinary I/O failure.
type fataler interface {
	IsFatal() bool
}

// WorkerResult carries one rank's outcome back to the caller.
type WorkerResult struct {
	Rank         int
	Err          error
	BytesWritten int64
	Records      int64
	Examined     int64
}

// Result aggregates every rank's outcome plus the exit code the spec.md
// §7 taxonomy assigns to it.
type Result struct {
	Workers       []WorkerResult
	TotalRecords  int64
	TotalBytes    int64
	TotalExamined int64
	ExitCode      int
}

// Run executes the full group of workers for cfg and returns the
// aggregated result. logDir receives one log file per rank when
// cfg.Verbose is set (pass "" to always log to stderr). scratchDir
// holds replicated-input staging files and is never removed by Run;
// the caller owns its lifetime. windowSize <= 0 selects
// window.DefaultWindowSize; callers other than cmd/filterfasta may
// pass a smaller size to exercise window-join behavior over small
// fixtures (spec.md §8 scenario S6).
func Run(cfg *config.FilterConfig, logDir, scratchDir string, windowSize int64) Result {
	transports := group.NewLocalTransports(cfg.Workers)
	results := make([]WorkerResult, cfg.Workers)

	var wg sync.WaitGroup
	for _, tr := range transports {
		wg.Add(1)
		go func(tr group.Transport) {
			defer wg.Done()
			results[tr.Rank()] = runWorker(tr, cfg, logDir, scratchDir, windowSize)
		}(tr)
	}
	wg.Wait()

	res := Result{Workers: results}
	for _, r := range results {
		if r.Err != nil {
			if _, ok := r.Err.(fataler); ok {
				res.ExitCode = -1
			} else if res.ExitCode == 0 {
				res.ExitCode = -1
			}
		}
		res.TotalRecords += r.Records
		res.TotalBytes += r.BytesWritten
		res.TotalExamined += r.Examined
	}
	return res
}

// runWorker executes one rank's share of the pipeline: input
// replication, partition planning (rank 0 only, broadcast to the
// group), group reshape on shrink, window-by-window filtering, and
// the two coordinator gather/report steps. A rank excluded by a
// planner-driven shrink returns a zero-value, error-free result,
// matching spec.md §5's "finalize and exit with success".
func runWorker(tr group.Transport, cfg *config.FilterConfig, logDir, scratchDir string, windowSize int64) WorkerResult {
	res := WorkerResult{Rank: tr.Rank()}
	logger := newLogger(tr, cfg, logDir)
	coord := coordinator.New(tr, nil)

	queryPath, err := coord.ReplicateInput(cfg.QueryFile, scratchDir)
	if err != nil {
		res.Err = err
		return res
	}

	f, err := os.Open(queryPath)
	if err != nil {
		res.Err = fmt.Errorf("opening input: %w", err)
		return res
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		res.Err = fmt.Errorf("stat input: %w", err)
		return res
	}

	plan, newSize, err := planOnce(f, fi.Size(), tr)
	if err != nil {
		res.Err = err
		return res
	}

	if newSize != tr.Size() {
		newTr, survives := tr.Shrink(newSize)
		if !survives {
			return WorkerResult{Rank: tr.Rank()}
		}
		tr = newTr
		coord = coordinator.New(tr, nil)
	}
	if tr.Rank() >= len(plan) {
		return WorkerResult{Rank: tr.Rank()}
	}
	part := plan[tr.Rank()]

	var hitsTable *hits.Table
	switch {
	case cfg.TableFile != "":
		tablePath, err := coord.ReplicateInput(cfg.TableFile, scratchDir)
		if err != nil {
			res.Err = err
			return res
		}
		hitsTable, err = hits.LoadBlastTable(tablePath, logger)
		if err != nil {
			res.Err = err
			return res
		}
	case cfg.SearchFile != "":
		searchPath, err := coord.ReplicateInput(cfg.SearchFile, scratchDir)
		if err != nil {
			res.Err = err
			return res
		}
		hitsTable, err = hits.LoadSearchFile(searchPath, logger)
		if err != nil {
			res.Err = err
			return res
		}
	}

	localPath := cfg.OutputBase
	if tr.Size() > 1 {
		localPath = fmt.Sprintf("%s.%d", cfg.OutputBase, tr.Rank())
	}
	out, err := os.Create(localPath)
	if err != nil {
		res.Err = fmt.Errorf("creating local output %s: %w", localPath, err)
		return res
	}

	maxRecords := int64(math.MaxInt64)
	if tr.Size() == 1 {
		maxRecords = cfg.MaxRecords
	}
	engine := filter.NewEngine(cfg, hitsTable, out, maxRecords)

	wm := window.NewManager(f, part, windowSize, logger)
	for !wm.Done() && !engine.Done() {
		chunk, err := wm.Next()
		if err != nil {
			out.Close()
			res.Err = err
			return res
		}
		if err := engine.Run(chunk.Carry); err != nil {
			chunk.Close()
			out.Close()
			res.Err = err
			return res
		}
		if !engine.Done() {
			if err := engine.Run(chunk.Body); err != nil {
				chunk.Close()
				out.Close()
				res.Err = err
				return res
			}
		}
		chunk.Close()
	}

	if err := engine.Flush(); err != nil {
		out.Close()
		res.Err = fmt.Errorf("flushing local output: %w", err)
		return res
	}
	if err := out.Close(); err != nil {
		res.Err = fmt.Errorf("closing local output: %w", err)
		return res
	}

	res.BytesWritten = engine.BytesWritten()
	res.Records = engine.RecordsEmitted()
	res.Examined = engine.RecordsExamined()

	if engine.BytesWritten() == 0 {
		os.Remove(localPath)
	}

	if err := coord.ReportUncoveredHits(hitsTable, cfg.OutputBase); err != nil {
		res.Err = err
		return res
	}

	if err := coord.GatherOutput(localPath, cfg.OutputBase, engine.BytesWritten()); err != nil {
		res.Err = err
		return res
	}

	return res
}

// planOnce runs the Partition Planner at rank 0 and broadcasts the
// resulting plan (and possibly-shrunk worker count) to the rest of the
// group, so every rank sees the same partitioning decision.
func planOnce(f *os.File, size int64, tr group.Transport) ([]planner.Partition, int, error) {
	var plan []planner.Partition
	var newSize int
	var planErr error

	if tr.Rank() == 0 {
		plan, newSize, planErr = planner.Plan(f, size, tr.Size(), '>')
	}

	flagBuf := []byte{0}
	if tr.Rank() == 0 && planErr != nil {
		flagBuf[0] = 1
	}
	flagBuf = tr.Broadcast(0, flagBuf)
	if tr.Rank() == 0 && planErr != nil {
		return nil, 0, planErr
	}
	if len(flagBuf) > 0 && flagBuf[0] == 1 {
		return nil, 0, &planErrFatal{msg: "partition planning failed; see rank 0's log"}
	}

	sizeBuf := appendInt64(nil, int64(newSize))
	sizeBuf = tr.Broadcast(0, sizeBuf)
	newSize = int(readInt64(sizeBuf))

	encoded := encodePlan(plan)
	encoded = tr.Broadcast(0, encoded)
	plan = decodePlan(encoded)

	return plan, newSize, nil
}

// planErrFatal reports a partitioning failure broadcast from rank 0 to
// the rest of the group; it satisfies fataler so Run maps it to exit
// code -1.
type planErrFatal struct{ msg string }

func (e *planErrFatal) Error() string { return e.msg }
func (e *planErrFatal) IsFatal() bool { return true }

func encodePlan(plan []planner.Partition) []byte {
	buf := make([]byte, 0, len(plan)*24)
	for _, p := range plan {
		buf = appendInt64(buf, p.FileBase)
		buf = appendInt64(buf, p.InnerShift)
		buf = appendInt64(buf, p.RegionSize)
	}
	return buf
}

func decodePlan(buf []byte) []planner.Partition {
	var plan []planner.Partition
	for i := 0; i+24 <= len(buf); i += 24 {
		plan = append(plan, planner.Partition{
			FileBase:   readInt64(buf[i : i+8]),
			InnerShift: readInt64(buf[i+8 : i+16]),
			RegionSize: readInt64(buf[i+16 : i+24]),
		})
	}
	return plan
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func readInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

func newLogger(tr group.Transport, cfg *config.FilterConfig, logDir string) *log.Logger {
	if !cfg.Verbose || logDir == "" {
		return log.New(os.Stderr, fmt.Sprintf("rank%d: ", tr.Rank()), log.LstdFlags)
	}
	path := filepath.Join(logDir, fmt.Sprintf("rank-%d.log", tr.Rank()))
	fh, err := os.Create(path)
	if err != nil {
		return log.New(os.Stderr, fmt.Sprintf("rank%d: ", tr.Rank()), log.LstdFlags)
	}
	// Every message logged here is a warning, which also goes to stderr.
	return log.New(io.MultiWriter(fh, os.Stderr), "", log.LstdFlags)
}
