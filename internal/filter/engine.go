// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package filter implements the Filter Engine pipeline: selection,
// annotation projection, byte-budget enforcement, and the (single-
// worker-only) record-count cap, writing survivors through a
// buffered output stream.
package filter

import (
	"bufio"
	"io"

	"github.com/kshedden/filterfasta/internal/config"
	"github.com/kshedden/filterfasta/internal/hits"
	"github.com/kshedden/filterfasta/internal/record"
)

// Engine applies one worker's selection/projection/budget pipeline to
// a stream of record buffers (window bodies and carry buffers) and
// writes survivors to a buffered output stream, matching the
// original's full-buffering of the output file descriptor.
type Engine struct {
	cfg       *config.FilterConfig
	hitsTable *hits.Table
	out       *bufio.Writer

	maxRecords      int64
	bytesWritten    int64
	recordsEmitted  int64
	recordsExamined int64
	done            bool
}

// NewEngine builds a Filter Engine. maxRecords is the effective
// record-count cap for this worker: the Driver passes the
// configured max_records only when exactly one worker exists, and
// math.MaxInt64 otherwise (spec.md §5: the cap is never coordinated
// across workers).
func NewEngine(cfg *config.FilterConfig, hitsTable *hits.Table, out io.Writer, maxRecords int64) *Engine {
	return &Engine{
		cfg:        cfg,
		hitsTable:  hitsTable,
		out:        bufio.NewWriterSize(out, 1<<20),
		maxRecords: maxRecords,
	}
}

// Done reports whether the engine has stopped emitting (record cap or
// byte budget reached). Once done, Run is a no-op.
func (e *Engine) Done() bool { return e.done }

// BytesWritten reports the total bytes emitted so far.
func (e *Engine) BytesWritten() int64 { return e.bytesWritten }

// RecordsEmitted reports the total records emitted so far.
func (e *Engine) RecordsEmitted() int64 { return e.recordsEmitted }

// RecordsExamined reports the total records scanned so far, selected
// or not.
func (e *Engine) RecordsExamined() int64 { return e.recordsExamined }

// Flush flushes the underlying buffered writer.
func (e *Engine) Flush() error { return e.out.Flush() }

// Run scans buf record by record (buf is either a window's carry
// buffer or its body — each holds complete, self-contained records)
// and applies the pipeline to each one. It stops early, leaving the
// remainder of buf unexamined, once the engine becomes done.
func (e *Engine) Run(buf []byte) error {
	if e.done || len(buf) == 0 {
		return nil
	}
	c := record.NewCursor(buf)
	for {
		if e.recordsEmitted >= e.maxRecords {
			e.done = true
			return nil
		}

		ann, ok := c.FindAnnotation()
		if !ok {
			return nil
		}
		seq, ok := c.FindSequence(ann)
		if !ok {
			continue
		}
		e.recordsExamined++

		selected, effAnn, substituteGT := e.selects(buf, ann, seq)
		if !selected {
			continue
		}

		if err := e.emit(buf, effAnn, seq, substituteGT); err != nil {
			return err
		}
		if e.done {
			return nil
		}
	}
}

func (e *Engine) selects(buf []byte, ann record.Annotation, seq record.Sequence) (selected bool, effAnn record.Annotation, substituteGT bool) {
	switch e.cfg.Mode {
	case config.ModeAll:
		return true, ann, false
	case config.ModeByLength:
		return e.cfg.MatchesLength(seq.Length), ann, false
	case config.ModeByHitSet:
		return e.matchHitSet(buf, ann)
	default:
		return false, ann, false
	}
}

// matchHitSet implements spec.md §4.3's hit-set selection rule: for
// each uncovered hit ID, select iff the primary annotation (after the
// leading '>') or any SOH-joined annotation begins with that ID
// followed by a non-ID byte. A match on an SOH-joined annotation only
// moves the effective annotation start when a field projection will
// actually be applied (AnnotFields != ALL) — with ALL, the spec calls
// for the complete, unmodified record.
func (e *Engine) matchHitSet(buf []byte, ann record.Annotation) (selected bool, effAnn record.Annotation, substituteGT bool) {
	if idx := e.hitsTable.MatchPrefix(buf, ann.Begin+1, ann.End); idx != -1 && !e.hitsTable.IsCovered(idx) {
		e.hitsTable.MarkCovered(idx)
		return true, ann, false
	}

	for p := ann.Begin; p < ann.End; p++ {
		if buf[p] != 0x01 {
			continue
		}
		if idx := e.hitsTable.MatchPrefix(buf, p+1, ann.End); idx != -1 && !e.hitsTable.IsCovered(idx) {
			e.hitsTable.MarkCovered(idx)
			if e.cfg.AnnotFields != config.AllAnnotFields {
				return true, record.Annotation{Begin: p, End: ann.End}, true
			}
			return true, ann, false
		}
	}

	return false, ann, false
}

// emit applies projection per spec.md §4.3 (ALL/0/K>0/K<0), checks
// the byte budget before writing any bytes, and never writes a
// partial record.
func (e *Engine) emit(buf []byte, ann record.Annotation, seq record.Sequence, substituteGT bool) error {
	var wCnt int64
	var write func() error

	switch {
	case e.cfg.AnnotFields == config.AllAnnotFields:
		wCnt = int64(seq.End - ann.Begin)
		write = func() error { return e.writeAnnot(buf, ann.Begin, seq.End, substituteGT) }

	case e.cfg.AnnotFields == 0:
		wCnt = int64(seq.End - seq.Begin)
		write = func() error { return e.writeBytes(buf[seq.Begin:seq.End]) }

	case e.cfg.AnnotFields > 0:
		fieldEnd := record.AnnotationFieldEnd(buf, ann, e.cfg.AnnotFields)
		wCnt = int64(fieldEnd-ann.Begin) + 1 + int64(seq.End-seq.Begin)
		write = func() error {
			if err := e.writeAnnot(buf, ann.Begin, fieldEnd, substituteGT); err != nil {
				return err
			}
			if err := e.writeBytes([]byte{'\n'}); err != nil {
				return err
			}
			return e.writeBytes(buf[seq.Begin:seq.End])
		}

	default: // K < 0: first |K| fields, leading '>' dropped, no sequence
		k := -e.cfg.AnnotFields
		fieldEnd := record.AnnotationFieldEnd(buf, ann, k)
		wCnt = int64(fieldEnd-ann.Begin-1) + 1
		write = func() error {
			if err := e.writeBytes(buf[ann.Begin+1 : fieldEnd]); err != nil {
				return err
			}
			return e.writeBytes([]byte{'\n'})
		}
	}

	if e.bytesWritten+wCnt > e.cfg.ByteBudget {
		e.done = true
		return nil
	}

	if err := write(); err != nil {
		return err
	}
	e.bytesWritten += wCnt
	e.recordsEmitted++
	return nil
}

func (e *Engine) writeAnnot(buf []byte, begin, end int, substituteGT bool) error {
	if substituteGT {
		if err := e.writeBytes([]byte{'>'}); err != nil {
			return err
		}
		return e.writeBytes(buf[begin+1 : end])
	}
	return e.writeBytes(buf[begin:end])
}

func (e *Engine) writeBytes(b []byte) error {
	_, err := e.out.Write(b)
	return err
}
