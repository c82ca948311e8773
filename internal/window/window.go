// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package window implements the Window Manager: it walks one worker's
// partition in bounded, page-aligned mmap windows and stitches records
// that straddle a window boundary into a small carry buffer, so the
// record cursor never has to reason about where one window ends and
// the next begins. Partition-to-partition boundaries are already
// record-aligned by internal/planner; this package only deals with
// boundaries introduced by splitting one partition into windows.
package window

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/kshedden/filterfasta/internal/planner"
)

// DefaultWindowSize matches the original implementation's IMAP_LIMIT:
// 256MiB, page-aligned.
const DefaultWindowSize = 1 << 28

// FatalError reports a record that does not fit within one window: the
// spec treats this as a fatal condition for the worker, not a soft
// limit.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

// IsFatal marks FatalError as an invariant violation (spec.md §7), so the
// Driver maps it to exit code -1 instead of the generic I/O exit path.
func (e *FatalError) IsFatal() bool { return true }

// Chunk is one window's worth of scannable bytes. Carry, when
// non-nil, is a materialized copy of the record amputated by the
// previous window's boundary, stitched with this window's head; it
// must be scanned before Body. Body is a zero-copy slice directly
// into the live mmap and must not be used after Close.
type Chunk struct {
	Carry []byte
	Body  []byte

	mapping mmap.MMap
}

// Close unmaps the window's backing memory. Body becomes invalid
// after Close returns; Carry remains valid since it is a private copy.
func (c *Chunk) Close() error {
	if c.mapping == nil {
		return nil
	}
	return c.mapping.Unmap()
}

// Manager walks a single partition window by window.
type Manager struct {
	f          *os.File
	part       planner.Partition
	pageSize   int64
	windowSize int64
	single     bool // windowing disabled: region_size < 2*pageSize

	offset      int64 // bytes of the partition consumed so far
	pendingTail []byte
	logger      *log.Logger
}

// NewManager builds a Window Manager for one worker's partition.
// windowSize <= 0 selects DefaultWindowSize. logger receives warnings
// for best-effort operations (mlock failures); it may be nil.
func NewManager(f *os.File, part planner.Partition, windowSize int64, logger *log.Logger) *Manager {
	p := int64(unix.Getpagesize())
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	windowSize = (windowSize / p) * p
	if windowSize < 2*p {
		windowSize = 2 * p
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Manager{
		f:          f,
		part:       part,
		pageSize:   p,
		windowSize: windowSize,
		single:     part.RegionSize < 2*p,
		logger:     logger,
	}
}

// Done reports whether every byte of the partition has been consumed.
func (m *Manager) Done() bool { return m.offset >= m.part.RegionSize }

// Next maps and returns the next window. The caller must call
// Chunk.Close once it is finished scanning Carry and Body.
func (m *Manager) Next() (*Chunk, error) {
	if m.Done() {
		return nil, fmt.Errorf("window: Next called with no remaining data")
	}

	isFirst := m.offset == 0

	winLen := m.windowSize
	if m.single || winLen > m.part.RegionSize-m.offset {
		winLen = m.part.RegionSize - m.offset
	}
	isLast := m.offset+winLen >= m.part.RegionSize

	absStart := m.part.FileBase + m.part.InnerShift + m.offset
	mapOffset := (absStart / m.pageSize) * m.pageSize
	pad := absStart - mapOffset
	mapLen := pad + winLen

	mapping, err := mmap.MapRegion(m.f, int(mapLen), mmap.RDONLY, 0, mapOffset)
	if err != nil {
		return nil, fmt.Errorf("window: mmap failed at partition offset %d: %w", m.offset, err)
	}

	if err := unix.Madvise(mapping, unix.MADV_SEQUENTIAL|unix.MADV_WILLNEED); err != nil {
		m.logger.Printf("warning: madvise failed: %v", err)
	}
	if err := unix.Mlock(mapping); err != nil {
		m.logger.Printf("warning: failed to lock window map: %v", err)
	}

	raw := []byte(mapping)[pad : pad+winLen]

	var carry []byte
	body := raw

	if !isFirst {
		cut := bytes.IndexByte(raw, '>')
		if cut == -1 {
			if !isLast {
				mapping.Unmap()
				return nil, &FatalError{msg: fmt.Sprintf("window: no record start found within window at partition offset %d (record larger than window size)", m.offset)}
			}
			// The final window holds only the end of the carried record.
			cut = len(raw)
		}
		head := raw[:cut]
		carry = make([]byte, 0, len(m.pendingTail)+len(head))
		carry = append(carry, m.pendingTail...)
		carry = append(carry, head...)
		m.pendingTail = nil
		body = raw[cut:]
	}

	if !isLast {
		// Find the last record-start byte strictly before the end of
		// this window's body, so the amputated final record is cut
		// off and carried forward rather than processed here.
		// In a non-first window the body may be a single incomplete
		// record starting at offset 0; it is carried forward whole.
		lastGt := bytes.LastIndexByte(body, '>')
		if lastGt == -1 || (isFirst && lastGt == 0) {
			mapping.Unmap()
			return nil, &FatalError{msg: fmt.Sprintf("window: no record boundary found to amputate at partition offset %d", m.offset)}
		}
		tail := body[lastGt:]
		m.pendingTail = append([]byte(nil), tail...)
		body = body[:lastGt]
	}

	m.offset += winLen

	return &Chunk{Carry: carry, Body: body, mapping: mapping}, nil
}
