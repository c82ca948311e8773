// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package planner computes the partition plan that divides one input
// file into N worker-local regions, none of which straddles a record
// boundary. The algorithm is a direct translation of
// computePartitionOffsets/setOffsQueryFile: pick a page-aligned target
// size per partition, then scan backward in page-sized chunks from
// each candidate boundary until a record-start byte is found. If no
// boundary can be found inside a partition (too many workers for too
// little data), the worker count is decremented and the whole plan is
// recomputed from scratch.
package planner

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Partition is one worker's region of the input file: file_base is a
// page-aligned byte offset, inner_shift positions the partition's
// logical start inside the page (0 or a record-start byte), and
// region_size is the partition's byte span starting at
// file_base+inner_shift.
type Partition struct {
	FileBase   int64
	InnerShift int64
	RegionSize int64
}

// End returns the partition's logical end offset (exclusive).
func (p Partition) End() int64 { return p.FileBase + p.InnerShift + p.RegionSize }

// Start returns the partition's logical start offset (inclusive).
func (p Partition) Start() int64 { return p.FileBase + p.InnerShift }

// FatalError reports an invariant violation the spec calls fatal: the
// planner could not shrink to at least one worker while searching for
// a record boundary, or the inputs were invalid to begin with.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

// IsFatal marks FatalError as an invariant violation (spec.md §7), so the
// Driver maps it to exit code -1 instead of the generic I/O exit path.
func (e *FatalError) IsFatal() bool { return true }

// Plan computes a partition plan for n workers over a file of the
// given size, using positioned reads against f to scan for the
// record-start byte sym. It returns the plan and the (possibly
// shrunk) worker count actually used.
func Plan(f *os.File, size int64, n int, sym byte) ([]Partition, int, error) {
	if n < 1 || size < 1 {
		return nil, 0, &FatalError{msg: "invalid inputs for computing partition offsets"}
	}

	pageSize := int64(unix.Getpagesize())
	lparts := n

	for {
		if lparts == 1 {
			return []Partition{{FileBase: 0, InnerShift: 0, RegionSize: size}}, 1, nil
		}

		offs := make([]Partition, lparts)
		partSz := ceilDiv(size, int64(lparts))
		mult := partSz / pageSize
		partSz = pageSize * mult

		if partSz == 0 {
			lparts--
			if lparts < 1 {
				return nil, 0, &FatalError{msg: "cannot shrink partition count below 1: file too small for page-aligned partitions"}
			}
			continue
		}

		buf := make([]byte, pageSize)
		shrink := false

		for i := 0; i < lparts && !shrink; i++ {
			if i < lparts-1 {
				if i == 0 {
					offs[i].FileBase, offs[i].InnerShift = 0, 0
				} else {
					prev := offs[i-1].End()
					chunkOffs := prev / pageSize
					offs[i].FileBase = pageSize * chunkOffs
					offs[i].InnerShift = prev - offs[i].FileBase
				}

				found := false
				var offset int64
				for j := int64(1); !found; j++ {
					readOffs := offs[i].FileBase + partSz - pageSize*j
					if readOffs < 0 {
						shrink = true
						break
					}
					if _, err := unix.Pread(int(f.Fd()), buf, readOffs); err != nil {
						return nil, 0, fmt.Errorf("planner: positioned read at partition %d offset %d: %w", i, readOffs, err)
					}
					for c := pageSize - 1; c >= 0; c-- {
						offset++
						if buf[c] == sym {
							offs[i].RegionSize = partSz - offset - offs[i].InnerShift
							if offs[i].RegionSize == 0 {
								shrink = true
							}
							found = true
							break
						}
					}
				}
			} else {
				prev := offs[i-1].End()
				chunkOffs := prev / pageSize
				offs[i].FileBase = pageSize * chunkOffs
				offs[i].InnerShift = prev - offs[i].FileBase
				offs[i].RegionSize = size - (offs[i].FileBase + offs[i].InnerShift)
			}
		}

		if shrink {
			lparts--
			if lparts < 1 {
				return nil, 0, &FatalError{msg: "cannot shrink partition count below 1 while searching for a record boundary"}
			}
			continue
		}

		return offs, lparts, nil
	}
}

func ceilDiv(a, b int64) int64 {
	if a%b == 0 {
		return a / b
	}
	return a/b + 1
}
