// Package group abstracts the "collective-messaging transport" that
// spec.md places out of scope as an external collaborator, exposing
// the primitives the Worker Coordinator and Driver build on:
// broadcast, gather, reduce, barrier, and group-shrink.
//
// The sole implementation, LocalTransport, simulates the spec's "fixed
// set of N OS-level worker processes communicating by explicit
// group-messaging primitives" with one goroutine per rank inside a
// single OS process. Goroutines share no state directly; every
// exchange goes through a Transport method, so the rest of the
// pipeline (internal/driver, internal/coordinator) is written against
// the interface and would work unchanged against a real multi-host
// transport.
package group

import (
	"fmt"
	"os"
	"sync"

	"github.com/golang-collections/go-datastructures/bitarray"
)

// Transport is the abstract group-messaging service spec.md §1 and §5
// describe via its interface obligations only.
type Transport interface {
	Rank() int
	Size() int
	Hostname() string

	// Broadcast sends data from root to every rank and returns it
	// (including to root). Every rank must call Broadcast the same
	// number of times, in the same order, as every other rank.
	Broadcast(root int, data []byte) []byte

	// Gather collects one []byte from every rank at root, in rank
	// order. Non-root ranks receive nil.
	Gather(root int, data []byte) [][]byte

	// ReduceSum sums local across all ranks, result valid at root
	// only.
	ReduceSum(root int, local int64) int64

	// ReduceCoverage ORs local coverage bitmaps across all ranks,
	// result valid at root only.
	ReduceCoverage(root int, local bitarray.BitArray) bitarray.BitArray

	// Barrier blocks until every rank has called Barrier.
	Barrier()

	// Shrink forms a new group containing ranks [0, newSize). It
	// returns the new Transport (nil if this rank was excluded) and
	// whether this rank survived. Every rank, including excluded
	// ones, must call Shrink exactly once with the same newSize.
	Shrink(newSize int) (Transport, bool)
}

type rendezvous struct {
	mu       sync.Mutex
	cond     *sync.Cond
	size     int
	seq      int
	barrierN int

	// per-round scratch, reallocated by the first rank to arrive for
	// each round; each collective bumps seq once all ranks arrive.
	bcastIn   [][]byte
	gatherIn  [][]byte
	sumIn     []int64
	covIn     []bitarray.BitArray
	op        string
	arrived   int
	root      int
	capturing int // ranks of the last completed round yet to capture
}

func newRendezvous(n int) *rendezvous {
	r := &rendezvous{size: n}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// LocalTransport is the in-process simulation of N worker ranks.
type LocalTransport struct {
	rank     int
	size     int
	hostname string
	rv       *rendezvous
}

// NewLocalTransports builds a full set of LocalTransport handles, one
// per rank, all sharing one rendezvous point. Callers launch one
// goroutine per handle.
func NewLocalTransports(n int) []Transport {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	rv := newRendezvous(n)
	out := make([]Transport, n)
	for i := 0; i < n; i++ {
		out[i] = &LocalTransport{rank: i, size: n, hostname: host, rv: rv}
	}
	return out
}

func (t *LocalTransport) Rank() int        { return t.rank }
func (t *LocalTransport) Size() int        { return t.size }
func (t *LocalTransport) Hostname() string { return t.hostname }

// collective is the generic rendezvous: the first rank to arrive for a
// given op/seq combination stashes the op and allocates fresh
// per-round scratch, every rank contributes its slot, and the last
// arrival wakes everyone. capture runs for every rank while r.mu is
// still held, immediately before that rank's call returns. A new round
// does not start (and so does not replace the scratch slices) until
// every rank of the previous round has captured, so every rank reads
// this round's result and never a faster rank's next round.
func (t *LocalTransport) collective(op string, root int, contribute func(r *rendezvous), capture func(r *rendezvous)) {
	r := t.rv
	r.mu.Lock()
	for r.arrived == 0 && r.capturing > 0 {
		r.cond.Wait()
	}
	mySeq := r.seq
	if r.arrived == 0 {
		r.op = op
		r.root = root
		switch op {
		case "bcast":
			r.bcastIn = make([][]byte, r.size)
		case "gather":
			r.gatherIn = make([][]byte, r.size)
		case "sum":
			r.sumIn = make([]int64, r.size)
		case "cov":
			r.covIn = make([]bitarray.BitArray, r.size)
		}
	}
	contribute(r)
	r.arrived++
	last := r.arrived == r.size
	if last {
		r.arrived = 0
		r.seq++
		r.capturing = r.size - 1
		r.cond.Broadcast()
	} else {
		for r.seq == mySeq {
			r.cond.Wait()
		}
	}
	capture(r)
	if !last {
		r.capturing--
		if r.capturing == 0 {
			r.cond.Broadcast()
		}
	}
	r.mu.Unlock()
}

func (t *LocalTransport) Broadcast(root int, data []byte) []byte {
	var result []byte
	t.collective("bcast", root,
		func(r *rendezvous) {
			if t.rank == root {
				r.bcastIn[root] = data
			}
		},
		func(r *rendezvous) {
			src := r.bcastIn[root]
			result = make([]byte, len(src))
			copy(result, src)
		},
	)
	return result
}

func (t *LocalTransport) Gather(root int, data []byte) [][]byte {
	var snapshot [][]byte
	t.collective("gather", root,
		func(r *rendezvous) {
			r.gatherIn[t.rank] = data
		},
		func(r *rendezvous) {
			if t.rank == root {
				snapshot = r_copySlices(r.gatherIn)
			}
		},
	)
	return snapshot
}

func r_copySlices(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		c := make([]byte, len(b))
		copy(c, b)
		out[i] = c
	}
	return out
}

func (t *LocalTransport) ReduceSum(root int, local int64) int64 {
	var total int64
	t.collective("sum", root,
		func(r *rendezvous) {
			r.sumIn[t.rank] = local
		},
		func(r *rendezvous) {
			if t.rank != root {
				return
			}
			for _, v := range r.sumIn {
				total += v
			}
		},
	)
	return total
}

func (t *LocalTransport) ReduceCoverage(root int, local bitarray.BitArray) bitarray.BitArray {
	var merged bitarray.BitArray
	t.collective("cov", root,
		func(r *rendezvous) {
			r.covIn[t.rank] = local
		},
		func(r *rendezvous) {
			if t.rank != root {
				return
			}
			for _, b := range r.covIn {
				if b == nil {
					continue
				}
				if merged == nil {
					merged = b
					continue
				}
				merged = bitarray.Or(merged, b)
			}
		},
	)
	return merged
}

func (t *LocalTransport) Barrier() {
	t.collective("barrier", 0, func(r *rendezvous) {}, func(r *rendezvous) {})
}

// Shrink forms a subgroup of the first newSize ranks, exactly mirroring
// the original's adjustMPIProcs MPI_Group_range_excl call: ranks
// [newSize, size) are excluded and return ok=false so the caller can
// finalize and exit cleanly.
func (t *LocalTransport) Shrink(newSize int) (Transport, bool) {
	if newSize == t.size {
		return t, true
	}
	if newSize < 1 || newSize > t.size {
		panic(fmt.Sprintf("group: invalid shrink target %d for size %d", newSize, t.size))
	}

	// Barrier first so every rank (including those about to be
	// excluded) has reached the same logical point before the group
	// is torn down.
	t.Barrier()

	if t.rank >= newSize {
		return nil, false
	}

	rv := newRendezvous(newSize)
	nt := &LocalTransport{rank: t.rank, size: newSize, hostname: t.hostname, rv: rv}
	return nt, true
}
