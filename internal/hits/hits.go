// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package hits implements the Hit Table Loader: parsing a BLAST-style
// hit table or a bare search-ID file into a deduplicated, ordered hit
// list with a coverage bitmap, and matching annotation prefixes
// against that list using a per-length bloom filter as a fast-reject
// gate ahead of the exact confirm lookup (the same build-a-bloom-
// then-confirm idiom the teacher uses before an expensive exact
// compare).
package hits

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/golang-collections/go-datastructures/bitarray"
	"github.com/willf/bloom"
)

// MaxIDLength is the contract length for a hit ID (spec.md §9): longer
// IDs are truncated, with a warning, rather than rejected. Matching
// against a truncated ID means only the first MaxIDLength bytes are
// ever compared.
const MaxIDLength = 63

// Table is a deduplicated, ordered hit-ID list plus (for BLAST-table
// mode) the deduplicated query-ID list it was derived from, and the
// coverage bitmap tracking which hit IDs have matched a record.
type Table struct {
	Queries []string
	Hits    []string

	Coverage bitarray.BitArray

	byLength map[int]map[string]int
	filters  map[int]*bloom.BloomFilter
}

// LoadBlastTable parses a BLAST-style hit table: LF-terminated lines
// (the last line may be unterminated), each with at least two
// whitespace-separated fields (query_id, hit_id); remaining fields are
// ignored.
func LoadBlastTable(path string, logger *log.Logger) (*Table, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	data, closeFn, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var queries []string
	var hitIDs []string
	seen := map[string]struct{}{}

	lineNo := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			logger.Printf("warning: hit table line %d is empty, skipping", lineNo)
			continue
		}
		fields := bytes.Fields([]byte(line))
		if len(fields) < 2 {
			logger.Printf("warning: hit table line %d has fewer than 2 fields, skipping", lineNo)
			continue
		}
		query := string(fields[0])
		hit := truncateID(string(fields[1]), lineNo, logger)

		if len(queries) == 0 || queries[len(queries)-1] != query {
			queries = append(queries, query)
		}
		if hit != query {
			if _, ok := seen[hit]; !ok {
				seen[hit] = struct{}{}
				hitIDs = append(hitIDs, hit)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hits: scanning %s: %w", path, err)
	}

	t := newTable(hitIDs)
	t.Queries = queries
	return t, nil
}

// LoadSearchFile parses a search file: one LF-terminated hit ID per
// line, deduplicated and length-capped the same way as
// LoadBlastTable, with no query list.
func LoadSearchFile(path string, logger *log.Logger) (*Table, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	data, closeFn, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var hitIDs []string
	seen := map[string]struct{}{}

	lineNo := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			logger.Printf("warning: search file line %d is empty, skipping", lineNo)
			continue
		}
		id := truncateID(line, lineNo, logger)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			hitIDs = append(hitIDs, id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hits: scanning %s: %w", path, err)
	}

	return newTable(hitIDs), nil
}

func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("hits: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("hits: stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, func() error { return nil }, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("hits: mmap %s: %w", path, err)
	}
	return []byte(m), func() error {
		m.Unmap()
		return f.Close()
	}, nil
}

func truncateID(id string, lineNo int, logger *log.Logger) string {
	if len(id) <= MaxIDLength {
		return id
	}
	if logger != nil {
		logger.Printf("warning: hit ID at line %d exceeds %d bytes, truncating", lineNo, MaxIDLength)
	}
	return id[:MaxIDLength]
}

func newTable(ids []string) *Table {
	t := &Table{
		Hits:     ids,
		byLength: map[int]map[string]int{},
		filters:  map[int]*bloom.BloomFilter{},
	}
	byLen := map[int]map[string]int{}
	for i, id := range ids {
		l := len(id)
		if byLen[l] == nil {
			byLen[l] = map[string]int{}
		}
		byLen[l][id] = i
	}
	for l, m := range byLen {
		f := bloom.NewWithEstimates(uint(len(m)+1), 0.01)
		for id := range m {
			f.AddString(id)
		}
		t.byLength[l] = m
		t.filters[l] = f
	}
	if len(ids) > 0 {
		t.Coverage = bitarray.NewBitArray(uint64(len(ids)))
	}
	return t
}

// MatchPrefix looks for any hit ID in the table occurring at buf[start:]
// followed by a non-ID byte (or end of buffer), using the per-length
// bloom filter to fast-reject lengths that cannot match before doing
// the exact map lookup. Returns the matched hit's index, or -1.
func (t *Table) MatchPrefix(buf []byte, start, end int) int {
	avail := end - start
	for l, filt := range t.filters {
		if l > avail {
			continue
		}
		cand := string(buf[start : start+l])
		if !filt.TestString(cand) {
			continue
		}
		idx, ok := t.byLength[l][cand]
		if !ok {
			continue
		}
		if start+l == end || !isIDByte(buf[start+l]) {
			return idx
		}
	}
	return -1
}

func isIDByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// MarkCovered records that hit idx matched some record.
func (t *Table) MarkCovered(idx int) {
	if t.Coverage != nil {
		t.Coverage.SetBit(uint64(idx))
	}
}

// IsCovered reports whether hit idx has already matched a record.
func (t *Table) IsCovered(idx int) bool {
	if t.Coverage == nil {
		return false
	}
	set, err := t.Coverage.GetBit(uint64(idx))
	return err == nil && set
}
