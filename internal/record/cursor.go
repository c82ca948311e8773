// Copyright 2017, Kerby Shedden and the Muscato contributors.
// Copyright 2026, the filterfasta contributors.

// Package record implements the Record Cursor: it walks a single
// contiguous byte buffer (a window body or a carry buffer — the
// Window Manager guarantees every record lives entirely within one or
// the other) locating the annotation and sequence spans of each FASTA
// record in turn.
package record

import "bytes"

// Annotation is the byte span [Begin, End) of one record's annotation
// line: Begin indexes the leading '>' and End indexes the terminating
// LF (exclusive).
type Annotation struct {
	Begin, End int
}

// Sequence is the byte span [Begin, End) of one record's raw sequence
// data (including embedded LFs) and its LF-excluded length.
type Sequence struct {
	Begin, End int
	Length     int64
}

// Cursor walks a buffer forward, record by record.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a Cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// FindAnnotation scans forward from the cursor's position for the
// next record's annotation line. It reports ok=false (EndOfRange) once
// no further complete annotation line remains in the buffer.
func (c *Cursor) FindAnnotation() (ann Annotation, ok bool) {
	rel := bytes.IndexByte(c.buf[c.pos:], '>')
	if rel == -1 {
		return Annotation{}, false
	}
	begin := c.pos + rel
	nlRel := bytes.IndexByte(c.buf[begin+1:], '\n')
	if nlRel == -1 {
		return Annotation{}, false
	}
	end := begin + 1 + nlRel
	c.pos = end + 1
	return Annotation{Begin: begin, End: end}, true
}

// FindSequence scans forward from just after ann's terminating LF to
// the next record's '>' or the end of the buffer, whichever comes
// first. It reports ok=false (NoData) if no sequence bytes are
// present at all.
func (c *Cursor) FindSequence(ann Annotation) (seq Sequence, ok bool) {
	begin := ann.End + 1
	if begin > len(c.buf) {
		return Sequence{}, false
	}
	rel := bytes.IndexByte(c.buf[begin:], '>')
	end := len(c.buf)
	if rel != -1 {
		end = begin + rel
	}
	if end == begin {
		return Sequence{}, false
	}
	raw := c.buf[begin:end]
	length := int64(len(raw) - bytes.Count(raw, []byte{'\n'}))
	c.pos = end
	return Sequence{Begin: begin, End: end, Length: length}, true
}

// Bytes returns the buffer's bytes in [begin, end).
func (c *Cursor) Bytes(begin, end int) []byte {
	return c.buf[begin:end]
}

// AnnotationFieldStart returns the byte offset, within [ann.Begin,
// ann.End), of the start of the k-th field (1-indexed), where field
// boundaries are the first '|' or SOH (0x01) byte after the previous
// field's start. It returns ann.End if fewer than k fields exist (the
// whole annotation is field 1..n).
func AnnotationFieldStart(buf []byte, ann Annotation, k int) int {
	if k <= 1 {
		return ann.Begin
	}
	found := 1
	for p := ann.Begin + 1; p < ann.End; p++ {
		if buf[p] == '|' || buf[p] == 0x01 {
			found++
			if found == k {
				return p + 1
			}
		}
	}
	return ann.End
}

// AnnotationFieldEnd returns the byte offset within [ann.Begin, ann.End)
// marking the end of the first k fields (the offset of the k-th
// field's delimiter, or ann.End if the annotation has k or fewer
// fields).
func AnnotationFieldEnd(buf []byte, ann Annotation, k int) int {
	found := 0
	for p := ann.Begin + 1; p < ann.End; p++ {
		if buf[p] == '|' || buf[p] == 0x01 {
			found++
			if found == k {
				return p
			}
		}
	}
	return ann.End
}
