// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBadExtent is returned by ObjectExtent.Validate.
var ErrBadExtent = errors.New("extent has negative offset or length")

// ObjectExtent is one contiguous range of one object, along with where to find
// the object and which pieces of the caller's buffer it maps to. Striping can
// make a range that is contiguous in the object fragmented in the buffer.
type ObjectExtent struct {
	OID ObjectID

	// Which revision of the object.
	Rev uint64

	// Range within the object.
	Start  int64
	Length int64

	// Where to find the object. Zero means not resolved yet.
	PG PGID

	// Buffer offset -> length of the pieces of the caller's buffer that this
	// extent covers, in object order.
	BufferExtents map[int64]int64
}

// NewObjectExtent returns an unresolved extent of 'oid'.
func NewObjectExtent(oid ObjectID, start, length int64) ObjectExtent {
	return ObjectExtent{OID: oid, Start: start, Length: length}
}

// Validate checks that the extent is non-negative.
func (ex ObjectExtent) Validate() error {
	if ex.Start < 0 || ex.Length < 0 {
		return ErrBadExtent
	}
	return nil
}

// End returns the object offset just past the extent.
func (ex ObjectExtent) End() int64 {
	return ex.Start + ex.Length
}

// BufferOffsets returns the keys of BufferExtents in increasing order.
func (ex ObjectExtent) BufferOffsets() []int64 {
	out := make([]int64, 0, len(ex.BufferExtents))
	for off := range ex.BufferExtents {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ex ObjectExtent) String() string {
	return fmt.Sprintf("extent(%s in %x %d~%d)", ex.OID, uint64(ex.PG), ex.Start, ex.Length)
}

// Striper describes how a file is laid out over objects. The file is cut into
// StripeUnit sized blocks which are dealt round-robin over StripeCount
// objects; once those objects reach ObjectSize the next set of StripeCount
// objects is used.
type Striper struct {
	ObjectSize  int64
	StripeUnit  int64
	StripeCount int64
}

// Validate checks the layout is usable.
func (s Striper) Validate() error {
	if s.StripeUnit <= 0 || s.StripeCount <= 0 || s.ObjectSize < s.StripeUnit || s.ObjectSize%s.StripeUnit != 0 {
		return fmt.Errorf("bad stripe layout %+v", s)
	}
	return nil
}

// MapFile maps the range [off, off+length) of the file with inode 'ino' onto
// object extents. pgFor resolves the placement group of each object; it may
// be nil, in which case the extents are left unresolved. Extents are returned
// in order of first appearance in the file range.
func (s Striper) MapFile(ino uint64, off, length int64, pgFor func(ObjectID) PGID) []ObjectExtent {
	stripesPerObject := s.ObjectSize / s.StripeUnit

	byObject := make(map[ObjectID]int)
	var out []ObjectExtent

	var bufOff int64
	for length > 0 {
		blockno := off / s.StripeUnit
		stripeno := blockno / s.StripeCount
		stripepos := blockno % s.StripeCount
		objectsetno := stripeno / stripesPerObject
		objectno := objectsetno*s.StripeCount + stripepos

		blockOff := off % s.StripeUnit
		objOff := (stripeno%stripesPerObject)*s.StripeUnit + blockOff
		n := s.StripeUnit - blockOff
		if n > length {
			n = length
		}

		oid := ObjectID{Ino: ino, Bno: uint32(objectno)}
		i, ok := byObject[oid]
		if ok && out[i].End() == objOff {
			out[i].Length += n
		} else {
			ex := NewObjectExtent(oid, objOff, n)
			ex.BufferExtents = make(map[int64]int64)
			if pgFor != nil {
				ex.PG = pgFor(oid)
			}
			out = append(out, ex)
			i = len(out) - 1
			byObject[oid] = i
		}
		out[i].BufferExtents[bufOff] = n

		off += n
		bufOff += n
		length -= n
	}
	return out
}
