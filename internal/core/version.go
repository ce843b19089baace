// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"fmt"
)

// Epoch is a generation of cluster membership. Epochs only go up.
type Epoch uint32

// VersionLen is the length of the binary encoding of a Version.
const VersionLen = 12

// Version is a point in the write history of a placement group. Versions
// compare epoch first, and the sequence number breaks ties within an epoch.
// The zero Version is older than every version assigned to a write.
//
// A Version is a value: it is never changed after being assigned to a write.
type Version struct {
	Epoch Epoch
	Seq   uint64
}

// MakeVersion returns the version (e, seq).
func MakeVersion(e Epoch, seq uint64) Version {
	return Version{Epoch: e, Seq: seq}
}

// Compare returns -1, 0 or 1 as v is older than, the same as, or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Epoch < o.Epoch:
		return -1
	case v.Epoch > o.Epoch:
		return 1
	case v.Seq < o.Seq:
		return -1
	case v.Seq > o.Seq:
		return 1
	}
	return 0
}

// Less returns true if v is strictly older than o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// LessEq returns true if v is not newer than o.
func (v Version) LessEq(o Version) bool { return v.Compare(o) <= 0 }

// Greater returns true if v is strictly newer than o.
func (v Version) Greater(o Version) bool { return v.Compare(o) > 0 }

// GreaterEq returns true if v is not older than o.
func (v Version) GreaterEq(o Version) bool { return v.Compare(o) >= 0 }

// Equal returns true if v and o are the same version.
func (v Version) Equal(o Version) bool { return v == o }

// IsZero returns true for the zero version.
func (v Version) IsZero() bool { return v == Version{} }

// Next returns the version that follows v for a write accepted in epoch e.
// Sequence numbers keep counting across epochs. Callers must not pass an
// epoch older than v.Epoch.
func (v Version) Next(e Epoch) Version {
	if e < v.Epoch {
		e = v.Epoch
	}
	return Version{Epoch: e, Seq: v.Seq + 1}
}

// String renders a version as epoch'seq.
func (v Version) String() string {
	return fmt.Sprintf("%d'%d", v.Epoch, v.Seq)
}

// MarshalBinary encodes v as 4 bytes of epoch and 8 bytes of sequence, big
// endian, so encoded versions sort like versions.
func (v Version) MarshalBinary() ([]byte, error) {
	b := make([]byte, VersionLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(v.Epoch))
	binary.BigEndian.PutUint64(b[4:12], v.Seq)
	return b, nil
}

// UnmarshalBinary decodes a version written by MarshalBinary.
func (v *Version) UnmarshalBinary(b []byte) error {
	if len(b) != VersionLen {
		return fmt.Errorf("bad version length %d", len(b))
	}
	v.Epoch = Epoch(binary.BigEndian.Uint32(b[0:4]))
	v.Seq = binary.BigEndian.Uint64(b[4:12])
	return nil
}
