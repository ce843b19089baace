// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"strings"
)

/*

A PGID names a placement group. It is packed into 64 bits so it can be used
as a map key and sent on the wire as a single integer:

     +-----------------------------+-------------+--------------+----------+--------+
     |  preferred+1 (32 bits)      | ruleset (8) | seed (16)    | size (5) | type(3)|
     +-----------------------------+-------------+--------------+----------+--------+
     63                          32 31         24 23           8 7        3 2      0

The preferred node is stored with a bias of one so that the stored field is
never negative: a zero field means "no preference", which reads back as -1.

Nothing is validated when a PGID is made with MakePGID. Values that don't fit
are truncated into their fields, which is what peers expect on the wire. Use
NewPGIDChecked to get an error instead.

*/

// ErrOutOfRange is returned by NewPGIDChecked if a field doesn't fit.
var ErrOutOfRange = errors.New("placement group field out of range")

// PGType is the replication kind of a placement group.
type PGType uint8

const (
	// PGTypeRep is a plainly replicated placement group.
	PGTypeRep PGType = 1
	// PGTypeRAID4 is a striped placement group with a parity member.
	PGTypeRAID4 PGType = 2
)

// NoPreferred is the preferred node value meaning "no preference".
const NoPreferred int32 = -1

// RepRule returns the placement rule id for nrep-way replication.
func RepRule(nrep int) int { return 100 + nrep }

// RAIDRule returns the placement rule id for a num-wide raid group.
func RAIDRule(num int) int { return 200 + num }

const (
	pgTypeBits    = 3
	pgSizeBits    = 5
	pgSeedBits    = 16
	pgRulesetBits = 8

	pgSizeShift      = pgTypeBits
	pgSeedShift      = pgSizeShift + pgSizeBits
	pgRulesetShift   = pgSeedShift + pgSeedBits
	pgPreferredShift = pgRulesetShift + pgRulesetBits

	pgTypeMask    = 1<<pgTypeBits - 1
	pgSizeMask    = 1<<pgSizeBits - 1
	pgSeedMask    = 1<<pgSeedBits - 1
	pgRulesetMask = 1<<pgRulesetBits - 1

	// MaxPGSize is the largest replica set a PGID can describe.
	MaxPGSize = pgSizeMask
)

// PGID is the packed identifier of a placement group.
type PGID uint64

// MakePGID packs the given fields into a PGID, truncating anything that
// doesn't fit its field.
func MakePGID(t PGType, size int, seed uint16, preferred int32, ruleset uint8) PGID {
	v := uint64(t) & pgTypeMask
	v |= (uint64(size) & pgSizeMask) << pgSizeShift
	v |= uint64(seed) << pgSeedShift
	v |= uint64(ruleset) << pgRulesetShift
	v |= uint64(uint32(preferred+1)) << pgPreferredShift
	return PGID(v)
}

// NewPGIDChecked is like MakePGID but returns ErrOutOfRange instead of
// truncating.
func NewPGIDChecked(t PGType, size int, seed int, preferred int32, ruleset int) (PGID, error) {
	switch {
	case t > pgTypeMask,
		size < 0 || size > MaxPGSize,
		seed < 0 || seed > pgSeedMask,
		ruleset < 0 || ruleset > pgRulesetMask,
		preferred < NoPreferred:
		return 0, ErrOutOfRange
	}
	return MakePGID(t, size, uint16(seed), preferred, uint8(ruleset)), nil
}

// Type returns the replication kind.
func (p PGID) Type() PGType { return PGType(uint64(p) & pgTypeMask) }

// IsRep returns true for replicated placement groups.
func (p PGID) IsRep() bool { return p.Type() == PGTypeRep }

// IsRAID4 returns true for raid4 placement groups.
func (p PGID) IsRAID4() bool { return p.Type() == PGTypeRAID4 }

// Size returns the replica set cardinality.
func (p PGID) Size() int { return int(uint64(p) >> pgSizeShift & pgSizeMask) }

// Seed returns the placement seed.
func (p PGID) Seed() uint16 { return uint16(uint64(p) >> pgSeedShift & pgSeedMask) }

// Ruleset returns the placement rule selector.
func (p PGID) Ruleset() uint8 { return uint8(uint64(p) >> pgRulesetShift & pgRulesetMask) }

// Preferred returns the preferred node hint, or NoPreferred.
func (p PGID) Preferred() int32 { return int32(uint32(uint64(p)>>pgPreferredShift) - 1) }

// ToObject returns the id of the object holding this placement group's own
// metadata.
func (p PGID) ToObject() ObjectID {
	return ObjectID{Ino: PGIno, Bno: uint32(uint64(p) >> 32), Rev: uint32(uint64(p) & 0xffffffff)}
}

// String renders a PGID like 3x2s1p1f=..., where the part after '=' is the
// packed value in hex.
func (p PGID) String() string {
	var b strings.Builder
	switch {
	case p.IsRep():
		fmt.Fprintf(&b, "%dx", p.Size())
	case p.IsRAID4():
		fmt.Fprintf(&b, "%dr", p.Size())
	default:
		fmt.Fprintf(&b, "%d?", p.Size())
	}
	if r := p.Ruleset(); r != 0 {
		fmt.Fprintf(&b, "%ds", r)
	}
	if pref := p.Preferred(); pref != NoPreferred {
		fmt.Fprintf(&b, "%dp", pref)
	}
	fmt.Fprintf(&b, "%x=%x", p.Seed(), uint64(p))
	return b.String()
}

// ParsePGID parses either the String form or a bare hex packed value.
func ParsePGID(s string) (PGID, error) {
	if i := strings.LastIndexByte(s, '='); i >= 0 {
		s = s[i+1:]
	}
	var v uint64
	n, e := fmt.Sscanf(s, "%x", &v)
	if n != 1 || e != nil {
		return 0, ErrInvalidID
	}
	return PGID(v), nil
}
