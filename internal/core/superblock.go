// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SuperblockMagic prefixes every persisted superblock.
const SuperblockMagic uint64 = 0xeb0f505d

// SuperblockLen is the size of the persisted superblock:
//
//	magic(8) fsid(8) whoami(4) current(4) oldest(4) newest(4)
const SuperblockLen = 32

var (
	// ErrBadMagic is returned when decoding bytes that don't start with SuperblockMagic.
	ErrBadMagic = errors.New("superblock: bad magic")

	// ErrEpochRange is returned when oldest <= current <= newest doesn't hold.
	ErrEpochRange = errors.New("superblock: epochs out of order")

	// ErrEpochRegress is returned when an advance would move the current epoch backwards.
	ErrEpochRegress = errors.New("superblock: current epoch would go backwards")
)

// Superblock is the durable identity of a node: what filesystem it belongs to,
// its role in it, and the range of epochs it knows about.
type Superblock struct {
	Magic uint64

	// Unique filesystem instance id (a random number chosen at format time).
	FSID uint64

	// This node's role in the filesystem.
	WhoAmI NodeID

	// Most recent epoch this node acts in.
	CurrentEpoch Epoch

	// Oldest and newest membership maps the node holds.
	OldestMap, NewestMap Epoch
}

// NewSuperblock returns a fresh superblock with zero epochs.
func NewSuperblock(fsid uint64, whoami NodeID) Superblock {
	return Superblock{Magic: SuperblockMagic, FSID: fsid, WhoAmI: whoami}
}

// Validate checks the magic and the epoch ordering.
func (sb Superblock) Validate() error {
	if sb.Magic != SuperblockMagic {
		return ErrBadMagic
	}
	if sb.OldestMap > sb.CurrentEpoch || sb.CurrentEpoch > sb.NewestMap {
		return ErrEpochRange
	}
	return nil
}

// Advance returns a copy of sb moved to the given epochs. The current epoch
// may not go backwards and the result must validate.
func (sb Superblock) Advance(current, oldest, newest Epoch) (Superblock, error) {
	if current < sb.CurrentEpoch {
		return sb, ErrEpochRegress
	}
	n := sb
	n.CurrentEpoch, n.OldestMap, n.NewestMap = current, oldest, newest
	if err := n.Validate(); err != nil {
		return sb, err
	}
	return n, nil
}

// MarshalBinary encodes sb into its fixed on-disk layout.
func (sb Superblock) MarshalBinary() ([]byte, error) {
	b := make([]byte, SuperblockLen)
	binary.LittleEndian.PutUint64(b[0:8], sb.Magic)
	binary.LittleEndian.PutUint64(b[8:16], sb.FSID)
	binary.LittleEndian.PutUint32(b[16:20], uint32(sb.WhoAmI))
	binary.LittleEndian.PutUint32(b[20:24], uint32(sb.CurrentEpoch))
	binary.LittleEndian.PutUint32(b[24:28], uint32(sb.OldestMap))
	binary.LittleEndian.PutUint32(b[28:32], uint32(sb.NewestMap))
	return b, nil
}

// UnmarshalBinary decodes the fixed layout. It fails if the length or magic
// is wrong but does not check the epoch ordering; call Validate for that.
func (sb *Superblock) UnmarshalBinary(b []byte) error {
	if len(b) != SuperblockLen {
		return fmt.Errorf("superblock: bad length %d", len(b))
	}
	if binary.LittleEndian.Uint64(b[0:8]) != SuperblockMagic {
		return ErrBadMagic
	}
	sb.Magic = SuperblockMagic
	sb.FSID = binary.LittleEndian.Uint64(b[8:16])
	sb.WhoAmI = NodeID(int32(binary.LittleEndian.Uint32(b[16:20])))
	sb.CurrentEpoch = Epoch(binary.LittleEndian.Uint32(b[20:24]))
	sb.OldestMap = Epoch(binary.LittleEndian.Uint32(b[24:28]))
	sb.NewestMap = Epoch(binary.LittleEndian.Uint32(b[28:32]))
	return nil
}

func (sb Superblock) String() string {
	return fmt.Sprintf("sb(fsid %x %s e%d [%d,%d])", sb.FSID, sb.WhoAmI, sb.CurrentEpoch, sb.OldestMap, sb.NewestMap)
}
