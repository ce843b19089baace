// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*

Objects are named by an ObjectID, which is an inode number, a block number
within that inode, and a revision:

     +----------------------+---------------------+--------------------+
     |  Ino (8 bytes)       |  Bno (4 bytes)      |  Rev (4 bytes)     |
     +----------------------+---------------------+--------------------+
     |<-------------------------------------------------------------->|
                            ObjectID key (16 bytes)

The key form is big endian so that keys sort in the same order as the
(Ino, Bno, Rev) tuple. Inode PGIno is reserved for placement group metadata
objects; see PGID.ToObject.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// NodeID is the role of a storage node within a filesystem instance. Valid
// NodeIDs start from 0, the zero value is a real node.
type NodeID int32

// NoNode is used where a NodeID is required but none applies.
const NoNode NodeID = -1

func (n NodeID) String() string {
	return fmt.Sprintf("osd%d", int32(n))
}

// IsValid returns if 'n' names a node.
func (n NodeID) IsValid() bool {
	return n >= 0
}

// TID identifies one replicated write's bookkeeping on the primary. TIDs are
// handed out in increasing order and are unique for the life of a process.
type TID uint64

// ReqID identifies a client request. Tid is assigned by the client and is
// unique per Client.
type ReqID struct {
	Client string
	Tid    uint64
}

func (r ReqID) String() string {
	return fmt.Sprintf("%s:%d", r.Client, r.Tid)
}

// PGIno is the inode number reserved for placement group metadata objects.
const PGIno uint64 = 1

// ObjectKeyLen is the length of ObjectID.Key.
const ObjectKeyLen = 16

// ObjectID names an object in the object namespace.
type ObjectID struct {
	Ino uint64
	Bno uint32
	Rev uint32
}

// String returns a human-readable string representation of the ObjectID that can also be parsed by ParseObjectID.
func (o ObjectID) String() string {
	return fmt.Sprintf("%x.%08x.%x", o.Ino, o.Bno, o.Rev)
}

// ParseObjectID parses an ObjectID from the provided string. The string must
// be in the format produced by ObjectID.String(). If it is not, ErrInvalidID
// will be returned.
func ParseObjectID(s string) (ObjectID, error) {
	var o ObjectID
	n, e := fmt.Sscanf(s, "%x.%x.%x", &o.Ino, &o.Bno, &o.Rev)
	if n != 3 || e != nil {
		return o, ErrInvalidID
	}
	return o, nil
}

// Key returns the sortable 16 byte encoding of 'o'.
func (o ObjectID) Key() []byte {
	var b [ObjectKeyLen]byte
	binary.BigEndian.PutUint64(b[0:8], o.Ino)
	binary.BigEndian.PutUint32(b[8:12], o.Bno)
	binary.BigEndian.PutUint32(b[12:16], o.Rev)
	return b[:]
}

// ObjectIDFromKey decodes a key produced by ObjectID.Key.
func ObjectIDFromKey(k []byte) (ObjectID, error) {
	if len(k) != ObjectKeyLen {
		return ObjectID{}, ErrInvalidID
	}
	return ObjectID{
		Ino: binary.BigEndian.Uint64(k[0:8]),
		Bno: binary.BigEndian.Uint32(k[8:12]),
		Rev: binary.BigEndian.Uint32(k[12:16]),
	}, nil
}

// Less orders object ids by (Ino, Bno, Rev).
func (o ObjectID) Less(p ObjectID) bool {
	if o.Ino != p.Ino {
		return o.Ino < p.Ino
	}
	if o.Bno != p.Bno {
		return o.Bno < p.Bno
	}
	return o.Rev < p.Rev
}
