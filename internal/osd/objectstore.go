// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"fmt"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// Attributes written by the replication path.
const (
	// VersionAttr holds the core.Version of the last write to an object.
	VersionAttr = "_v"

	// PGInfoAttr holds a placement group's pgInfo, on the PG's own object.
	PGInfoAttr = "_pginfo"
)

// ObjectStore is the local store under a node. Implementations must apply
// each transaction atomically, and apply transactions in the order Apply is
// called.
type ObjectStore interface {
	// Apply applies 'txn' and calls 'done' with the result once it is
	// durable or has failed. 'done' may be called on any goroutine.
	Apply(txn *core.Transaction, done func(core.Error))

	// Read returns the bytes of ext's object in [ext.Start, ext.End()). Reads
	// past the end of the object are short; a read that starts past the end
	// returns core.ErrEOF.
	Read(ctx context.Context, ext core.ObjectExtent) ([]byte, core.Error)

	// Stat returns the object's size and the version in its VersionAttr.
	Stat(ctx context.Context, oid core.ObjectID) (core.ObjectStat, core.Error)

	// GetAttr returns one attribute of an object.
	GetAttr(ctx context.Context, oid core.ObjectID, name string) ([]byte, core.Error)

	// Close releases the store. Transactions already applied are durable.
	Close() error
}

// pgInfo is what a placement group knows about its own history. It is
// persisted with every write under PGInfoAttr.
type pgInfo struct {
	// The version of the newest write accepted.
	LastUpdate core.Version

	// Every write up to and including this version has finished.
	LastComplete core.Version
}

const pgInfoLen = 2 * core.VersionLen

func (i pgInfo) String() string {
	return fmt.Sprintf("lu %s lc %s", i.LastUpdate, i.LastComplete)
}

func (i pgInfo) MarshalBinary() ([]byte, error) {
	lu, _ := i.LastUpdate.MarshalBinary()
	lc, _ := i.LastComplete.MarshalBinary()
	return append(lu, lc...), nil
}

func (i *pgInfo) UnmarshalBinary(b []byte) error {
	if len(b) != pgInfoLen {
		return fmt.Errorf("pg info must be %d bytes, got %d", pgInfoLen, len(b))
	}
	if err := i.LastUpdate.UnmarshalBinary(b[:core.VersionLen]); err != nil {
		return err
	}
	return i.LastComplete.UnmarshalBinary(b[core.VersionLen:])
}

// statFromAttr builds an ObjectStat from a size and a raw VersionAttr.
// Objects written outside the replication path have no version.
func statFromAttr(size int64, raw []byte) (core.ObjectStat, core.Error) {
	st := core.ObjectStat{Size: size}
	if raw == nil {
		return st, core.NoError
	}
	if err := st.Version.UnmarshalBinary(raw); err != nil {
		return st, core.ErrCorruptData
	}
	return st, core.NoError
}

// readRange clips [start, start+length) to an object of 'size' bytes.
func readRange(size, start, length int64) (int64, int64, core.Error) {
	if start > size || (start == size && length > 0) {
		return 0, 0, core.ErrEOF
	}
	end := start + length
	if end > size {
		end = size
	}
	return start, end, core.NoError
}
