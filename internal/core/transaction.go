// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
)

// TxOpType is the kind of one step of a Transaction.
type TxOpType int

const (
	// TxWrite writes Data at Offset, extending the object if needed.
	TxWrite TxOpType = iota + 1
	// TxTruncate sets the object size to Offset.
	TxTruncate
	// TxRemove deletes the object and its attributes.
	TxRemove
	// TxSetAttr sets attribute Name to Data, creating the object if needed.
	TxSetAttr
)

// TxOp is one step of a Transaction.
type TxOp struct {
	Type   TxOpType
	OID    ObjectID
	Offset int64
	Name   string
	Data   []byte
}

func (op TxOp) String() string {
	switch op.Type {
	case TxWrite:
		return fmt.Sprintf("write %s %d~%d", op.OID, op.Offset, len(op.Data))
	case TxTruncate:
		return fmt.Sprintf("truncate %s %d", op.OID, op.Offset)
	case TxRemove:
		return fmt.Sprintf("remove %s", op.OID)
	case TxSetAttr:
		return fmt.Sprintf("setattr %s %s (%d bytes)", op.OID, op.Name, len(op.Data))
	}
	return fmt.Sprintf("unknown op %d", op.Type)
}

// Transaction is an ordered list of mutations that a store must apply
// atomically. The replication core only builds and forwards transactions.
type Transaction struct {
	Ops []TxOp
}

// Write appends a write of 'b' at 'off'.
func (t *Transaction) Write(oid ObjectID, off int64, b []byte) {
	t.Ops = append(t.Ops, TxOp{Type: TxWrite, OID: oid, Offset: off, Data: b})
}

// Truncate appends a truncate to 'size'.
func (t *Transaction) Truncate(oid ObjectID, size int64) {
	t.Ops = append(t.Ops, TxOp{Type: TxTruncate, OID: oid, Offset: size})
}

// Remove appends a removal of 'oid'.
func (t *Transaction) Remove(oid ObjectID) {
	t.Ops = append(t.Ops, TxOp{Type: TxRemove, OID: oid})
}

// SetAttr appends an attribute update.
func (t *Transaction) SetAttr(oid ObjectID, name string, value []byte) {
	t.Ops = append(t.Ops, TxOp{Type: TxSetAttr, OID: oid, Name: name, Data: value})
}

// Empty returns true if the transaction does nothing.
func (t *Transaction) Empty() bool {
	return t == nil || len(t.Ops) == 0
}

// Objects returns the distinct objects touched, in first-touch order.
func (t *Transaction) Objects() []ObjectID {
	seen := make(map[ObjectID]bool)
	var out []ObjectID
	for _, op := range t.Ops {
		if !seen[op.OID] {
			seen[op.OID] = true
			out = append(out, op.OID)
		}
	}
	return out
}
