// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "fmt"

// This file describes the messages exchanged by storage nodes and their
// clients, and the RPC methods that carry them.

// OpType is the kind of a client request.
type OpType int

const (
	// OpWrite writes Data at Offset.
	OpWrite OpType = iota + 1
	// OpTruncate sets the object size to Offset.
	OpTruncate
	// OpDelete removes the object.
	OpDelete
	// OpRead reads Length bytes at Offset.
	OpRead
	// OpStat returns the object's size and version.
	OpStat
)

var opNames = map[OpType]string{
	OpWrite:    "write",
	OpTruncate: "truncate",
	OpDelete:   "delete",
	OpRead:     "read",
	OpStat:     "stat",
}

func (t OpType) String() string {
	if s, ok := opNames[t]; ok {
		return s
	}
	return fmt.Sprintf("op%d", int(t))
}

// IsModify returns true for requests that change an object.
func (t OpType) IsModify() bool {
	return t == OpWrite || t == OpTruncate || t == OpDelete
}

// OpRequest is a client request against one object.
type OpRequest struct {
	ReqID ReqID

	// The placement group the client believes holds OID.
	PG PGID

	OID    ObjectID
	Type   OpType
	Offset int64
	Length int64
	Data   []byte

	// The epoch of the client's membership map.
	Epoch Epoch

	// Reply is called for each reply to this request: an ack and then a
	// commit for a successful write, or one reply carrying an error. It is
	// set by whoever received the request and is never sent on the wire.
	Reply func(OpReply)
}

func (op *OpRequest) String() string {
	return fmt.Sprintf("op(%s %s %s %d~%d pg %s e%d)", op.ReqID, op.Type, op.OID, op.Offset, op.Length, op.PG, op.Epoch)
}

// ObjectStat describes an object.
type ObjectStat struct {
	Size    int64
	Version Version
}

// OpReply is a reply to an OpRequest.
type OpReply struct {
	ReqID  ReqID
	Result Error

	// Ack is set on the soft acknowledgment, Commit on the durable one.
	Ack, Commit bool

	// The version the write was assigned.
	Version Version

	// For reads and stats.
	Data []byte
	Stat ObjectStat
}

// RepOp carries one replicated write from the primary to a replica.
type RepOp struct {
	RepTID TID
	PG     PGID
	Epoch  Epoch
	From   NodeID
	ReqID  ReqID

	Version      Version
	LastComplete Version

	Txn *Transaction
}

func (m *RepOp) String() string {
	return fmt.Sprintf("repop(tid %d pg %s e%d from %s v %s)", m.RepTID, m.PG, m.Epoch, m.From, m.Version)
}

// RepOpReply is a replica's answer to a RepOp. A replica sends a soft ack
// (Commit false) once it has queued the write and a commit once the write is
// durable.
type RepOpReply struct {
	RepTID TID
	PG     PGID
	Epoch  Epoch
	From   NodeID
	Result Error
	Commit bool

	// The newest version the replica has complete, if it knows.
	PGCompleteThru Version
}

func (m *RepOpReply) String() string {
	return fmt.Sprintf("repopreply(tid %d pg %s e%d from %s %s commit=%t pct %s)",
		m.RepTID, m.PG, m.Epoch, m.From, m.Result, m.Commit, m.PGCompleteThru)
}

// RPC method names.
const (
	// RepOpMethod delivers a RepOp to a replica.
	RepOpMethod = "OSD.RepOp"

	// RepOpReplyMethod delivers a RepOpReply to the primary.
	RepOpReplyMethod = "OSD.RepOpReply"

	// ModifyMethod runs a client write and waits for it to commit.
	ModifyMethod = "OSD.Modify"

	// ReadMethod reads from an object.
	ReadMethod = "OSD.Read"

	// StatMethod stats an object.
	StatMethod = "OSD.Stat"

	// AdvanceEpochMethod moves a node to a newer epoch.
	AdvanceEpochMethod = "OSD.AdvanceEpoch"

	// CancelMethod stops a node from waiting on a client write.
	CancelMethod = "OSD.Cancel"
)

// ModifyReply is the reply to ModifyMethod: the last OpReply seen and which
// of ack/commit were observed.
type ModifyReply struct {
	Reply            OpReply
	Acked, Committed bool
}
