// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	"github.com/westerndigitalcorporation/pgstore/internal/server"
)

// nodeSet is a set of node ids.
type nodeSet map[core.NodeID]struct{}

func newNodeSet(ids []core.NodeID) nodeSet {
	s := make(nodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s nodeSet) has(id core.NodeID) bool {
	_, ok := s[id]
	return ok
}

// remove removes 'id' and returns true if it was there.
func (s nodeSet) remove(id core.NodeID) bool {
	if !s.has(id) {
		return false
	}
	delete(s, id)
	return true
}

func (s nodeSet) sorted() []core.NodeID {
	out := make([]core.NodeID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s nodeSet) String() string {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, id := range s.sorted() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	b.WriteByte(']')
	return b.String()
}

// Gather tracks one replicated write on its primary, from the moment it is
// sent to the replicas until every member, the primary included, has
// committed it.
//
// All members start out in both wait sets. A soft ack removes the sender
// from waitforAck; a commit removes it from both. The primary's own store
// completion counts as a commit from the primary.
//
// A Gather is only touched from its placement group's queue.
type Gather struct {
	op     *core.OpRequest
	repTID core.TID

	// The local transaction and whether the store has finished with it.
	txn      *core.Transaction
	applied  bool
	localErr core.Error

	// The first failure any member reported. Passed through to the client.
	result core.Error

	waitforAck    nodeSet
	waitforCommit nodeSet

	start      time.Time
	sentAck    bool
	sentCommit bool

	// Members at creation, in placement order, the primary first.
	replicas []core.NodeID

	newVersion          core.Version
	pgLocalLastComplete core.Version

	// The last complete-through version each member reported.
	pgCompleteThru map[core.NodeID]core.Version

	// Outstanding borrows, see ReplicatedPG.getRepopGather.
	refs int

	// Set by ReplicatedPG.deleteRepop.
	deleted bool

	lm *server.LatencyMeasurer
}

func newGather(op *core.OpRequest, tid core.TID, txn *core.Transaction, replicas []core.NodeID, nv, lastComplete core.Version) *Gather {
	return &Gather{
		op:                  op,
		repTID:              tid,
		txn:                 txn,
		waitforAck:          newNodeSet(replicas),
		waitforCommit:       newNodeSet(replicas),
		start:               time.Now(),
		replicas:            append([]core.NodeID(nil), replicas...),
		newVersion:          nv,
		pgLocalLastComplete: lastComplete,
		pgCompleteThru:      make(map[core.NodeID]core.Version),
	}
}

// canSendAck returns true if the client may be told the write is acked.
func (g *Gather) canSendAck() bool {
	return !g.sentAck && !g.sentCommit && len(g.waitforAck) == 0
}

// canSendCommit returns true if the client may be told the write committed.
func (g *Gather) canSendCommit() bool {
	return !g.sentCommit && len(g.waitforAck) == 0 && len(g.waitforCommit) == 0
}

// canDelete returns true once nobody owes us anything and the local store
// is done with the transaction.
func (g *Gather) canDelete() bool {
	return len(g.waitforAck) == 0 && len(g.waitforCommit) == 0 && g.applied
}

// ack records a reply from 'from'. A soft ack only clears waitforAck; a
// commit clears both. It returns false, and changes nothing, if 'from' was
// already clear of the sets the reply would clear.
func (g *Gather) ack(from core.NodeID, result core.Error, commit bool, pct core.Version) bool {
	changed := g.waitforAck.remove(from)
	if commit && g.waitforCommit.remove(from) {
		changed = true
	}
	if !changed {
		return false
	}
	if result != core.NoError && g.result == core.NoError {
		g.result = result
	}
	if !pct.IsZero() {
		g.pgCompleteThru[from] = pct
	}
	return true
}

// completeThru returns the last version 'n' reported complete, floored at
// what the primary knew when the write started.
func (g *Gather) completeThru(n core.NodeID) core.Version {
	if v, ok := g.pgCompleteThru[n]; ok && v.Greater(g.pgLocalLastComplete) {
		return v
	}
	return g.pgLocalLastComplete
}

func (g *Gather) String() string {
	var pct bytes.Buffer
	pct.WriteByte('{')
	ids := make([]core.NodeID, 0, len(g.pgCompleteThru))
	for id := range g.pgCompleteThru {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if i > 0 {
			pct.WriteByte(',')
		}
		fmt.Fprintf(&pct, "%d=%s", id, g.pgCompleteThru[id])
	}
	pct.WriteByte('}')
	return fmt.Sprintf("repop(rep_tid=%d v=%s wfack=%s wfcommit=%s pct=%s op=%s)",
		g.repTID, g.newVersion, g.waitforAck, g.waitforCommit, pct.String(), g.op)
}
