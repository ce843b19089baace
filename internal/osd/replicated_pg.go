// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// pgEnv is what a ReplicatedPG needs from the node hosting it.
type pgEnv struct {
	self  core.NodeID
	store ObjectStore
	msgr  Messenger

	// nextTID returns a rep tid unique for the node's session.
	nextTID func() core.TID

	// post runs 'fn' later on the placement group's queue.
	post func(pri Priority, fn func())
}

// ReplicatedPG drives writes for one placement group. On the primary it
// assigns versions, sends each write to the other members and tells the
// client when everybody has acked and committed it. On the other members it
// applies what the primary sends and answers.
//
// A ReplicatedPG is not thread-safe. Every method must be called from the
// placement group's queue, which is also where store completions are posted.
type ReplicatedPG struct {
	id  core.PGID
	env pgEnv

	// Membership of the current epoch, primary first.
	epoch   core.Epoch
	members []core.NodeID

	info pgInfo

	// Writes in flight on the primary, by rep tid and in creation order.
	repopGather map[core.TID]*Gather
	repopOrder  []*Gather

	// Which write is in flight for an object, if any.
	objectInFlight map[core.ObjectID]core.TID

	// Writes waiting for the write with the given tid to finish.
	waitingForRepop map[core.TID][]*core.OpRequest

	// How far each member was known to be complete when our last write
	// finished. Kept for recovery, which is not done here.
	peerCompleteThru map[core.NodeID]core.Version

	// Rep ops this node is applying as a replica.
	replicaInFlight int
}

func newReplicatedPG(id core.PGID, env pgEnv, info pgInfo) *ReplicatedPG {
	return &ReplicatedPG{
		id:               id,
		env:              env,
		info:             info,
		repopGather:      make(map[core.TID]*Gather),
		objectInFlight:   make(map[core.ObjectID]core.TID),
		waitingForRepop:  make(map[core.TID][]*core.OpRequest),
		peerCompleteThru: make(map[core.NodeID]core.Version),
	}
}

// SetEpoch moves the placement group to epoch 'e' with the given members.
// Writes already in flight keep waiting on the members they started with.
func (pg *ReplicatedPG) SetEpoch(e core.Epoch, members []core.NodeID) {
	if e < pg.epoch {
		log.Errorf("pg %s: ignoring move back from epoch %d to %d", pg.id, pg.epoch, e)
		return
	}
	wasPrimary := pg.isPrimary()
	pg.epoch = e
	pg.members = append([]core.NodeID(nil), members...)
	if wasPrimary != pg.isPrimary() {
		log.Infof("pg %s: e%d members %v, primary=%t", pg.id, e, members, pg.isPrimary())
	}
}

// Primary returns the primary of the current epoch, or core.NoNode.
func (pg *ReplicatedPG) Primary() core.NodeID {
	if len(pg.members) == 0 {
		return core.NoNode
	}
	return pg.members[0]
}

func (pg *ReplicatedPG) isPrimary() bool {
	return pg.Primary() == pg.env.self
}

func (pg *ReplicatedPG) reply(op *core.OpRequest, r core.OpReply) {
	r.ReqID = op.ReqID
	if op.Reply != nil {
		op.Reply(r)
	}
}

func (pg *ReplicatedPG) fail(op *core.OpRequest, err core.Error) {
	log.V(1).Infof("pg %s: %s failed: %s", pg.id, op, err)
	pg.reply(op, core.OpReply{Result: err})
}

// checkModify returns an error if 'op' can't be started here.
func (pg *ReplicatedPG) checkModify(op *core.OpRequest) core.Error {
	if !op.Type.IsModify() || op.Offset < 0 || op.OID.Ino == core.PGIno {
		return core.ErrInvalidArgument
	}
	if op.Epoch > pg.epoch {
		// The client knows a newer map than we do.
		return core.ErrStaleEpoch
	}
	if !pg.isPrimary() {
		return core.ErrNotPrimary
	}
	return core.NoError
}

// OpModify starts a client write. Replies are delivered through op.Reply: an
// ack and then a commit, or a single reply carrying an error. A write to an
// object that already has a write in flight waits for that write to finish.
func (pg *ReplicatedPG) OpModify(op *core.OpRequest) {
	if err := pg.checkModify(op); err != core.NoError {
		pg.fail(op, err)
		return
	}

	if tid, ok := pg.objectInFlight[op.OID]; ok {
		log.V(2).Infof("pg %s: %s waits for rep tid %d", pg.id, op, tid)
		pg.waitingForRepop[tid] = append(pg.waitingForRepop[tid], op)
		metricDeferred.Inc()
		return
	}

	nv := pg.info.LastUpdate.Next(pg.epoch)
	pg.info.LastUpdate = nv
	txn := pg.buildTransaction(op, nv)

	g := pg.newRepopGather(op, txn, nv)
	for _, peer := range g.replicas {
		if peer != pg.env.self {
			pg.issueRepop(g, peer)
		}
	}
	pg.applyRepop(g)
	pg.putRepopGather(g)
}

// buildTransaction builds the local transaction for 'op' at version 'nv'.
// Besides the object change it records the object's version and the
// placement group's info.
func (pg *ReplicatedPG) buildTransaction(op *core.OpRequest, nv core.Version) *core.Transaction {
	txn := &core.Transaction{}
	v, _ := nv.MarshalBinary()
	switch op.Type {
	case core.OpWrite:
		txn.Write(op.OID, op.Offset, op.Data)
		txn.SetAttr(op.OID, VersionAttr, v)
	case core.OpTruncate:
		txn.Truncate(op.OID, op.Offset)
		txn.SetAttr(op.OID, VersionAttr, v)
	case core.OpDelete:
		txn.Remove(op.OID)
	}
	info, _ := pgInfo{LastUpdate: nv, LastComplete: pg.info.LastComplete}.MarshalBinary()
	txn.SetAttr(pg.id.ToObject(), PGInfoAttr, info)
	return txn
}

// newRepopGather creates and registers a Gather for 'op'. The caller holds
// a borrow on it and must release it with putRepopGather.
func (pg *ReplicatedPG) newRepopGather(op *core.OpRequest, txn *core.Transaction, nv core.Version) *Gather {
	g := newGather(op, pg.env.nextTID(), txn, pg.members, nv, pg.info.LastComplete)
	g.refs = 1
	g.lm = repopm.Start("primary")
	pg.repopGather[g.repTID] = g
	pg.repopOrder = append(pg.repopOrder, g)
	pg.objectInFlight[op.OID] = g.repTID
	metricGathers.Inc()
	log.V(2).Infof("pg %s: new %s", pg.id, g)
	return g
}

// issueRepop sends the write to 'peer'.
func (pg *ReplicatedPG) issueRepop(g *Gather, peer core.NodeID) {
	pg.env.msgr.Send(peer, &core.RepOp{
		RepTID:       g.repTID,
		PG:           pg.id,
		Epoch:        pg.epoch,
		From:         pg.env.self,
		ReqID:        g.op.ReqID,
		Version:      g.newVersion,
		LastComplete: g.pgLocalLastComplete,
		Txn:          g.txn,
	})
}

// applyRepop hands the local transaction to the store. The completion comes
// back through the queue as a commit from this node.
func (pg *ReplicatedPG) applyRepop(g *Gather) {
	tid := g.repTID
	pg.env.store.Apply(g.txn, func(err core.Error) {
		pg.env.post(HighPri, func() { pg.localApplied(tid, err) })
	})
}

func (pg *ReplicatedPG) localApplied(tid core.TID, err core.Error) {
	g := pg.getRepopGather(tid)
	if g == nil {
		log.Errorf("pg %s: store completion for unknown rep tid %d", pg.id, tid)
		return
	}
	g.applied = true
	g.localErr = err
	g.txn = nil
	if err != core.NoError {
		log.Errorf("pg %s: local apply of %s failed: %s", pg.id, g, err)
	}
	pg.repopAck(g, err, true, pg.env.self, pg.info.LastComplete)
	pg.putRepopGather(g)
}

// HandleRepOpReply processes a reply from a replica. Replies for writes
// that are no longer in flight are dropped, and so are replies claiming to
// come from this node: only the local store completion may answer for us.
func (pg *ReplicatedPG) HandleRepOpReply(m *core.RepOpReply) {
	if m.From == pg.env.self {
		log.Errorf("pg %s: dropping %s, it claims to be from us", pg.id, m)
		metricDropped.WithLabelValues("from_self").Inc()
		return
	}
	g := pg.getRepopGather(m.RepTID)
	if g == nil {
		log.V(1).Infof("pg %s: dropping %s, no such rep tid", pg.id, m)
		metricDropped.WithLabelValues("unknown_tid").Inc()
		return
	}
	pg.repopAck(g, m.Result, m.Commit, m.From, m.PGCompleteThru)
	pg.putRepopGather(g)
}

// repopAck records a reply from 'from' and tells the client whatever it may
// now be told, ack before commit. 'g' must be borrowed. Deleting the Gather
// is left to putRepopGather.
func (pg *ReplicatedPG) repopAck(g *Gather, result core.Error, commit bool, from core.NodeID, pct core.Version) {
	if !g.ack(from, result, commit, pct) {
		log.V(2).Infof("pg %s: duplicate reply from %s for %s", pg.id, from, g)
		return
	}
	if log.V(2) {
		kind := "ack"
		if commit {
			kind = "commit"
		}
		log.Infof("pg %s: %s %s from %s: %s", pg.id, kind, result, from, g)
	}

	if g.localErr != core.NoError {
		// The write didn't happen here. The client gets one error once
		// everyone has answered.
		if g.canSendCommit() {
			g.sentAck, g.sentCommit = true, true
			pg.reply(g.op, core.OpReply{Result: g.localErr, Version: g.newVersion})
		}
		return
	}

	if g.canSendAck() {
		g.sentAck = true
		pg.reply(g.op, core.OpReply{Result: g.result, Ack: true, Version: g.newVersion})
	}
	if g.canSendCommit() {
		g.sentCommit = true
		pg.reply(g.op, core.OpReply{Result: g.result, Commit: true, Version: g.newVersion})
	}
}

// getRepopGather borrows the Gather for 'tid', or returns nil. A borrowed
// Gather is not deleted until it is returned with putRepopGather.
func (pg *ReplicatedPG) getRepopGather(tid core.TID) *Gather {
	g, ok := pg.repopGather[tid]
	if !ok {
		return nil
	}
	g.refs++
	return g
}

// putRepopGather returns a borrow and deletes the Gather if it was the last
// one and the write is done.
func (pg *ReplicatedPG) putRepopGather(g *Gather) {
	g.refs--
	if g.refs > 0 || g.deleted || !g.canDelete() {
		return
	}
	pg.deleteRepop(g)
}

func (pg *ReplicatedPG) deleteRepop(g *Gather) {
	g.deleted = true
	delete(pg.repopGather, g.repTID)
	if pg.objectInFlight[g.op.OID] == g.repTID {
		delete(pg.objectInFlight, g.op.OID)
	}
	metricGathers.Dec()
	if g.result != core.NoError || g.localErr != core.NoError {
		g.lm.Failed()
	}
	g.lm.End()
	log.V(2).Infof("pg %s: done with %s", pg.id, g)

	for _, n := range g.replicas {
		pg.peerCompleteThru[n] = g.completeThru(n)
	}

	// Everything up to the oldest write still in flight is complete.
	for len(pg.repopOrder) > 0 && pg.repopOrder[0].deleted {
		pg.info.LastComplete = pg.repopOrder[0].newVersion
		pg.repopOrder[0] = nil
		pg.repopOrder = pg.repopOrder[1:]
	}

	waiting := pg.waitingForRepop[g.repTID]
	delete(pg.waitingForRepop, g.repTID)
	metricDeferred.Sub(float64(len(waiting)))
	for _, op := range waiting {
		pg.OpModify(op)
	}
}

// HandleRepOp applies a write sent by the primary. The primary gets a soft
// ack right away and a commit carrying the store's result once the write is
// durable here.
func (pg *ReplicatedPG) HandleRepOp(m *core.RepOp) {
	reply := &core.RepOpReply{RepTID: m.RepTID, PG: pg.id, Epoch: pg.epoch, From: pg.env.self}

	if m.Epoch < pg.epoch {
		log.Infof("pg %s: %s is from epoch %d, we are at %d", pg.id, m, m.Epoch, pg.epoch)
		metricDropped.WithLabelValues("stale_epoch").Inc()
		reply.Result, reply.Commit = core.ErrStaleEpoch, true
		pg.env.msgr.Send(m.From, reply)
		return
	}
	if m.Txn.Empty() {
		reply.Result, reply.Commit = core.ErrInvalidArgument, true
		pg.env.msgr.Send(m.From, reply)
		return
	}

	ack := *reply
	pg.env.msgr.Send(m.From, &ack)

	if log.V(2) {
		log.Infof("pg %s: applying %s, objects %v", pg.id, m, m.Txn.Objects())
	}

	if m.Version.Greater(pg.info.LastUpdate) {
		pg.info.LastUpdate = m.Version
	}
	pg.replicaInFlight++
	lm := repopm.Start("replica")
	pg.env.store.Apply(m.Txn, func(err core.Error) {
		pg.env.post(HighPri, func() {
			pg.replicaInFlight--
			if err != core.NoError {
				log.Errorf("pg %s: applying %s failed: %s", pg.id, m, err)
				lm.Failed()
			} else if m.Version.Greater(pg.info.LastComplete) {
				pg.info.LastComplete = m.Version
			}
			lm.End()
			reply.Result, reply.Commit, reply.PGCompleteThru = err, true, pg.info.LastComplete
			pg.env.msgr.Send(m.From, reply)
		})
	})
}

// extentFor returns the extent a read covers.
func (pg *ReplicatedPG) extentFor(op *core.OpRequest) core.ObjectExtent {
	ext := core.NewObjectExtent(op.OID, op.Offset, op.Length)
	ext.PG = pg.id
	ext.BufferExtents = map[int64]int64{0: op.Length}
	return ext
}

// OpRead reads from an object. A zero length reads to the end of the object.
func (pg *ReplicatedPG) OpRead(ctx context.Context, op *core.OpRequest) (b []byte, err core.Error) {
	lm := opm.Start("read")
	defer lm.EndWithError(&err)

	if op.Offset < 0 || op.Length < 0 {
		return nil, core.ErrInvalidArgument
	}
	if !pg.isPrimary() {
		return nil, core.ErrNotPrimary
	}
	ext := pg.extentFor(op)
	if ext.Length == 0 {
		st, serr := pg.env.store.Stat(ctx, op.OID)
		if serr != core.NoError {
			return nil, serr
		}
		if st.Size > ext.Start {
			ext.Length = st.Size - ext.Start
			ext.BufferExtents = map[int64]int64{0: ext.Length}
		}
	}
	return pg.env.store.Read(ctx, ext)
}

// OpStat returns an object's size and version.
func (pg *ReplicatedPG) OpStat(ctx context.Context, op *core.OpRequest) (st core.ObjectStat, err core.Error) {
	lm := opm.Start("stat")
	defer lm.EndWithError(&err)

	if !pg.isPrimary() {
		return core.ObjectStat{}, core.ErrNotPrimary
	}
	return pg.env.store.Stat(ctx, op.OID)
}

// PGStats is a snapshot of a placement group for status pages.
type PGStats struct {
	PG           core.PGID
	Epoch        core.Epoch
	Members      []core.NodeID
	Primary      bool
	LastUpdate   core.Version
	LastComplete core.Version

	// Writes in flight as primary, and writes waiting behind them.
	Gathers  []string
	Deferred int

	// Writes being applied as a replica.
	ReplicaInFlight int

	// What each member last reported as complete.
	PeerCompleteThru map[core.NodeID]core.Version
}

// Stats returns a snapshot of the placement group.
func (pg *ReplicatedPG) Stats() PGStats {
	st := PGStats{
		PG:               pg.id,
		Epoch:            pg.epoch,
		Members:          append([]core.NodeID(nil), pg.members...),
		Primary:          pg.isPrimary(),
		LastUpdate:       pg.info.LastUpdate,
		LastComplete:     pg.info.LastComplete,
		ReplicaInFlight:  pg.replicaInFlight,
		PeerCompleteThru: make(map[core.NodeID]core.Version, len(pg.peerCompleteThru)),
	}
	for n, v := range pg.peerCompleteThru {
		st.PeerCompleteThru[n] = v
	}
	for _, g := range pg.repopOrder {
		if !g.deleted {
			st.Gathers = append(st.Gathers, g.String())
		}
	}
	for _, ops := range pg.waitingForRepop {
		st.Deferred += len(ops)
	}
	return st
}
