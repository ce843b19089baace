// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// pgSlot is a placement group and the queue it runs on.
type pgSlot struct {
	pg *ReplicatedPG
	q  *pgQueue
}

// OSD is one storage node. It hosts a ReplicatedPG for every placement group
// it has heard about and routes messages to them. Placement groups are
// created on first use.
//
// OSD is thread-safe. Each placement group does its work on its own queue,
// so different placement groups proceed in parallel.
type OSD struct {
	cfg       *Config
	sbs       *SuperblockStore
	store     ObjectStore
	msgr      Messenger
	placement Placement

	self core.NodeID

	// Last rep tid handed out. Rep tids restart with each process.
	lastTID uint64

	// Protects everything below.
	lock   sync.Mutex
	epoch  core.Epoch
	pgs    map[core.PGID]*pgSlot
	closed bool
}

// NewOSD returns an OSD for the node described by the superblock in 'sbs',
// which must already be loaded or formatted.
func NewOSD(cfg *Config, sbs *SuperblockStore, store ObjectStore, msgr Messenger, placement Placement) *OSD {
	sb := sbs.Get()
	log.Infof("starting osd with %s", sb)
	metricEpoch.Set(float64(sb.CurrentEpoch))
	return &OSD{
		cfg:       cfg,
		sbs:       sbs,
		store:     store,
		msgr:      msgr,
		placement: placement,
		self:      sb.WhoAmI,
		epoch:     sb.CurrentEpoch,
		pgs:       make(map[core.PGID]*pgSlot),
	}
}

// ID returns the node id.
func (o *OSD) ID() core.NodeID {
	return o.self
}

// Epoch returns the current epoch.
func (o *OSD) Epoch() core.Epoch {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.epoch
}

// Superblock returns the current superblock.
func (o *OSD) Superblock() core.Superblock {
	return o.sbs.Get()
}

func (o *OSD) nextTID() core.TID {
	return core.TID(atomic.AddUint64(&o.lastTID, 1))
}

// getPG returns the slot for 'id', creating the placement group if this node
// is one of its members.
func (o *OSD) getPG(id core.PGID) (*pgSlot, core.Error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		return nil, core.ErrStoreClosed
	}
	if s, ok := o.pgs[id]; ok {
		return s, core.NoError
	}

	members := o.placement.MembersOf(id, o.epoch)
	if !containsNode(members, o.self) {
		return nil, core.ErrNoSuchPG
	}

	info, err := o.loadInfo(id)
	if err != core.NoError {
		return nil, err
	}

	q := newPGQueue(id.String())
	env := pgEnv{
		self:    o.self,
		store:   o.store,
		msgr:    o.msgr,
		nextTID: o.nextTID,
		post: func(pri Priority, fn func()) {
			if !q.post(pri, fn) {
				log.Errorf("pg %s: queue stopped, dropping work", id)
			}
		},
	}
	pg := newReplicatedPG(id, env, info)
	pg.SetEpoch(o.epoch, members)
	s := &pgSlot{pg: pg, q: q}
	o.pgs[id] = s
	log.Infof("pg %s: created at e%d with members %v, %s", id, o.epoch, members, info)
	return s, core.NoError
}

// loadInfo reads what the store knows about placement group 'id'.
func (o *OSD) loadInfo(id core.PGID) (pgInfo, core.Error) {
	var info pgInfo
	raw, err := o.store.GetAttr(context.Background(), id.ToObject(), PGInfoAttr)
	switch err {
	case core.NoError:
		if e := info.UnmarshalBinary(raw); e != nil {
			log.Errorf("pg %s: bad info: %s", id, e)
			return info, core.ErrCorruptData
		}
	case core.ErrNoSuchObject:
		// A new placement group.
	default:
		return info, err
	}
	return info, core.NoError
}

func containsNode(ids []core.NodeID, id core.NodeID) bool {
	for _, n := range ids {
		if n == id {
			return true
		}
	}
	return false
}

// Dispatch routes a message to its placement group: a *core.OpRequest that
// modifies an object, a *core.RepOp, or a *core.RepOpReply. Work is queued and
// Dispatch returns right away.
func (o *OSD) Dispatch(msg interface{}) {
	switch m := msg.(type) {
	case *core.OpRequest:
		s, err := o.getPG(m.PG)
		if err != core.NoError {
			if m.Reply != nil {
				m.Reply(core.OpReply{ReqID: m.ReqID, Result: err})
			}
			return
		}
		if !s.q.post(ClientPri, func() { s.pg.OpModify(m) }) && m.Reply != nil {
			m.Reply(core.OpReply{ReqID: m.ReqID, Result: core.ErrStoreClosed})
		}

	case *core.RepOp:
		s, err := o.getPG(m.PG)
		if err != core.NoError {
			log.Errorf("can't take %s: %s", m, err)
			o.msgr.Send(m.From, &core.RepOpReply{
				RepTID: m.RepTID, PG: m.PG, Epoch: o.Epoch(), From: o.self, Result: err, Commit: true,
			})
			return
		}
		s.q.post(ClientPri, func() { s.pg.HandleRepOp(m) })

	case *core.RepOpReply:
		o.lock.Lock()
		s, ok := o.pgs[m.PG]
		o.lock.Unlock()
		if !ok {
			log.V(1).Infof("dropping %s, no such pg", m)
			metricDropped.WithLabelValues("no_pg").Inc()
			return
		}
		s.q.post(HighPri, func() { s.pg.HandleRepOpReply(m) })

	default:
		log.Errorf("don't know what to do with %T", msg)
	}
}

// PeerUnreachable is called by the messenger when it gives up on a message.
// A lost RepOp is answered on the peer's behalf with a failed commit, so the
// write can finish and report the failure.
func (o *OSD) PeerUnreachable(to core.NodeID, msg interface{}) {
	if m, ok := msg.(*core.RepOp); ok && m.From == o.self {
		o.Dispatch(&core.RepOpReply{
			RepTID: m.RepTID, PG: m.PG, Epoch: m.Epoch, From: to, Result: core.ErrRPC, Commit: true,
		})
	}
}

// Read reads from an object through its placement group.
func (o *OSD) Read(ctx context.Context, op *core.OpRequest) ([]byte, core.Error) {
	s, err := o.getPG(op.PG)
	if err != core.NoError {
		return nil, err
	}
	var b []byte
	if !s.q.runSync(ClientPri, func() { b, err = s.pg.OpRead(ctx, op) }) {
		return nil, core.ErrStoreClosed
	}
	return b, err
}

// Stat stats an object through its placement group.
func (o *OSD) Stat(ctx context.Context, op *core.OpRequest) (core.ObjectStat, core.Error) {
	s, err := o.getPG(op.PG)
	if err != core.NoError {
		return core.ObjectStat{}, err
	}
	var st core.ObjectStat
	if !s.q.runSync(ClientPri, func() { st, err = s.pg.OpStat(ctx, op) }) {
		return core.ObjectStat{}, core.ErrStoreClosed
	}
	return st, err
}

// AdvanceEpoch moves the node to epoch 'e'. The new superblock is durable
// before any placement group sees the new membership.
func (o *OSD) AdvanceEpoch(e core.Epoch) error {
	o.lock.Lock()
	defer o.lock.Unlock()

	cur := o.sbs.Get()
	newest := e
	if cur.NewestMap > newest {
		newest = cur.NewestMap
	}
	oldest := cur.OldestMap
	if e > o.cfg.EpochsToKeep && e-o.cfg.EpochsToKeep > oldest {
		oldest = e - o.cfg.EpochsToKeep
	}
	sb, err := o.sbs.Advance(e, oldest, newest)
	if err != nil {
		return err
	}
	o.epoch = sb.CurrentEpoch
	metricEpoch.Set(float64(o.epoch))
	log.Infof("advanced to %s", sb)

	for id, s := range o.pgs {
		pg, members := s.pg, o.placement.MembersOf(id, e)
		s.q.post(ControlPri, func() { pg.SetEpoch(e, members) })
	}
	return nil
}

// PGStats returns a snapshot of every placement group, ordered by id.
func (o *OSD) PGStats() []PGStats {
	o.lock.Lock()
	slots := make([]*pgSlot, 0, len(o.pgs))
	for _, s := range o.pgs {
		slots = append(slots, s)
	}
	o.lock.Unlock()

	out := make([]PGStats, 0, len(slots))
	for _, s := range slots {
		var st PGStats
		if s.q.runSync(ControlPri, func() { st = s.pg.Stats() }) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PG < out[j].PG })
	return out
}

// Close stops every placement group queue after the work already queued.
// The store, messenger and superblock store belong to the caller.
func (o *OSD) Close() {
	o.lock.Lock()
	o.closed = true
	slots := o.pgs
	o.pgs = make(map[core.PGID]*pgSlot)
	o.lock.Unlock()

	for _, s := range slots {
		s.q.stop()
	}
}
