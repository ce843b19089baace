// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	"github.com/westerndigitalcorporation/pgstore/internal/server"
)

var errBusy = errors.New("the osd is too busy to serve this request")

// OSDHandler is the RPC face of an OSD. Peers send it RepOps and RepOpReplies;
// clients send it writes, reads and stats.
type OSDHandler struct {
	osd *OSD
	cfg *Config

	// Limits client requests being served at once.
	pendingSem server.Semaphore

	// Client writes being waited on, by request id.
	inFlight *opTracker
}

// NewOSDHandler creates a new OSDHandler.
func NewOSDHandler(o *OSD, cfg *Config) *OSDHandler {
	return &OSDHandler{
		osd:        o,
		cfg:        cfg,
		pendingSem: server.NewSemaphore(cfg.RejectReqThreshold),
		inFlight:   newOpTracker(),
	}
}

// RepOp takes a write from a primary. The answer comes back later as a
// RepOpReply; 'reply' only says whether the message was taken.
func (h *OSDHandler) RepOp(req core.RepOp, reply *core.Error) error {
	op := rpcm.Start("RepOp")
	defer op.EndWithError(reply)

	h.osd.Dispatch(&req)
	*reply = core.NoError
	return nil
}

// RepOpReply takes a replica's answer to a RepOp.
func (h *OSDHandler) RepOpReply(req core.RepOpReply, reply *core.Error) error {
	op := rpcm.Start("RepOpReply")
	defer op.EndWithError(reply)

	h.osd.Dispatch(&req)
	*reply = core.NoError
	return nil
}

// Modify runs a client write and waits until it commits, fails, or
// cfg.ModifyTimeout passes. A timed out write may still commit later.
func (h *OSDHandler) Modify(req core.OpRequest, reply *core.ModifyReply) error {
	op := rpcm.Start("Modify")
	defer op.EndWithError(&reply.Reply.Result)

	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("Modify: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	ctx := h.inFlight.start(req.ReqID)
	if ctx == nil {
		log.Errorf("Modify: new request w/existing ReqID, rejecting. req: %s", &req)
		return errBusy
	}
	defer h.inFlight.end(req.ReqID)

	// At most an ack and a commit, or one error.
	replies := make(chan core.OpReply, 2)
	req.Reply = func(r core.OpReply) { replies <- r }
	h.osd.Dispatch(&req)

	timer := time.NewTimer(h.cfg.ModifyTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-replies:
			reply.Reply = r
			reply.Acked = reply.Acked || r.Ack
			reply.Committed = reply.Committed || r.Commit
			if r.Commit || r.Result != core.NoError && !r.Ack {
				log.V(1).Infof("Modify: req %s reply %+v", &req, *reply)
				return nil
			}
		case <-timer.C:
			log.Errorf("Modify: req %s timed out, acked=%t", &req, reply.Acked)
			reply.Reply.ReqID = req.ReqID
			reply.Reply.Result = core.ErrTimeout
			return nil
		case <-ctx.Done():
			reply.Reply.ReqID = req.ReqID
			reply.Reply.Result = core.ErrTimeout
			return nil
		}
	}
}

// Read reads from an object.
func (h *OSDHandler) Read(req core.OpRequest, reply *core.OpReply) error {
	op := rpcm.Start("Read")
	defer op.EndWithError(&reply.Result)

	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("Read: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RPCTimeout)
	defer cancel()
	reply.ReqID = req.ReqID
	reply.Data, reply.Result = h.osd.Read(ctx, &req)
	log.V(1).Infof("Read: req %s reply len %d Err %s", &req, len(reply.Data), reply.Result)
	return nil
}

// Stat returns an object's size and version.
func (h *OSDHandler) Stat(req core.OpRequest, reply *core.OpReply) error {
	op := rpcm.Start("Stat")
	defer op.EndWithError(&reply.Result)

	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("Stat: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RPCTimeout)
	defer cancel()
	reply.ReqID = req.ReqID
	reply.Stat, reply.Result = h.osd.Stat(ctx, &req)
	return nil
}

// AdvanceEpoch moves the node to epoch 'e'.
func (h *OSDHandler) AdvanceEpoch(e core.Epoch, reply *core.Error) error {
	op := rpcm.Start("AdvanceEpoch")
	defer op.EndWithError(reply)

	switch err := h.osd.AdvanceEpoch(e); err {
	case nil:
		*reply = core.NoError
	case core.ErrEpochRegress:
		*reply = core.ErrStaleEpoch
	case core.ErrEpochRange:
		*reply = core.ErrInvalidArgument
	default:
		log.Errorf("AdvanceEpoch: to %d: %s", e, err)
		*reply = core.ErrIO
	}
	return nil
}

// Cancel stops waiting for the write with id 'id'. The write itself goes on
// and may still commit.
func (h *OSDHandler) Cancel(id core.ReqID, reply *core.Error) error {
	if h.inFlight.cancel(id) {
		*reply = core.NoError
	} else {
		*reply = core.ErrInvalidArgument
	}
	return nil
}

func (h *OSDHandler) rpcStats() map[string]string {
	return rpcm.Strings("RepOp", "RepOpReply", "Modify", "Read", "Stat", "AdvanceEpoch")
}

// opTracker tracks the client writes being waited on.
type opTracker struct {
	active map[core.ReqID]context.CancelFunc

	lock sync.Mutex
}

func newOpTracker() *opTracker {
	return &opTracker{active: make(map[core.ReqID]context.CancelFunc)}
}

// start notes that we're starting an op with id 'id'. It returns nil if the
// op is already running, in which case the caller should return an error.
// Requests with an empty client id aren't tracked.
func (s *opTracker) start(id core.ReqID) context.Context {
	if id.Client == "" {
		return context.Background()
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.active[id]; ok {
		log.Errorf("uh oh, duplicate op ID: %s", id)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.active[id] = cancel
	return ctx
}

// cancel cancels the op with id 'id'. It returns false if there is no such
// op.
func (s *opTracker) cancel(id core.ReqID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	cancelFunc, ok := s.active[id]
	if ok {
		cancelFunc()
	}
	return ok
}

// end notes that the op with id 'id' is over.
func (s *opTracker) end(id core.ReqID) {
	if id.Client == "" {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if cancel, ok := s.active[id]; ok {
		cancel()
	}
	delete(s.active, id)
}
