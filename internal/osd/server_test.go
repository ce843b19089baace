// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	"github.com/westerndigitalcorporation/pgstore/pkg/rpc"
	test "github.com/westerndigitalcorporation/pgstore/pkg/testutil"
)

// waitFor polls 'cond' for up to five seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Serves one OSD over RPC and HTTP and talks to it the way clients and
// peers do. The default RPC server and HTTP mux are process wide, so this
// is the only test that registers a Server.
func TestServer(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.Addr = test.FreeAddr()
	cfg.Nodes = map[core.NodeID]string{0: cfg.Addr}

	sbs, err := OpenSuperblockStore(superblockPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer sbs.Close()
	sbs.Format(7, 0)
	store := NewMemStore("server")
	defer store.Close()
	msgr := &fakeMessenger{}
	table := NewTablePlacement(NewRingPlacement([]core.NodeID{0}))
	elsewhere := repPG(1, 9)
	table.Set(1, elsewhere, []core.NodeID{3})

	o := NewOSD(&cfg, sbs, store, msgr, table)
	defer o.Close()
	if err := o.AdvanceEpoch(1); err != nil {
		t.Fatal(err)
	}

	s := NewServer(o, &cfg)
	if err := s.Register(); err != nil {
		t.Fatalf("register: %s", err)
	}
	l, err := rpc.StartStandaloneRPCServer(cfg.Addr)
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer l.Close()

	cc := rpc.NewConnectionCache(cfg.DialTimeout, cfg.RPCTimeout, 2)
	defer cc.CloseAll()
	ctx := context.Background()
	pg := repPG(1, 0)

	// A write waits for its commit.
	var mr core.ModifyReply
	req := core.OpRequest{
		ReqID: core.ReqID{Client: rpc.GenID(), Tid: 1},
		PG:    pg, OID: oidA, Type: core.OpWrite, Data: []byte("over rpc"), Epoch: 1,
	}
	if err := cc.Send(ctx, cfg.Addr, core.ModifyMethod, req, &mr); err != nil {
		t.Fatalf("modify: %s", err)
	}
	if !mr.Acked || !mr.Committed || mr.Reply.Result != core.NoError || mr.Reply.Version != core.MakeVersion(1, 1) {
		t.Fatalf("bad modify reply %+v", mr)
	}

	// Errors come back in the reply.
	mr = core.ModifyReply{}
	req.ReqID.Tid, req.PG = 2, elsewhere
	if err := cc.Send(ctx, cfg.Addr, core.ModifyMethod, req, &mr); err != nil {
		t.Fatalf("modify: %s", err)
	}
	if mr.Committed || mr.Reply.Result != core.ErrNoSuchPG {
		t.Fatalf("expected ErrNoSuchPG, got %+v", mr)
	}

	var rr core.OpReply
	if err := cc.Send(ctx, cfg.Addr, core.ReadMethod, core.OpRequest{PG: pg, OID: oidA, Length: 4}, &rr); err != nil {
		t.Fatalf("read: %s", err)
	}
	if rr.Result != core.NoError || string(rr.Data) != "over" {
		t.Fatalf("bad read reply %+v", rr)
	}
	rr = core.OpReply{}
	if err := cc.Send(ctx, cfg.Addr, core.StatMethod, core.OpRequest{PG: pg, OID: oidA}, &rr); err != nil {
		t.Fatalf("stat: %s", err)
	}
	if rr.Result != core.NoError || rr.Stat.Size != 8 || rr.Stat.Version != core.MakeVersion(1, 1) {
		t.Fatalf("bad stat reply %+v", rr)
	}

	// A rep op for a placement group we don't host is answered with an
	// error commit to its sender.
	var ok core.Error
	repop := core.RepOp{RepTID: 5, PG: elsewhere, Epoch: 1, From: 3, Txn: &core.Transaction{}}
	if err := cc.Send(ctx, cfg.Addr, core.RepOpMethod, repop, &ok); err != nil || ok != core.NoError {
		t.Fatalf("rep op: %v %s", err, ok)
	}
	var sent []sentMsg
	waitFor(t, "rep op reply", func() bool {
		sent = append(sent, msgr.take()...)
		return len(sent) > 0
	})
	if r := sent[0].msg.(*core.RepOpReply); sent[0].to != 3 || r.Result != core.ErrNoSuchPG || !r.Commit || r.RepTID != 5 {
		t.Fatalf("bad reply to rep op: %+v", sent[0])
	}

	// Same again through a messenger.
	m := NewRPCMessenger(&cfg)
	defer m.Close()
	repop.RepTID = 6
	m.Send(0, &repop)
	waitFor(t, "rep op reply", func() bool {
		sent = append(sent, msgr.take()...)
		return len(sent) > 1
	})
	if r := sent[1].msg.(*core.RepOpReply); r.RepTID != 6 || r.Result != core.ErrNoSuchPG {
		t.Fatalf("bad reply to rep op: %+v", sent[1])
	}

	var e core.Error
	if err := cc.Send(ctx, cfg.Addr, core.AdvanceEpochMethod, core.Epoch(3), &e); err != nil || e != core.NoError {
		t.Fatalf("advance: %v %s", err, e)
	}
	if err := cc.Send(ctx, cfg.Addr, core.AdvanceEpochMethod, core.Epoch(2), &e); err != nil || e != core.ErrStaleEpoch {
		t.Fatalf("advance back: %v %s", err, e)
	}
	if o.Epoch() != 3 {
		t.Fatalf("epoch %d, expected 3", o.Epoch())
	}
	if err := cc.Send(ctx, cfg.Addr, core.CancelMethod, core.ReqID{Client: "nobody"}, &e); err != nil || e != core.ErrInvalidArgument {
		t.Fatalf("cancel of nothing: %v %s", err, e)
	}

	// Status page, as json and html.
	hreq, _ := http.NewRequest("GET", "http://"+cfg.Addr+"/", nil)
	hreq.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(hreq)
	if err != nil {
		t.Fatalf("status: %s", err)
	}
	var sd StatusData
	err = json.NewDecoder(resp.Body).Decode(&sd)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %s", err)
	}
	if sd.ID != 0 || sd.Superblock.CurrentEpoch != 3 || len(sd.PGs) != 1 || sd.PGs[0].LastComplete != core.MakeVersion(1, 1) {
		t.Fatalf("bad status %+v", sd)
	}

	for path, want := range map[string]string{"/": "osd osd0", "/metrics": "osd_rpc_latency"} {
		resp, err = http.Get("http://" + cfg.Addr + path)
		if err != nil {
			t.Fatalf("get %s: %s", path, err)
		}
		body, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), want) {
			t.Errorf("%s doesn't contain %q", path, want)
		}
	}
}

// The handler gives up after the timeout, refuses a request id already in
// flight, and can be told to stop waiting.
func TestModifyHandler(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.ModifyTimeout = 200 * time.Millisecond
	c := newTestCluster(t, 2)
	defer c.close()
	h := NewOSDHandler(c.osds[0], &cfg)
	pg := repPG(2, 0)

	// Stall the primary's store so nothing commits.
	block := make(chan struct{})
	defer close(block)
	c.stores[0].SetFailure(func(*core.Transaction) core.Error {
		<-block
		return core.NoError
	})

	var mr core.ModifyReply
	req := core.OpRequest{ReqID: core.ReqID{Client: "h", Tid: 1}, PG: pg, OID: oidA, Type: core.OpWrite, Data: []byte("x"), Epoch: 1}
	if err := h.Modify(req, &mr); err != nil {
		t.Fatalf("modify: %s", err)
	}
	if mr.Reply.Result != core.ErrTimeout || mr.Committed {
		t.Fatalf("expected a timeout, got %+v", mr)
	}

	cfg.ModifyTimeout = time.Minute
	req.ReqID.Tid = 2
	done := make(chan error)
	go func() { done <- h.Modify(req, &mr) }()
	waitFor(t, "write to start", func() bool {
		h.inFlight.lock.Lock()
		defer h.inFlight.lock.Unlock()
		_, ok := h.inFlight.active[req.ReqID]
		return ok
	})

	var dup core.ModifyReply
	if err := h.Modify(req, &dup); err != errBusy {
		t.Fatalf("expected errBusy for a duplicate, got %v", err)
	}

	var e core.Error
	if h.Cancel(req.ReqID, &e); e != core.NoError {
		t.Fatalf("cancel: %s", e)
	}
	if err := <-done; err != nil {
		t.Fatalf("modify: %s", err)
	}
	if mr.Reply.Result != core.ErrTimeout || mr.Committed {
		t.Fatalf("expected a cancelled write, got %+v", mr)
	}
}

// Requests past the threshold are turned away.
func TestHandlerTooBusy(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.close()
	cfg := DefaultTestConfig
	cfg.RejectReqThreshold = 1
	h := NewOSDHandler(c.osds[0], &cfg)

	h.pendingSem.Acquire()
	var rr core.OpReply
	if err := h.Read(core.OpRequest{PG: repPG(1, 0), OID: oidA}, &rr); err != errBusy {
		t.Fatalf("expected errBusy, got %v", err)
	}
	var mr core.ModifyReply
	if err := h.Modify(core.OpRequest{PG: repPG(1, 0), OID: oidA, Type: core.OpWrite}, &mr); err != errBusy {
		t.Fatalf("expected errBusy, got %v", err)
	}
	h.pendingSem.Release()

	if err := h.Stat(core.OpRequest{PG: repPG(1, 0), OID: oidA}, &rr); err != nil || rr.Result != core.ErrNoSuchObject {
		t.Fatalf("stat: %v %s", err, rr.Result)
	}
}
