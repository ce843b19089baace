// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	test "github.com/westerndigitalcorporation/pgstore/pkg/testutil"
)

// Messages that can't be delivered end up at the drop handler.
func TestRPCMessengerDrops(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.MinSendRetry = 10 * time.Millisecond
	cfg.SendBackoff = 20 * time.Millisecond
	cfg.MaxSendRetry = 200 * time.Millisecond
	// Nobody listens here.
	cfg.Nodes = map[core.NodeID]string{1: test.FreeAddr()}

	m := NewRPCMessenger(&cfg)
	defer m.Close()
	type drop struct {
		to  core.NodeID
		msg interface{}
	}
	dropped := make(chan drop, 4)
	m.SetDropHandler(func(to core.NodeID, msg interface{}) { dropped <- drop{to, msg} })

	expect := func(to core.NodeID, msg interface{}) {
		t.Helper()
		select {
		case d := <-dropped:
			if d.to != to || d.msg != msg {
				t.Fatalf("dropped %v to %s, expected %v to %s", d.msg, d.to, msg, to)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%v to %s was never dropped", msg, to)
		}
	}

	op := &core.RepOp{RepTID: 1, From: 0}
	m.Send(1, op)
	expect(1, op)

	// No address for node 9.
	reply := &core.RepOpReply{RepTID: 2, From: 0}
	m.Send(9, reply)
	expect(9, reply)

	m.Close()
	m.Send(1, op)
	expect(1, op)
}

// An RPCMessenger hooked to an OSD turns a lost rep op into a failed write.
func TestRPCMessengerUnreachablePeer(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.MinSendRetry = 10 * time.Millisecond
	cfg.SendBackoff = 20 * time.Millisecond
	cfg.MaxSendRetry = 200 * time.Millisecond
	cfg.Nodes = map[core.NodeID]string{1: test.FreeAddr()}

	sbs, err := OpenSuperblockStore(superblockPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer sbs.Close()
	sbs.Format(1, 0)
	store := NewMemStore("unreachable")
	defer store.Close()
	m := NewRPCMessenger(&cfg)
	defer m.Close()

	o := NewOSD(&cfg, sbs, store, m, NewRingPlacement([]core.NodeID{0, 1}))
	defer o.Close()
	m.SetDropHandler(o.PeerUnreachable)

	ch := make(chan core.OpReply, 2)
	o.Dispatch(&core.OpRequest{
		PG: repPG(2, 0), OID: oidA, Type: core.OpWrite, Data: []byte("x"),
		Reply: func(r core.OpReply) { ch <- r },
	})
	for {
		select {
		case r := <-ch:
			if r.Commit {
				if r.Result != core.ErrRPC {
					t.Fatalf("expected ErrRPC, got %+v", r)
				}
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("write never finished")
		}
	}
}
