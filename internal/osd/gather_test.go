// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

func testGather(replicas ...core.NodeID) *Gather {
	op := &core.OpRequest{Type: core.OpWrite, OID: core.ObjectID{Ino: 5}}
	return newGather(op, 7, &core.Transaction{}, replicas, core.MakeVersion(1, 3), core.MakeVersion(1, 2))
}

// Soft acks clear only waitforAck; commits clear both.
func TestGatherAckThenCommit(t *testing.T) {
	g := testGather(0, 1, 2)

	if !g.ack(1, core.NoError, false, core.Version{}) {
		t.Fatal("first ack from 1 changed nothing")
	}
	if !g.waitforCommit.has(1) || g.waitforAck.has(1) {
		t.Fatalf("bad sets after ack: %s", g)
	}
	if g.canSendAck() || g.canSendCommit() {
		t.Fatal("can't send anything yet")
	}

	// A second soft ack is a no-op.
	if g.ack(1, core.ErrIO, false, core.MakeVersion(1, 1)) {
		t.Fatal("duplicate ack changed something")
	}
	if g.result != core.NoError || len(g.pgCompleteThru) != 0 {
		t.Fatalf("duplicate ack left a trace: %s", g)
	}

	g.ack(2, core.NoError, true, core.Version{})
	g.ack(0, core.NoError, true, core.Version{})
	if !g.canSendAck() {
		t.Fatal("everybody acked")
	}
	if g.canSendCommit() {
		t.Fatal("1 hasn't committed")
	}

	if !g.ack(1, core.NoError, true, core.MakeVersion(1, 2)) {
		t.Fatal("commit after ack changed nothing")
	}
	if !g.canSendCommit() {
		t.Fatal("everybody committed")
	}
	if g.canDelete() {
		t.Fatal("can't delete before the local apply")
	}
	g.applied = true
	if !g.canDelete() {
		t.Fatal("should be deletable")
	}
}

// Once the commit is sent, no ack goes out.
func TestGatherNoAckAfterCommit(t *testing.T) {
	g := testGather(0)
	g.ack(0, core.NoError, true, core.Version{})
	if !g.canSendAck() || !g.canSendCommit() {
		t.Fatal("single member committed")
	}
	g.sentCommit = true
	if g.canSendAck() || g.canSendCommit() {
		t.Fatal("nothing may be sent after the commit")
	}
}

// The first failure sticks.
func TestGatherFirstResult(t *testing.T) {
	g := testGather(0, 1, 2)
	g.ack(1, core.ErrIO, true, core.Version{})
	g.ack(2, core.ErrNoSpace, true, core.Version{})
	g.ack(0, core.NoError, true, core.Version{})
	if g.result != core.ErrIO {
		t.Fatalf("expected ErrIO, got %s", g.result)
	}
}

// A gather with no members is done as soon as it is applied.
func TestGatherEmpty(t *testing.T) {
	g := testGather()
	if !g.canSendAck() || !g.canSendCommit() {
		t.Fatal("empty gather should be sendable")
	}
	if g.canDelete() {
		t.Fatal("not applied yet")
	}
	g.applied = true
	if !g.canDelete() {
		t.Fatal("should be deletable")
	}
}

// completeThru never reports less than what the primary knew at creation.
func TestGatherCompleteThru(t *testing.T) {
	g := testGather(0, 1, 2)
	g.ack(1, core.NoError, true, core.MakeVersion(1, 1))
	g.ack(2, core.NoError, true, core.MakeVersion(1, 3))
	if v := g.completeThru(1); v != core.MakeVersion(1, 2) {
		t.Fatalf("expected floor 1'2, got %s", v)
	}
	if v := g.completeThru(2); v != core.MakeVersion(1, 3) {
		t.Fatalf("expected 1'3, got %s", v)
	}
	if v := g.completeThru(0); v != core.MakeVersion(1, 2) {
		t.Fatalf("expected floor for a silent member, got %s", v)
	}
}

func TestGatherString(t *testing.T) {
	g := testGather(2, 0, 1)
	g.ack(1, core.NoError, false, core.Version{})
	s := g.String()
	for _, want := range []string{"rep_tid=7", "wfack=[0,2]", "wfcommit=[0,1,2]"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q doesn't contain %q", s, want)
		}
	}
}
