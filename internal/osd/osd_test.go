// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	test "github.com/westerndigitalcorporation/pgstore/pkg/testutil"
)

// loopback delivers messages between OSDs in one process. Messages to nodes
// that are down are handed back to the sender as undeliverable.
type loopback struct {
	lock sync.Mutex
	osds map[core.NodeID]*OSD
	down map[core.NodeID]bool
}

func (l *loopback) Send(to core.NodeID, msg interface{}) {
	l.lock.Lock()
	dst, down := l.osds[to], l.down[to]
	var from *OSD
	if m, ok := msg.(*core.RepOp); ok {
		from = l.osds[m.From]
	}
	l.lock.Unlock()

	if dst == nil || down {
		if from != nil {
			go from.PeerUnreachable(to, msg)
		}
		return
	}
	dst.Dispatch(msg)
}

func (l *loopback) setDown(id core.NodeID, down bool) {
	l.lock.Lock()
	l.down[id] = down
	l.lock.Unlock()
}

type testCluster struct {
	t      *testing.T
	net    *loopback
	osds   []*OSD
	stores []*MemStore
	sbs    []*SuperblockStore
	table  *TablePlacement
	reqs   uint64
}

// newTestCluster starts 'n' OSDs placed on one ring, all at epoch 1.
func newTestCluster(t *testing.T, n int) *testCluster {
	c := &testCluster{
		t:   t,
		net: &loopback{osds: make(map[core.NodeID]*OSD), down: make(map[core.NodeID]bool)},
	}
	var ids []core.NodeID
	for i := 0; i < n; i++ {
		ids = append(ids, core.NodeID(i))
	}
	c.table = NewTablePlacement(NewRingPlacement(ids))

	for _, id := range ids {
		cfg := DefaultTestConfig
		sbs, err := OpenSuperblockStore(superblockPath(t))
		if err != nil {
			t.Fatal(err)
		}
		if _, err = sbs.Format(0xabc, id); err != nil {
			t.Fatal(err)
		}
		store := NewMemStore(id.String())
		o := NewOSD(&cfg, sbs, store, c.net, c.table)
		if err = o.AdvanceEpoch(1); err != nil {
			t.Fatal(err)
		}
		c.net.osds[id] = o
		c.osds = append(c.osds, o)
		c.stores = append(c.stores, store)
		c.sbs = append(c.sbs, sbs)
	}
	return c
}

func (c *testCluster) close() {
	for i := range c.osds {
		c.osds[i].Close()
		c.stores[i].Close()
		c.sbs[i].Close()
	}
}

// modify sends a write to node 'to' and waits for its commit or error.
func (c *testCluster) modify(to int, pg core.PGID, typ core.OpType, oid core.ObjectID, off int64, data []byte) []core.OpReply {
	c.reqs++
	ch := make(chan core.OpReply, 2)
	o := c.osds[to]
	o.Dispatch(&core.OpRequest{
		ReqID:  core.ReqID{Client: "cluster", Tid: c.reqs},
		PG:     pg,
		OID:    oid,
		Type:   typ,
		Offset: off,
		Data:   data,
		Epoch:  o.Epoch(),
		Reply:  func(r core.OpReply) { ch <- r },
	})

	var out []core.OpReply
	for {
		select {
		case r := <-ch:
			out = append(out, r)
			if r.Commit || r.Result != core.NoError && !r.Ack {
				return out
			}
		case <-time.After(5 * time.Second):
			c.t.Fatalf("write to %s timed out, got %+v", oid, out)
		}
	}
}

func repPG(size int, seed uint16) core.PGID {
	return core.MakePGID(core.PGTypeRep, size, seed, core.NoPreferred, 0)
}

// A write to a three way placement group lands on every member.
func TestOSDReplicatedWrite(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.close()
	pg := repPG(3, 0)

	replies := c.modify(0, pg, core.OpWrite, oidA, 0, []byte("replicated"))
	if len(replies) != 2 || !replies[0].Ack || !replies[1].Commit || replies[1].Result != core.NoError {
		t.Fatalf("bad replies %+v", replies)
	}
	v := replies[1].Version
	if v != core.MakeVersion(1, 1) {
		t.Fatalf("expected version 1'1, got %s", v)
	}

	for i, s := range c.stores {
		st, err := s.Stat(context.Background(), oidA)
		if err != core.NoError || st.Size != 10 || st.Version != v {
			t.Errorf("node %d: stat %+v %s", i, st, err)
		}
	}

	b, err := c.osds[0].Read(context.Background(), &core.OpRequest{PG: pg, OID: oidA, Offset: 0, Length: 4})
	if err != core.NoError || string(b) != "repl" {
		t.Fatalf("read %q %s", b, err)
	}
	if _, err = c.osds[1].Read(context.Background(), &core.OpRequest{PG: pg, OID: oidA}); err != core.ErrNotPrimary {
		t.Fatalf("read from a replica: %s", err)
	}

	stats := c.osds[0].PGStats()
	if len(stats) != 1 || !stats[0].Primary || stats[0].LastComplete != v || len(stats[0].Gathers) != 0 {
		t.Fatalf("bad stats %+v", stats)
	}
}

// Many writes to a few objects from many goroutines all commit, and the
// replicas end up identical to the primary.
func TestOSDConcurrentWrites(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.close()
	pg := repPG(3, 1)

	var wg sync.WaitGroup
	var lock sync.Mutex
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			oid := core.ObjectID{Ino: 1000 + uint64(i%4)}
			lock.Lock()
			c.reqs++
			tid := c.reqs
			lock.Unlock()
			ch := make(chan core.OpReply, 2)
			c.osds[1].Dispatch(&core.OpRequest{
				ReqID: core.ReqID{Client: "concurrent", Tid: tid},
				PG:    pg, OID: oid, Type: core.OpWrite, Offset: int64(i), Data: []byte{byte(i)},
				Epoch: 1,
				Reply: func(r core.OpReply) { ch <- r },
			})
			for {
				select {
				case r := <-ch:
					if r.Result != core.NoError {
						t.Errorf("write %d failed: %s", i, r.Result)
						return
					}
					if r.Commit {
						return
					}
				case <-time.After(5 * time.Second):
					t.Errorf("write %d timed out", i)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	// seed 1 on three nodes puts the primary on node 1.
	primary := c.stores[1]
	for _, oid := range primary.List() {
		if oid.Ino == core.PGIno {
			continue
		}
		want, _ := primary.Read(context.Background(), core.NewObjectExtent(oid, 0, 100))
		wantSt, _ := primary.Stat(context.Background(), oid)
		for i, s := range c.stores {
			got, _ := s.Read(context.Background(), core.NewObjectExtent(oid, 0, 100))
			st, _ := s.Stat(context.Background(), oid)
			if string(got) != string(want) || st != wantSt {
				t.Errorf("node %d differs on %s: %+v vs %+v", i, oid, st, wantSt)
			}
		}
	}
	if st := c.osds[1].PGStats()[0]; st.LastComplete != core.MakeVersion(1, 30) {
		t.Fatalf("expected LastComplete 1'30, got %s", st.LastComplete)
	}
}

// A replica that can't be reached fails the write instead of hanging it.
func TestOSDUnreachableReplica(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.close()
	pg := repPG(3, 0)

	c.net.setDown(2, true)
	replies := c.modify(0, pg, core.OpWrite, oidA, 0, []byte("x"))
	last := replies[len(replies)-1]
	if !last.Commit || last.Result != core.ErrRPC {
		t.Fatalf("expected a commit with ErrRPC, got %+v", replies)
	}

	c.net.setDown(2, false)
	replies = c.modify(0, pg, core.OpWrite, oidA, 0, []byte("y"))
	if last = replies[len(replies)-1]; !last.Commit || last.Result != core.NoError {
		t.Fatalf("write after recovery failed: %+v", replies)
	}
}

// A failed local store fails the write with its error.
func TestOSDLocalStoreFailure(t *testing.T) {
	c := newTestCluster(t, 2)
	defer c.close()
	pg := repPG(2, 0)

	c.stores[0].SetFailure(func(txn *core.Transaction) core.Error { return core.ErrNoSpace })
	replies := c.modify(0, pg, core.OpWrite, oidA, 0, []byte("x"))
	if len(replies) != 1 || replies[0].Result != core.ErrNoSpace || replies[0].Ack || replies[0].Commit {
		t.Fatalf("expected one ErrNoSpace reply, got %+v", replies)
	}
}

// Nodes refuse placement groups they aren't members of, and writes sent to
// a replica.
func TestOSDWrongNode(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.close()

	// Two members starting at node 1.
	pg := repPG(2, 1)
	if r := c.modify(0, pg, core.OpWrite, oidA, 0, []byte("x")); r[0].Result != core.ErrNoSuchPG {
		t.Fatalf("expected ErrNoSuchPG, got %+v", r)
	}
	if r := c.modify(2, pg, core.OpWrite, oidA, 0, []byte("x")); r[0].Result != core.ErrNotPrimary {
		t.Fatalf("expected ErrNotPrimary, got %+v", r)
	}
}

// A new epoch with a new primary moves writes over, and versions carry the
// new epoch.
func TestOSDAdvanceEpoch(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.close()
	pg := repPG(3, 0)

	c.modify(0, pg, core.OpWrite, oidA, 0, []byte("one"))

	c.table.Set(4, pg, []core.NodeID{1, 0, 2})
	for _, o := range c.osds {
		if err := o.AdvanceEpoch(4); err != nil {
			t.Fatalf("advance: %s", err)
		}
	}
	sb := c.osds[0].Superblock()
	if sb.CurrentEpoch != 4 || sb.NewestMap != 4 {
		t.Fatalf("superblock not advanced: %s", sb)
	}
	if loaded, err := c.sbs[0].Load(); err != nil || loaded != sb {
		t.Fatalf("advance not durable: %s %v", loaded, err)
	}

	if r := c.modify(0, pg, core.OpWrite, oidA, 0, []byte("two")); r[0].Result != core.ErrNotPrimary {
		t.Fatalf("old primary took a write: %+v", r)
	}
	r := c.modify(1, pg, core.OpWrite, oidA, 0, []byte("two"))
	if last := r[len(r)-1]; !last.Commit || last.Result != core.NoError || last.Version.Epoch != 4 {
		t.Fatalf("write on the new primary: %+v", r)
	}
	b, _ := c.stores[0].Read(context.Background(), core.NewObjectExtent(oidA, 0, 3))
	if string(b) != "two" {
		t.Fatalf("old primary didn't get the write as a replica: %q", b)
	}

	// Going back fails and changes nothing.
	if err := c.osds[0].AdvanceEpoch(3); err != core.ErrEpochRegress {
		t.Fatalf("expected ErrEpochRegress, got %v", err)
	}
	if c.osds[0].Epoch() != 4 {
		t.Fatalf("epoch went back")
	}
}

// The oldest retained map trails the current epoch.
func TestOSDEpochsToKeep(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.close()
	o := c.osds[0]
	o.cfg.EpochsToKeep = 3
	for _, e := range []core.Epoch{2, 5, 9} {
		if err := o.AdvanceEpoch(e); err != nil {
			t.Fatal(err)
		}
	}
	if sb := o.Superblock(); sb.OldestMap != 6 || sb.CurrentEpoch != 9 {
		t.Fatalf("bad retained range %s", sb)
	}
}

// A restarted node picks up where its placement group left off.
func TestOSDRestart(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.close()
	pg := repPG(1, 0)
	c.modify(0, pg, core.OpWrite, oidA, 0, []byte("a"))
	c.modify(0, pg, core.OpWrite, oidB, 0, []byte("b"))

	// A second OSD over the same store and superblock.
	cfg := DefaultTestConfig
	o := NewOSD(&cfg, c.sbs[0], c.stores[0], c.net, c.table)
	defer o.Close()
	c.net.lock.Lock()
	c.net.osds[0] = o
	c.net.lock.Unlock()
	c.osds[0].Close()
	c.osds[0] = o

	r := c.modify(0, pg, core.OpWrite, oidA, 0, []byte("c"))
	if last := r[len(r)-1]; last.Version != core.MakeVersion(1, 3) {
		t.Fatalf("expected 1'3 after restart, got %+v", r)
	}
}

// mockPlacement is a Placement driven by a GenericMock.
type mockPlacement struct {
	*test.GenericMock
}

func (m mockPlacement) MembersOf(pg core.PGID, e core.Epoch) []core.NodeID {
	return m.GetResult("MembersOf", pg, e).([]core.NodeID)
}

// The placement is asked once, when the placement group is created, and
// again for each new epoch.
func TestOSDPlacementQueries(t *testing.T) {
	mp := mockPlacement{test.NewGenericMock(t)}
	pg := repPG(1, 0)
	cfg := DefaultTestConfig
	sbs, err := OpenSuperblockStore(superblockPath(t))
	if err != nil {
		t.Fatal(err)
	}
	defer sbs.Close()
	sbs.Format(1, 0)
	store := NewMemStore("mock")
	defer store.Close()
	o := NewOSD(&cfg, sbs, store, &fakeMessenger{}, mp)
	defer o.Close()

	mp.AddCall("MembersOf", []core.NodeID{0}, pg, core.Epoch(0))
	mp.AddCall("MembersOf", []core.NodeID{0}, pg, core.Epoch(2))

	ch := make(chan core.OpReply, 2)
	o.Dispatch(&core.OpRequest{PG: pg, OID: oidA, Type: core.OpWrite, Data: []byte("x"), Reply: func(r core.OpReply) { ch <- r }})
	<-ch
	<-ch
	if err := o.AdvanceEpoch(2); err != nil {
		t.Fatal(err)
	}
	if st := o.PGStats(); len(st) != 1 || st[0].Epoch != 2 {
		t.Fatalf("bad stats %+v", st)
	}
	mp.NoMoreCalls()
}
