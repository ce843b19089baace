// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"sort"
	"sync"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// Placement maps a placement group to its members.
type Placement interface {
	// MembersOf returns the members of 'pg' in epoch 'e', primary first.
	// An empty result means the placement group has no members.
	MembersOf(pg core.PGID, e core.Epoch) []core.NodeID
}

// RingPlacement places a placement group on Size consecutive nodes of a
// sorted ring, starting at the node picked by its seed. A preferred node, if
// it is on the ring, goes first. Epochs don't change anything.
type RingPlacement struct {
	nodes []core.NodeID
}

// NewRingPlacement returns a RingPlacement over 'nodes'.
func NewRingPlacement(nodes []core.NodeID) *RingPlacement {
	r := &RingPlacement{nodes: append([]core.NodeID(nil), nodes...)}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i] < r.nodes[j] })
	return r
}

// MembersOf implements Placement.
func (r *RingPlacement) MembersOf(pg core.PGID, e core.Epoch) []core.NodeID {
	n := len(r.nodes)
	size := pg.Size()
	if n == 0 || size == 0 {
		return nil
	}
	if size > n {
		size = n
	}

	out := make([]core.NodeID, 0, size)
	pref := core.NodeID(pg.Preferred())
	for _, id := range r.nodes {
		if id == pref {
			out = append(out, pref)
			break
		}
	}
	for i := 0; len(out) < size; i++ {
		id := r.nodes[(int(pg.Seed())+i)%n]
		if id != pref {
			out = append(out, id)
		}
	}
	return out
}

// TablePlacement holds explicit member lists that change by epoch. A lookup
// uses the newest table at or before the epoch asked for, and falls back to
// another Placement for placement groups it has no entry for.
//
// TablePlacement is thread-safe.
type TablePlacement struct {
	lock     sync.RWMutex
	epochs   []core.Epoch // sorted
	tables   map[core.Epoch]map[core.PGID][]core.NodeID
	fallback Placement
}

// NewTablePlacement returns an empty TablePlacement. 'fallback' may be nil.
func NewTablePlacement(fallback Placement) *TablePlacement {
	return &TablePlacement{
		tables:   make(map[core.Epoch]map[core.PGID][]core.NodeID),
		fallback: fallback,
	}
}

// Set records the members of 'pg' from epoch 'e' on.
func (t *TablePlacement) Set(e core.Epoch, pg core.PGID, members []core.NodeID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	tab, ok := t.tables[e]
	if !ok {
		// Start from the previous table so that unchanged entries carry over.
		tab = make(map[core.PGID][]core.NodeID)
		if prev, ok := t.tableAt(e); ok {
			for k, v := range prev {
				tab[k] = v
			}
		}
		t.tables[e] = tab
		t.epochs = append(t.epochs, e)
		sort.Slice(t.epochs, func(i, j int) bool { return t.epochs[i] < t.epochs[j] })
	}
	tab[pg] = append([]core.NodeID(nil), members...)
}

// tableAt returns the newest table at or before 'e'. Call with the lock held.
func (t *TablePlacement) tableAt(e core.Epoch) (map[core.PGID][]core.NodeID, bool) {
	i := sort.Search(len(t.epochs), func(i int) bool { return t.epochs[i] > e })
	if i == 0 {
		return nil, false
	}
	return t.tables[t.epochs[i-1]], true
}

// MembersOf implements Placement.
func (t *TablePlacement) MembersOf(pg core.PGID, e core.Epoch) []core.NodeID {
	t.lock.RLock()
	tab, ok := t.tableAt(e)
	var members []core.NodeID
	if ok {
		members, ok = tab[pg]
	}
	t.lock.RUnlock()

	if ok {
		return append([]core.NodeID(nil), members...)
	}
	if t.fallback != nil {
		return t.fallback.MembersOf(pg, e)
	}
	return nil
}
