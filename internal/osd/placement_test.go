// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"reflect"
	"testing"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

func TestRingPlacement(t *testing.T) {
	r := NewRingPlacement([]core.NodeID{4, 1, 3, 2, 0})
	tests := []struct {
		pg  core.PGID
		exp []core.NodeID
	}{
		{core.MakePGID(core.PGTypeRep, 3, 0, core.NoPreferred, 0), []core.NodeID{0, 1, 2}},
		{core.MakePGID(core.PGTypeRep, 3, 3, core.NoPreferred, 0), []core.NodeID{3, 4, 0}},
		{core.MakePGID(core.PGTypeRep, 2, 6, core.NoPreferred, 0), []core.NodeID{1, 2}},
		{core.MakePGID(core.PGTypeRep, 3, 0, 4, 0), []core.NodeID{4, 0, 1}},
		{core.MakePGID(core.PGTypeRep, 2, 0, 9, 0), []core.NodeID{0, 1}},
		{core.MakePGID(core.PGTypeRep, 9, 0, core.NoPreferred, 0), []core.NodeID{0, 1, 2, 3, 4}},
		{core.MakePGID(core.PGTypeRep, 0, 0, core.NoPreferred, 0), nil},
	}
	for _, test := range tests {
		got := r.MembersOf(test.pg, 1)
		if !reflect.DeepEqual(got, test.exp) {
			t.Errorf("%s: got %v, expected %v", test.pg, got, test.exp)
		}
	}

	if got := NewRingPlacement(nil).MembersOf(tests[0].pg, 1); got != nil {
		t.Errorf("empty ring placed %v", got)
	}
}

func TestTablePlacement(t *testing.T) {
	pg1 := core.MakePGID(core.PGTypeRep, 2, 1, core.NoPreferred, 0)
	pg2 := core.MakePGID(core.PGTypeRep, 2, 2, core.NoPreferred, 0)
	ring := NewRingPlacement([]core.NodeID{0, 1, 2})
	tp := NewTablePlacement(ring)

	tp.Set(2, pg1, []core.NodeID{2, 0})
	tp.Set(5, pg2, []core.NodeID{1, 2})
	tp.Set(5, pg1, []core.NodeID{0, 2})

	tests := []struct {
		pg  core.PGID
		e   core.Epoch
		exp []core.NodeID
	}{
		{pg1, 1, ring.MembersOf(pg1, 1)},
		{pg1, 2, []core.NodeID{2, 0}},
		{pg1, 4, []core.NodeID{2, 0}},
		{pg1, 5, []core.NodeID{0, 2}},
		{pg1, 100, []core.NodeID{0, 2}},
		{pg2, 4, ring.MembersOf(pg2, 4)},
		{pg2, 5, []core.NodeID{1, 2}},
	}
	for _, test := range tests {
		if got := tp.MembersOf(test.pg, test.e); !reflect.DeepEqual(got, test.exp) {
			t.Errorf("%s@%d: got %v, expected %v", test.pg, test.e, got, test.exp)
		}
	}

	// The result is a copy.
	tp.MembersOf(pg1, 5)[0] = 9
	if got := tp.MembersOf(pg1, 5); got[0] != 0 {
		t.Errorf("caller changed the table: %v", got)
	}

	// Without a fallback unknown groups have no members.
	if got := NewTablePlacement(nil).MembersOf(pg1, 1); got != nil {
		t.Errorf("expected nothing, got %v", got)
	}
}
