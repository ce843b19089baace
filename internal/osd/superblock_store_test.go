// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"path/filepath"
	"testing"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	test "github.com/westerndigitalcorporation/pgstore/pkg/testutil"
)

func superblockPath(t *testing.T) string {
	return filepath.Join(test.MkTempDir(t, "sb"), "superblock.db")
}

func TestSuperblockStore(t *testing.T) {
	path := superblockPath(t)
	s, err := OpenSuperblockStore(path)
	if err != nil {
		t.Fatalf("open: %s", err)
	}

	if _, err := s.Load(); err != ErrNotFormatted {
		t.Fatalf("expected ErrNotFormatted, got %v", err)
	}
	sb, err := s.Format(0xfeed, 3)
	if err != nil {
		t.Fatalf("format: %s", err)
	}
	if sb.FSID != 0xfeed || sb.WhoAmI != 3 || sb.CurrentEpoch != 0 {
		t.Fatalf("bad fresh superblock %s", sb)
	}
	if _, err := s.Format(1, 1); err != ErrFormatted {
		t.Fatalf("expected ErrFormatted, got %v", err)
	}

	if sb, err = s.Advance(5, 1, 6); err != nil {
		t.Fatalf("advance: %s", err)
	}
	if _, err := s.Advance(4, 1, 6); err != core.ErrEpochRegress {
		t.Fatalf("expected ErrEpochRegress, got %v", err)
	}
	if _, err := s.Advance(7, 1, 6); err != core.ErrEpochRange {
		t.Fatalf("expected ErrEpochRange, got %v", err)
	}
	if got := s.Get(); got != sb {
		t.Fatalf("failed advances changed the superblock: %s", got)
	}
	s.Close()

	// Everything is durable across a reopen.
	s, err = OpenSuperblockStore(path)
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer s.Close()
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if got != sb || got.CurrentEpoch != 5 || got.OldestMap != 1 || got.NewestMap != 6 {
		t.Fatalf("loaded %s, expected %s", got, sb)
	}
}
