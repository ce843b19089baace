// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"testing"
	"time"
)

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatalf("couldn't take two permits")
	}
	if s.TryAcquire() {
		t.Fatalf("took a third permit")
	}
	if s.InUse() != 2 {
		t.Fatalf("%d in use, expected 2", s.InUse())
	}

	got := make(chan bool)
	go func() {
		s.Acquire()
		got <- true
	}()
	select {
	case <-got:
		t.Fatalf("Acquire didn't wait")
	case <-time.After(20 * time.Millisecond):
	}
	s.Release()
	<-got
	s.Release()
	s.Release()
	if s.InUse() != 0 {
		t.Fatalf("%d in use, expected 0", s.InUse())
	}
}
