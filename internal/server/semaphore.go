// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

// Semaphore hands out up to a fixed number of permits. The zero value has
// no permits; use NewSemaphore.
type Semaphore struct {
	permits chan struct{}
}

// NewSemaphore returns a Semaphore with 'max' permits.
func NewSemaphore(max int) Semaphore {
	return Semaphore{permits: make(chan struct{}, max)}
}

// Acquire takes a permit, waiting for one if none is free.
func (s Semaphore) Acquire() {
	s.permits <- struct{}{}
}

// TryAcquire takes a permit if one is free right now.
func (s Semaphore) TryAcquire() bool {
	select {
	case s.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release gives back a permit taken by Acquire or TryAcquire.
func (s Semaphore) Release() {
	<-s.permits
}

// InUse returns the number of permits taken.
func (s Semaphore) InUse() int {
	return len(s.permits)
}
