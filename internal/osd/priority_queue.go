// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"container/heap"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by TryPush on a full queue.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueClosed is returned by TryPush once the queue is closed.
	ErrQueueClosed = errors.New("queue is closed")
)

// PQAble is an element of a PriorityQueue.
type PQAble interface {
	// Less returns true if the element should come out before 'other'.
	Less(other interface{}) bool
}

// PriorityQueue is a blocking heap of PQAbles, optionally bounded. The
// smallest element according to Less comes out first, and elements neither
// less than the other come out in the order they were pushed.
//
// Closing the queue stops pushes; elements already in it can still be
// popped. PriorityQueue is thread-safe.
type PriorityQueue struct {
	lock     sync.Mutex
	nonEmpty sync.Cond

	items  pqHeap
	max    int
	closed bool

	// Pushes so far, stamped on each entry under lock.
	pushes uint64
}

// NewPriorityQueue returns a queue that holds at most 'max' elements, or any
// number if 'max' is not positive.
func NewPriorityQueue(max int) *PriorityQueue {
	q := &PriorityQueue{max: max}
	q.nonEmpty.L = &q.lock
	return q
}

// TryPush adds 'item' unless the queue is full or closed.
func (q *PriorityQueue) TryPush(item PQAble) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	switch {
	case q.closed:
		return ErrQueueClosed
	case q.max > 0 && len(q.items) >= q.max:
		return ErrQueueFull
	}
	q.pushes++
	heap.Push(&q.items, pqEntry{item: item, seq: q.pushes})

	// Every popper waits on the empty edge, so wake them all there.
	if len(q.items) == 1 {
		q.nonEmpty.Broadcast()
	}
	return nil
}

// Pop removes and returns the smallest element, waiting for one if the
// queue is empty. ok is false once the queue is closed and drained.
func (q *PriorityQueue) Pop() (item PQAble, ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.nonEmpty.Wait()
	}
	return heap.Pop(&q.items).(pqEntry).item, true
}

// Len returns the number of queued elements.
func (q *PriorityQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// Close refuses further pushes and wakes poppers waiting on an empty queue.
func (q *PriorityQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	q.nonEmpty.Broadcast()
}

type pqEntry struct {
	item PQAble
	seq  uint64
}

// pqHeap implements heap.Interface.
type pqHeap []pqEntry

func (h pqHeap) Len() int      { return len(h) }
func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h pqHeap) Less(i, j int) bool {
	a, b := h[i].item, h[j].item
	if a.Less(b) {
		return true
	}
	if b.Less(a) {
		return false
	}
	return h[i].seq < h[j].seq
}

func (h *pqHeap) Push(x interface{}) { *h = append(*h, x.(pqEntry)) }

func (h *pqHeap) Pop() interface{} {
	n := len(*h) - 1
	last := (*h)[n]
	(*h)[n] = pqEntry{}
	*h = (*h)[:n]
	return last
}
