// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"time"

	log "github.com/golang/glog"
)

// Priority of work on a placement group's queue.
type Priority int

// Pre-defined priority levels.
const (
	LowPri  Priority = 10
	MedPri  Priority = 20
	HighPri Priority = 30

	// Client requests run after anything already in flight has had its
	// replies and completions processed.
	ClientPri  = MedPri
	ControlPri = HighPri
)

// work is one item on a pgQueue.
type work struct {
	priority Priority

	enqueueTime time.Time

	fn func()
}

// Less orders by priority. The queue keeps work of one priority in the
// order it was posted.
func (w work) Less(q interface{}) bool {
	return w.priority > q.(work).priority
}

// pgQueue runs the work of one placement group, one item at a time, on its
// own goroutine. Everything that touches a ReplicatedPG goes through here.
type pgQueue struct {
	name  string
	queue *PriorityQueue

	done chan struct{}
}

func newPGQueue(name string) *pgQueue {
	q := &pgQueue{
		name:  name,
		queue: NewPriorityQueue(0),
		done:  make(chan struct{}),
	}
	go q.worker()
	return q
}

// post adds 'fn' to the queue at priority 'pri'. It returns false if the
// queue has been stopped, in which case 'fn' will never run.
func (q *pgQueue) post(pri Priority, fn func()) bool {
	w := work{priority: pri, enqueueTime: time.Now(), fn: fn}
	metricQueueLength.Observe(float64(q.queue.Len()))
	switch err := q.queue.TryPush(w); err {
	case nil:
		return true
	case ErrQueueClosed:
		return false
	default:
		log.Fatalf("%s: dropped work on an unbounded queue: %s", q.name, err)
		return false
	}
}

// runSync posts 'fn' and waits for it to run.
func (q *pgQueue) runSync(pri Priority, fn func()) bool {
	ch := make(chan struct{})
	if !q.post(pri, func() { fn(); close(ch) }) {
		return false
	}
	<-ch
	return true
}

// stop lets the worker finish what is already queued and waits for it to exit.
func (q *pgQueue) stop() {
	q.queue.Close()
	<-q.done
}

func (q *pgQueue) worker() {
	defer close(q.done)
	for {
		item, ok := q.queue.Pop()
		if !ok {
			log.V(1).Infof("%s: queue worker exiting", q.name)
			return
		}
		w := item.(work)
		metricQueueWait.Observe(time.Since(w.enqueueTime).Seconds())
		w.fn()
	}
}
