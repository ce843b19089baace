// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task is run by Retrier.Do until it returns true. It is passed the attempt
// number, starting at zero.
type Task func(attempt int) (done bool)

// Backoff produces growing sleep times between MinSleep and MaxSleep. Each
// step multiplies the last sleep by a random factor in [1.75, 2.25). Once
// MaxSleep is reached, sleeps stay near it with up to MinSleep of jitter.
// A Backoff is not thread-safe.
type Backoff struct {
	MinSleep time.Duration
	MaxSleep time.Duration

	cur time.Duration
}

// Next returns the next sleep time.
func (b *Backoff) Next() time.Duration {
	if b.MaxSleep < b.MinSleep {
		b.MaxSleep = b.MinSleep
	}
	if b.cur == 0 {
		b.cur = b.MinSleep
		return b.cur
	}
	b.cur = time.Duration(float64(b.cur) * (1.75 + 0.5*rand.Float64()))
	if b.cur > b.MaxSleep {
		b.cur = b.MaxSleep
		if b.MinSleep > 0 {
			return b.MaxSleep + time.Duration(rand.Int63n(int64(b.MinSleep)))
		}
	}
	return b.cur
}

// Reset starts the sequence over at MinSleep.
func (b *Backoff) Reset() {
	b.cur = 0
}

// Retrier runs a Task until it succeeds, sleeping with a Backoff between
// attempts. A zero MaxRetry or MaxNumRetries means no limit of that kind.
type Retrier struct {
	MinSleep time.Duration
	MaxSleep time.Duration

	// MaxRetry bounds the total time spent. An attempt isn't started if the
	// sleep before it would take us past MaxRetry.
	MaxRetry time.Duration

	// MaxNumRetries bounds the number of attempts.
	MaxNumRetries int
}

// Do runs 'task' until it returns true, which gives (true, false). Running
// out of attempts or time gives (false, false) and a cancelled 'ctx' gives
// (false, true).
func (r Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	b := Backoff{MinSleep: r.MinSleep, MaxSleep: r.MaxSleep}
	start := time.Now()
	sleep := time.Duration(0)
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries {
			return false, false
		}
		if i > 0 && r.MaxRetry > 0 && time.Since(start)+sleep > r.MaxRetry {
			return false, false
		}
		if i > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return false, true
			}
		}
		if ctx.Err() != nil {
			return false, true
		}
		if task(i) {
			return true, false
		}
		sleep = b.Next()
	}
}
