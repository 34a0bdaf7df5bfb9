// Copyright (C) 2024 flowcore Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ratelimit provides a token-bucket row-rate limiter for
// sources (the DML executor's write stream, in particular) that need
// to throttle throughput to a configured rows-per-second ceiling
// without dropping or reordering rows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Unlimited, used as the rows-per-second value, disables limiting.
const Unlimited uint64 = 0

// Limiter throttles a stream of row batches to at most N rows per
// second, averaged over a short window. The zero value is not usable;
// construct with New.
type Limiter struct {
	mu         sync.Mutex
	rowsPerSec uint64
	tokens     float64
	capacity   float64
	last       time.Time
	now        func() time.Time
}

// New returns a Limiter allowing rowsPerSec rows per second. A
// rowsPerSec of Unlimited (0) disables limiting entirely: Wait always
// returns immediately.
func New(rowsPerSec uint64) *Limiter {
	return &Limiter{
		rowsPerSec: rowsPerSec,
		tokens:     float64(rowsPerSec),
		capacity:   float64(rowsPerSec),
		last:       time.Now(),
		now:        time.Now,
	}
}

// SetLimit adjusts the rate at runtime (e.g. in response to an Update
// mutation carrying a new rate-limit value). The bucket capacity is
// reset to the new rate so a lowered limit takes effect immediately
// rather than draining a stale, larger bucket.
func (l *Limiter) SetLimit(rowsPerSec uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rowsPerSec = rowsPerSec
	l.capacity = float64(rowsPerSec)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

func (l *Limiter) refillLocked() {
	if l.rowsPerSec == Unlimited {
		return
	}
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * float64(l.rowsPerSec)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Wait blocks until n rows' worth of tokens are available, or ctx is
// done. n may exceed the bucket capacity, in which case Wait still
// eventually admits the batch whole: chunk rows are never split to fit
// the rate limiter, only delayed.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		if l.rowsPerSec == Unlimited {
			l.mu.Unlock()
			return nil
		}
		l.refillLocked()
		need := float64(n)
		// A batch larger than the bucket is admitted once the bucket is
		// full; the balance goes negative and later calls wait it off.
		threshold := need
		if threshold > l.capacity {
			threshold = l.capacity
		}
		if l.tokens >= threshold {
			l.tokens -= need
			l.mu.Unlock()
			return nil
		}
		deficit := threshold - l.tokens
		rate := float64(l.rowsPerSec)
		l.mu.Unlock()

		wait := time.Duration(deficit / rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Limit returns the currently configured rows-per-second ceiling.
func (l *Limiter) Limit() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rowsPerSec
}
