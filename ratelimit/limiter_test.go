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

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	l := New(Unlimited)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 1_000_000); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitConsumesBucketImmediatelyUpToCapacity(t *testing.T) {
	l := New(100)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 100); err != nil {
		t.Fatalf("Wait within capacity should not block: %v", err)
	}
}

func TestWaitBlocksPastCapacityThenAdmits(t *testing.T) {
	l := New(1000) // 1000 rows/sec
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// drain the initial full bucket first
	if err := l.Wait(ctx, 1000); err != nil {
		t.Fatalf("initial drain: %v", err)
	}
	// next 500 rows require ~0.5s at 1000 rows/sec
	if err := l.Wait(ctx, 500); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("expected to wait roughly 500ms, only waited %v", elapsed)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("initial token should be free: %v", err)
	}
	if err := l.Wait(ctx, 1_000_000); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSetLimitCapsExistingTokens(t *testing.T) {
	l := New(1000)
	l.SetLimit(10)
	if l.Limit() != 10 {
		t.Fatalf("got %d, want 10", l.Limit())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 10); err != nil {
		t.Fatalf("expected capped bucket to still admit its own capacity: %v", err)
	}
}
