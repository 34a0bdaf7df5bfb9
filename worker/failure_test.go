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

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowcore/streamrt/actor"
	"github.com/flowcore/streamrt/barrier"
	"github.com/flowcore/streamrt/control"
)

func TestClassifyScoring(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.New("channel closed"), scoreChannelClosed},
		{errors.New("internal stream error"), scoreInternal},
		{errors.New("executor panicked: divide by zero"), scoreDefault},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%q) = %d, want %d", c.err, got, c.want)
		}
	}
}

// S6 — of two actors failing within a short window, the one with the
// higher-scored (non channel-closed) error must be reported as root
// cause.
func TestFailureAggregationPicksHigherScoringRoot(t *testing.T) {
	w := newTestWorker()
	w.FailureWindow = 100 * time.Millisecond

	responses := make(chan control.Outbound, 2)
	requests := make(chan control.Inbound, 1)
	doneCh := make(chan struct{})
	w.ctl.Reset(&control.Pair{Responses: responses, Requests: requests, Done: doneCh}, nil)

	w.state.TransformToIssued(barrier.Barrier{Epoch: barrier.Epoch{Prev: 0, Curr: 1}, Kind: barrier.KindBarrier}, []ActorID{10, 20})

	// Drive the second failure through the real runtime, since
	// Failures() is read-only from here: spawn an actor whose behavior
	// returns the higher-scored error shortly after the first failure
	// is reported directly below.
	secondErr := errors.New("executor panicked: index out of range")
	a := actor.New(20, 0, func(ctx context.Context, self *actor.Actor) error {
		time.Sleep(20 * time.Millisecond)
		return secondErr
	})
	w.runtime.Spawn(context.Background(), a)

	first := actor.Failure{ActorID: 10, Err: errors.New("channel closed")}
	w.notifyFailure(context.Background(), first)

	select {
	case out := <-responses:
		var blocked *CollectionBlockedError
		if !errors.As(out.Err, &blocked) {
			t.Fatalf("expected CollectionBlockedError, got %v", out.Err)
		}
		if blocked.ActorID != 20 {
			t.Fatalf("expected root cause actor 20 (higher score), got %d: %v", blocked.ActorID, blocked.Cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control stream reset")
	}
}
