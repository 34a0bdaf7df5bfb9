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

package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/flowcore/streamrt/statestore"
)

func withDeadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCollectNonCheckpointCompletesWithoutStore(t *testing.T) {
	s := New(nil)
	b := Barrier{Epoch: Epoch{Prev: 0, Curr: 1}, Kind: KindBarrier}
	s.TransformToIssued(b, []ActorID{1, 2})

	ctx := withDeadline(t)
	s.Collect(ctx, 1, 1)
	s.Collect(ctx, 2, 1)

	completed, err := s.NextCompletedEpoch(ctx)
	if err != nil {
		t.Fatalf("NextCompletedEpoch: %v", err)
	}
	if completed.Epoch.Curr != 1 {
		t.Fatalf("got epoch %d, want 1", completed.Epoch.Curr)
	}
}

func TestCollectCheckpointRunsSync(t *testing.T) {
	store := statestore.NewMemStore()
	s := New(store)
	b := Barrier{Epoch: Epoch{Prev: 0, Curr: 5}, Kind: KindCheckpoint}
	s.TransformToIssued(b, []ActorID{1})

	ctx := withDeadline(t)
	s.Collect(ctx, 1, 5)

	completed, err := s.NextCompletedEpoch(ctx)
	if err != nil {
		t.Fatalf("NextCompletedEpoch: %v", err)
	}
	if completed.Epoch.Curr != 5 || completed.Kind != KindCheckpoint {
		t.Fatalf("unexpected completion: %+v", completed)
	}
	if len(completed.Result.SSTables) != 1 {
		t.Fatalf("expected sync result to carry sstables, got %+v", completed.Result)
	}
}

func TestNextCompletedEpochRespectsMonotonicOrder(t *testing.T) {
	s := New(statestore.NewMemStore())
	s.TransformToIssued(Barrier{Epoch: Epoch{Prev: 0, Curr: 1}, Kind: KindBarrier}, []ActorID{1})
	s.TransformToIssued(Barrier{Epoch: Epoch{Prev: 1, Curr: 2}, Kind: KindBarrier}, []ActorID{1})

	ctx := withDeadline(t)
	// Collect the later epoch first; it must not be reported until
	// epoch 1 also completes.
	s.Collect(ctx, 1, 2)

	done := make(chan CompletedEpoch, 1)
	go func() {
		c, err := s.NextCompletedEpoch(ctx)
		if err == nil {
			done <- c
		}
	}()

	select {
	case <-done:
		t.Fatal("epoch 2 completed out of order before epoch 1 was collected")
	case <-time.After(100 * time.Millisecond):
	}

	s.Collect(ctx, 1, 1)
	completed := <-done
	if completed.Epoch.Curr != 1 {
		t.Fatalf("got epoch %d, want 1", completed.Epoch.Curr)
	}
	completed2, err := s.NextCompletedEpoch(ctx)
	if err != nil {
		t.Fatalf("NextCompletedEpoch: %v", err)
	}
	if completed2.Epoch.Curr != 2 {
		t.Fatalf("got epoch %d, want 2", completed2.Epoch.Curr)
	}
}

func TestCollectUnknownActorAndEpochAreIgnored(t *testing.T) {
	s := New(nil)
	b := Barrier{Epoch: Epoch{Prev: 0, Curr: 1}, Kind: KindBarrier}
	s.TransformToIssued(b, []ActorID{1})

	ctx := withDeadline(t)
	s.Collect(ctx, 99, 1)   // unknown actor: ignored
	s.Collect(ctx, 1, 404)  // unknown epoch: ignored
	if got := s.EpochsAwaitOnActor(1); len(got) != 1 {
		t.Fatalf("expected actor 1 still awaited, got %v", got)
	}
	s.Collect(ctx, 1, 1)
	if got := s.EpochsAwaitOnActor(1); len(got) != 0 {
		t.Fatalf("expected no epochs left, got %v", got)
	}
}

func TestEpochsAwaitOnActorOrdering(t *testing.T) {
	s := New(nil)
	s.TransformToIssued(Barrier{Epoch: Epoch{Prev: 0, Curr: 3}, Kind: KindBarrier}, []ActorID{7})
	s.TransformToIssued(Barrier{Epoch: Epoch{Prev: 3, Curr: 4}, Kind: KindBarrier}, []ActorID{7})
	s.TransformToIssued(Barrier{Epoch: Epoch{Prev: 4, Curr: 9}, Kind: KindBarrier}, []ActorID{7})

	got := s.EpochsAwaitOnActor(7)
	if len(got) != 3 || got[0].Curr != 3 || got[1].Curr != 4 || got[2].Curr != 9 {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestAddProgressIgnoresUnknownEpoch(t *testing.T) {
	s := New(nil)
	s.AddProgress(123, CreateMviewProgress("unknown"))
	if got := s.PendingEpochs(); len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}
