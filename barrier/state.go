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
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/flowcore/streamrt/statestore"
)

// syncState is the state-store-future lifecycle for one barrier entry:
// NotStarted, Running, or Done, per spec.md section 4.4.
type syncState uint8

const (
	syncNotStarted syncState = iota
	syncRunning
	syncDone
)

// CreateMviewProgress is forwarded opaquely by the core; see spec.md
// section 9's open question on cross-epoch aggregation semantics.
type CreateMviewProgress []byte

// Entry is the managed state tracked for one issued barrier.
type Entry struct {
	Epoch           Epoch
	Kind            Kind
	awaited         map[ActorID]struct{}
	notYetCollected map[ActorID]struct{}
	Progress        []CreateMviewProgress

	state      syncState
	syncResult statestore.SyncResult
	syncErr    error
}

// CompletedEpoch is yielded by NextCompletedEpoch.
type CompletedEpoch struct {
	Epoch  Epoch
	Kind   Kind
	Result statestore.SyncResult
}

// ManagedBarrierState tracks every in-flight barrier for one worker:
// which actors are still expected to collect it, and — once collection
// completes — the state-store sync future for checkpoint barriers.
type ManagedBarrierState struct {
	mu      sync.Mutex
	entries map[uint64]*Entry // keyed by Epoch.Curr
	notify  chan struct{}
	store   statestore.Store
}

// New returns an empty ManagedBarrierState backed by store. store may
// be nil if the worker never issues checkpoint barriers (tests only).
func New(store statestore.Store) *ManagedBarrierState {
	return &ManagedBarrierState{
		entries: make(map[uint64]*Entry),
		notify:  make(chan struct{}),
		store:   store,
	}
}

func toSet(ids []ActorID) map[ActorID]struct{} {
	m := make(map[ActorID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// TransformToIssued records a newly issued barrier and the set of
// actors it must be collected from.
func (s *ManagedBarrierState) TransformToIssued(b Barrier, toCollect []ActorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[b.Epoch.Curr] = &Entry{
		Epoch:           b.Epoch,
		Kind:            b.Kind,
		awaited:         toSet(toCollect),
		notYetCollected: toSet(toCollect),
	}
}

// AddProgress accumulates one create-mview-progress payload for the
// given epoch. Unknown epochs are ignored: an actor reporting progress
// for an epoch that already completed is a benign race, not an error.
func (s *ManagedBarrierState) AddProgress(epochCurr uint64, p CreateMviewProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[epochCurr]; ok {
		e.Progress = append(e.Progress, p)
	}
}

// Collect removes actor from the not-yet-collected set of the entry
// for epoch. Per invariant (ii), a collect call for an unknown actor or
// an epoch with no matching entry is silently ignored — the actor may
// have been added late or the epoch may already have completed.
//
// ctx bounds the state-store sync spawned when the last actor for a
// checkpoint barrier collects.
func (s *ManagedBarrierState) Collect(ctx context.Context, actorID ActorID, epochCurr uint64) {
	s.mu.Lock()
	e, ok := s.entries[epochCurr]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, awaited := e.notYetCollected[actorID]; !awaited {
		s.mu.Unlock()
		return
	}
	delete(e.notYetCollected, actorID)
	if len(e.notYetCollected) > 0 {
		s.mu.Unlock()
		return
	}
	if !e.Kind.IsCheckpoint() {
		e.state = syncDone
		s.broadcastLocked()
		s.mu.Unlock()
		return
	}
	e.state = syncRunning
	s.mu.Unlock()
	go s.runSync(ctx, e)
}

func (s *ManagedBarrierState) runSync(ctx context.Context, e *Entry) {
	res, err := s.store.Sync(ctx, e.Epoch.Curr)
	s.mu.Lock()
	e.syncResult = res
	e.syncErr = err
	e.state = syncDone
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *ManagedBarrierState) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// earliestDone returns the lowest-epoch entry if, and only if, it has
// finished: per invariant (i), completion must be reported in monotonic
// epoch order, so a later epoch finishing first never jumps the queue.
func (s *ManagedBarrierState) earliestDone() (uint64, *Entry, bool) {
	if len(s.entries) == 0 {
		return 0, nil, false
	}
	keys := maps.Keys(s.entries)
	slices.Sort(keys)
	e := s.entries[keys[0]]
	if e.state != syncDone {
		return 0, nil, false
	}
	return keys[0], e, true
}

// NextCompletedEpoch blocks until the earliest-by-epoch entry finishes,
// then returns it and removes it from the tracked set.
func (s *ManagedBarrierState) NextCompletedEpoch(ctx context.Context) (CompletedEpoch, error) {
	for {
		s.mu.Lock()
		epochCurr, e, ok := s.earliestDone()
		if ok {
			delete(s.entries, epochCurr)
			result := e.syncResult
			err := e.syncErr
			kind := e.Kind
			epoch := e.Epoch
			s.mu.Unlock()
			return CompletedEpoch{Epoch: epoch, Kind: kind, Result: result}, err
		}
		wait := s.notify
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return CompletedEpoch{}, ctx.Err()
		}
	}
}

// EpochsAwaitOnActor enumerates, in ascending epoch order, every epoch
// for which actorID is still in the not-yet-collected set. Used to
// report stuck epochs when an actor fails.
func (s *ManagedBarrierState) EpochsAwaitOnActor(actorID ActorID) []Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := maps.Keys(s.entries)
	slices.Sort(keys)
	var out []Epoch
	for _, k := range keys {
		e := s.entries[k]
		if _, stuck := e.notYetCollected[actorID]; stuck {
			out = append(out, e.Epoch)
		}
	}
	return out
}

// PendingEpochs returns the ascending list of epoch values currently
// tracked, for diagnostics.
func (s *ManagedBarrierState) PendingEpochs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := maps.Keys(s.entries)
	slices.Sort(keys)
	return keys
}
