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

package actor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type entry struct {
	actor  *Actor
	cancel context.CancelFunc
}

// Runtime owns every actor belonging to one worker: it spawns the
// supervising goroutine for each, recovers panics into Failure values,
// and lets the worker cancel individual actors (Stop mutation) or tear
// the whole set down (Shutdown).
type Runtime struct {
	logger *log.Logger

	mu   sync.Mutex
	live map[ID]*entry

	failures chan Failure
	done     chan struct{}
}

// NewRuntime returns an empty Runtime. logger may be nil to discard
// diagnostic output.
func NewRuntime(logger *log.Logger) *Runtime {
	return &Runtime{
		logger:   logger,
		live:     make(map[ID]*entry),
		failures: make(chan Failure, 64),
		done:     make(chan struct{}),
	}
}

// Spawn starts a goroutine running a.run under a context derived from
// ctx. Spawning an ID that is already live replaces the old entry's
// bookkeeping without canceling it; callers are expected to Stop
// before respawning the same ID (mirrors the Add/Update mutation
// sequencing the barrier manager enforces upstream).
func (r *Runtime) Spawn(ctx context.Context, a *Actor) {
	actorCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.live[a.ID] = &entry{actor: a, cancel: cancel}
	r.mu.Unlock()
	go r.supervise(actorCtx, a)
}

func (r *Runtime) supervise(ctx context.Context, a *Actor) {
	err := r.runRecovered(ctx, a)
	r.mu.Lock()
	if e, ok := r.live[a.ID]; ok && e.actor == a {
		delete(r.live, a.ID)
	}
	r.mu.Unlock()
	if err == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	failure := Failure{ActorID: a.ID, FragmentID: a.FragmentID, Err: err}
	select {
	case r.failures <- failure:
	case <-r.done:
	}
}

func (r *Runtime) runRecovered(ctx context.Context, a *Actor) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("actor %d panicked: %v", a.ID, p)
			if r.logger != nil {
				r.logger.Printf("actor %d (fragment %d) panicked: %v", a.ID, a.FragmentID, p)
			}
		}
	}()
	return a.run(ctx, a)
}

// Stop cancels the actor's context if it is still live. It reports
// whether an actor with that ID was found; the actual exit happens
// asynchronously as the Behavior observes ctx.Done().
func (r *Runtime) Stop(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[id]
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Failures returns the channel on which actor failures are delivered.
// The worker event loop selects on this alongside control and barrier
// input.
func (r *Runtime) Failures() <-chan Failure { return r.failures }

// Live returns the ascending list of currently spawned actor IDs.
func (r *Runtime) Live() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := maps.Keys(r.live)
	slices.Sort(ids)
	return ids
}

// Shutdown cancels every live actor's context and stops routing new
// failures to the Failures channel. Calling Shutdown more than once
// panics, matching the single-use contract of a worker's top-level
// teardown.
func (r *Runtime) Shutdown() {
	close(r.done)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.live {
		e.cancel()
	}
}
