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

// Package actor provides goroutine-per-actor supervision for the pieces
// of an executing dataflow fragment: spawn, graceful stop, and panic
// recovery reported as a structured Failure rather than a crashed
// process. One actor is one operator instance bound to one partition;
// a Runtime owns every actor belonging to a single worker.
package actor

import (
	"context"
	"fmt"

	"github.com/flowcore/streamrt/barrier"
)

// ID aliases barrier.ActorID so callers never need to import both
// packages just to name an actor.
type ID = barrier.ActorID

// Behavior is the body of one actor. It must return promptly after ctx
// is canceled; Runtime.Stop and Runtime.Shutdown only cancel ctx and do
// not wait, so a Behavior that never observes ctx.Done() keeps running
// after they return.
type Behavior func(ctx context.Context, self *Actor) error

// Actor is one running operator instance.
type Actor struct {
	ID         ID
	FragmentID uint32

	run Behavior
}

// New returns an Actor that will execute run when spawned.
func New(id ID, fragmentID uint32, run Behavior) *Actor {
	return &Actor{ID: id, FragmentID: fragmentID, run: run}
}

// Failure reports that an actor's Behavior returned an error or
// panicked. It is the unit of information the barrier manager worker
// uses to decide which epochs are stuck and why.
type Failure struct {
	ActorID    ID
	FragmentID uint32
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("actor %d (fragment %d): %s", f.ActorID, f.FragmentID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
