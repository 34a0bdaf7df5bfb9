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

// Package metrics holds the handful of in-process counters the worker
// exposes about its own operation: epochs completed, barriers injected,
// actor failures observed. No external metrics system is wired in; see
// DESIGN.md for why this stays on stdlib atomics rather than a
// dependency from the retrieval pack.
package metrics

import "sync/atomic"

// Worker aggregates counters for one worker process. The zero value is
// ready to use.
type Worker struct {
	EpochsCompleted   atomic.Uint64
	BarriersInjected  atomic.Uint64
	ActorFailures     atomic.Uint64
	CollectionBlocked atomic.Uint64
	SyncErrors        atomic.Uint64
}

// Snapshot is a point-in-time copy of Worker's counters, suitable for
// logging or serving from a debug endpoint.
type Snapshot struct {
	EpochsCompleted   uint64
	BarriersInjected  uint64
	ActorFailures     uint64
	CollectionBlocked uint64
	SyncErrors        uint64
}

// Snapshot reads all counters without synchronizing them against one
// another; callers that need a single consistent instant should not
// rely on cross-field invariants.
func (w *Worker) Snapshot() Snapshot {
	return Snapshot{
		EpochsCompleted:   w.EpochsCompleted.Load(),
		BarriersInjected:  w.BarriersInjected.Load(),
		ActorFailures:     w.ActorFailures.Load(),
		CollectionBlocked: w.CollectionBlocked.Load(),
		SyncErrors:        w.SyncErrors.Load(),
	}
}
