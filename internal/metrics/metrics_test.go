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

package metrics

import "testing"

func TestSnapshotReflectsCounters(t *testing.T) {
	var w Worker
	w.EpochsCompleted.Add(3)
	w.BarriersInjected.Add(1)
	w.ActorFailures.Add(2)
	w.CollectionBlocked.Add(1)
	w.SyncErrors.Add(1)

	snap := w.Snapshot()
	want := Snapshot{EpochsCompleted: 3, BarriersInjected: 1, ActorFailures: 2, CollectionBlocked: 1, SyncErrors: 1}
	if snap != want {
		t.Fatalf("got %+v, want %+v", snap, want)
	}
}
