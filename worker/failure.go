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
	"fmt"
	"strings"
	"time"

	"github.com/flowcore/streamrt/actor"
	"github.com/flowcore/streamrt/barrier"
)

// Root-cause scores: higher wins. A bare channel-closed or internal
// error is rarely the actual cause of a failure cascade — it is
// usually a symptom of some other actor having failed first — so both
// rank below an ordinary executor error.
const (
	scoreChannelClosed = 0
	scoreInternal      = 1
	scoreDefault       = 5
)

func classify(err error) int {
	if err == nil {
		return scoreDefault
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "channel closed") || strings.Contains(msg, "context canceled"):
		return scoreChannelClosed
	case strings.Contains(msg, "internal"):
		return scoreInternal
	default:
		return scoreDefault
	}
}

// CollectionBlockedError reports that barrier collection is stuck
// because an actor failed while epochs were still awaiting it.
type CollectionBlockedError struct {
	ActorID     ActorID
	FragmentID  uint32
	StuckEpochs []barrier.Epoch
	Cause       error
}

func (e *CollectionBlockedError) Error() string {
	return fmt.Sprintf("worker: actor %d (fragment %d) failed with %d epochs stuck: %v", e.ActorID, e.FragmentID, len(e.StuckEpochs), e.Cause)
}

func (e *CollectionBlockedError) Unwrap() error { return e.Cause }

// notifyFailure implements the failure-aggregation window: record the
// first failure, wait up to FailureWindow for more to arrive (so a
// root cause can be chosen from a cascade), select the highest-scoring
// one, and reset the control stream with a detailed status.
func (w *Worker) notifyFailure(ctx context.Context, first actor.Failure) {
	window := w.FailureWindow
	if window <= 0 {
		window = 3 * time.Second
	}
	failures := []actor.Failure{first}
	timer := time.NewTimer(window)
	defer timer.Stop()

collect:
	for {
		select {
		case f := <-w.runtime.Failures():
			w.Metrics.ActorFailures.Add(1)
			failures = append(failures, f)
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	root := failures[0]
	best := classify(root.Err)
	for _, f := range failures[1:] {
		if s := classify(f.Err); s > best {
			best = s
			root = f
		}
	}

	stuck := w.state.EpochsAwaitOnActor(root.ActorID)
	w.Metrics.ActorFailures.Add(1) // the first failure, collected before the loop began
	w.Metrics.CollectionBlocked.Add(1)
	w.logf("worker: actor %d failed (%v), %d epochs stuck, %d failures in window", root.ActorID, root.Err, len(stuck), len(failures))
	w.ctl.ResetWithErr(&CollectionBlockedError{
		ActorID:     root.ActorID,
		FragmentID:  root.FragmentID,
		StuckEpochs: stuck,
		Cause:       root.Err,
	})
}
