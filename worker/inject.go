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

	"golang.org/x/exp/slices"

	"github.com/flowcore/streamrt/barrier"
)

// InjectBarrierRequest is the control-plane request to inject one
// barrier into this worker's actor graph.
type InjectBarrierRequest struct {
	RequestID string
	Barrier   barrier.Barrier
	ToSend    []ActorID
	ToCollect []ActorID
}

// UnknownActorsError is returned when InjectBarrier names actors in
// ToCollect that have no registered sender locally; this is a
// recoverable protocol drift, not a programming invariant violation.
type UnknownActorsError struct {
	Unknown []ActorID
}

func (e *UnknownActorsError) Error() string {
	return fmt.Sprintf("worker: unknown actors in to_collect: %v", e.Unknown)
}

// InjectBarrier implements the five-step barrier injection protocol:
// validate to_collect is entirely known, publish the watermark epoch
// for Initial barriers, record the entry in managed state, fan the
// barrier out to every to_send actor, and drop sender registrations
// for any actor a Stop mutation names.
func (w *Worker) InjectBarrier(ctx context.Context, req InjectBarrierRequest) error {
	w.mu.Lock()
	var unknown []ActorID
	for _, id := range req.ToCollect {
		if _, ok := w.senders[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	w.mu.Unlock()
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return &UnknownActorsError{Unknown: unknown}
	}

	if req.Barrier.Kind == barrier.KindInitial {
		w.watermarkEpoch.Store(req.Barrier.Epoch.Curr)
	}

	w.state.TransformToIssued(req.Barrier, req.ToCollect)

	w.mu.Lock()
	handles := make([]senderHandle, 0, len(req.ToSend))
	for _, id := range req.ToSend {
		h, ok := w.senders[id]
		if !ok {
			w.mu.Unlock()
			return fmt.Errorf("worker: no sender registered for to_send actor %d", id)
		}
		handles = append(handles, h)
	}
	w.mu.Unlock()

	for i, h := range handles {
		select {
		case <-h.done:
			return fmt.Errorf("worker: sender for actor %d closed", req.ToSend[i])
		default:
		}
		select {
		case h.ch <- req.Barrier.Clone():
		case <-h.done:
			return fmt.Errorf("worker: sender for actor %d closed", req.ToSend[i])
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if req.Barrier.Mutation.Kind == barrier.MutationStop {
		w.mu.Lock()
		for _, id := range req.Barrier.Mutation.Actors {
			delete(w.senders, id)
		}
		w.mu.Unlock()
	}
	w.Metrics.BarriersInjected.Add(1)
	return nil
}
