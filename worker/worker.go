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

// Package worker implements the barrier manager worker: the single
// cooperative event loop that owns actor supervision, managed barrier
// state, and the control stream to the control plane for one compute
// node.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/streamrt/actor"
	"github.com/flowcore/streamrt/barrier"
	"github.com/flowcore/streamrt/control"
	"github.com/flowcore/streamrt/internal/metrics"
	"github.com/flowcore/streamrt/statestore"
)

// ActorID aliases barrier.ActorID.
type ActorID = barrier.ActorID

// CreateResult reports the outcome of asynchronously constructing one
// actor (e.g. wiring its operator pipeline) so the worker can spawn it
// under supervision once ready.
type CreateResult struct {
	Actor *actor.Actor
	Err   error
}

// BarrierEventKind distinguishes the three event kinds actors report
// back to the worker about barrier progress.
type BarrierEventKind uint8

const (
	RegisterSenderEvent BarrierEventKind = iota
	ReportActorCollectedEvent
	ReportCreateProgressEvent
)

// senderHandle is one actor's registered barrier input: the channel to
// deliver barriers on, and a Done channel the actor closes when its
// receiving goroutine exits, letting InjectBarrier detect a dead
// receiver without ever sending on (or closing) a channel from two
// goroutines.
type senderHandle struct {
	ch   chan<- barrier.Barrier
	done <-chan struct{}
}

// BarrierEvent is one message on the actor->worker barrier event
// channel.
type BarrierEvent struct {
	Kind     BarrierEventKind
	ActorID  ActorID
	Epoch    uint64
	Sender   chan<- barrier.Barrier
	Done     <-chan struct{}
	Progress barrier.CreateMviewProgress
}

// LocalOpKind distinguishes the local actor operations the worker
// applies outside of control-stream traffic.
type LocalOpKind uint8

const (
	OpDropActors LocalOpKind = iota
	OpInstallControlStream
)

// LocalOp is one message on the local-actor-operation channel.
type LocalOp struct {
	Kind      LocalOpKind
	ActorIDs  []ActorID
	Pair      *control.Pair
	PrevEpoch uint64
	Result    chan<- error
}

// CompleteBarrierResponse is sent to the control plane once an epoch's
// entry finishes collecting and, for checkpoints, syncing.
type CompleteBarrierResponse struct {
	RequestID           string
	Epoch               barrier.Epoch
	Kind                barrier.Kind
	Err                 error
	SyncedSSTables      []statestore.SSTableGroup
	TableWatermarks     map[uint64]statestore.Watermark
	CreateMviewProgress []barrier.CreateMviewProgress
}

// InitResponse acknowledges installation of a new control stream.
type InitResponse struct{}

// Worker owns one control node's actor runtime, managed barrier state,
// and control stream, and drives them from a single event loop.
type Worker struct {
	Logger        *log.Logger
	FailureWindow time.Duration
	Metrics       *metrics.Worker

	runtime *actor.Runtime
	state   *barrier.ManagedBarrierState
	ctl     *control.Handle

	watermarkEpoch atomic.Uint64

	mu      sync.Mutex
	senders map[ActorID]senderHandle

	created   chan CreateResult
	barrierEv chan BarrierEvent
	localOps  chan LocalOp
}

// New returns a Worker wired to the given collaborators. logger may be
// nil; it defaults to log.Default().
func New(runtime *actor.Runtime, state *barrier.ManagedBarrierState, ctl *control.Handle, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		Logger:        logger,
		FailureWindow: 3 * time.Second,
		Metrics:       &metrics.Worker{},
		runtime:       runtime,
		state:         state,
		ctl:           ctl,
		senders:       make(map[ActorID]senderHandle),
		created:       make(chan CreateResult, 16),
		barrierEv:     make(chan BarrierEvent, 256),
		localOps:      make(chan LocalOp, 16),
	}
}

// Created returns the channel on which actor construction results
// should be delivered.
func (w *Worker) Created() chan<- CreateResult { return w.created }

// BarrierEvents returns the channel on which actors report barrier
// progress.
func (w *Worker) BarrierEvents() chan<- BarrierEvent { return w.barrierEv }

// LocalOps returns the channel on which drop-actor and install-stream
// operations are delivered.
func (w *Worker) LocalOps() chan<- LocalOp { return w.localOps }

// WatermarkEpoch returns the last epoch published from an Initial
// barrier, read by GC subsystems outside the worker.
func (w *Worker) WatermarkEpoch() uint64 { return w.watermarkEpoch.Load() }

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

type completedEvent struct {
	epoch barrier.CompletedEpoch
	err   error
}

func (w *Worker) pumpCompleted(ctx context.Context, out chan<- completedEvent, terminal chan<- error) {
	for {
		c, err := w.state.NextCompletedEpoch(ctx)
		if err != nil && ctx.Err() != nil {
			terminal <- err
			return
		}
		select {
		case out <- completedEvent{epoch: c, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) pumpControl(ctx context.Context, out chan<- control.Request, terminal chan<- error) {
	for {
		req, err := w.ctl.NextRequest(ctx)
		if err != nil {
			terminal <- err
			return
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}

// Run drives the event loop until ctx is done or a pump reports a
// terminal (context) error. Within one iteration, sources are drained
// in priority order — created-actor results, completed epochs, barrier
// events, actor failures, local ops, control-stream requests — via a
// non-blocking pass before falling back to a blocking select across
// everything. This gives earlier sources priority without starving
// later ones, since Go's select has no native bias.
func (w *Worker) Run(ctx context.Context) error {
	completed := make(chan completedEvent)
	completedTerm := make(chan error, 1)
	go w.pumpCompleted(ctx, completed, completedTerm)

	controlReqs := make(chan control.Request)
	controlTerm := make(chan error, 1)
	go w.pumpControl(ctx, controlReqs, controlTerm)

	failures := w.runtime.Failures()

	for {
		select {
		case res := <-w.created:
			w.handleCreated(ctx, res)
			continue
		default:
		}
		select {
		case c := <-completed:
			w.handleCompleted(c)
			continue
		default:
		}
		select {
		case ev := <-w.barrierEv:
			w.handleBarrierEvent(ctx, ev)
			continue
		default:
		}
		select {
		case f := <-failures:
			w.notifyFailure(ctx, f)
			continue
		default:
		}
		select {
		case op := <-w.localOps:
			w.handleLocalOp(op)
			continue
		default:
		}

		select {
		case res := <-w.created:
			w.handleCreated(ctx, res)
		case c := <-completed:
			w.handleCompleted(c)
		case ev := <-w.barrierEv:
			w.handleBarrierEvent(ctx, ev)
		case f := <-failures:
			w.notifyFailure(ctx, f)
		case op := <-w.localOps:
			w.handleLocalOp(op)
		case req := <-controlReqs:
			w.handleControlRequest(ctx, req)
		case err := <-completedTerm:
			return err
		case err := <-controlTerm:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) handleCreated(ctx context.Context, res CreateResult) {
	if res.Err != nil {
		w.logf("worker: actor construction failed: %v", res.Err)
		return
	}
	w.runtime.Spawn(ctx, res.Actor)
}

func (w *Worker) handleCompleted(c completedEvent) {
	if c.err != nil {
		w.Metrics.SyncErrors.Add(1)
		w.logf("worker: epoch %d sync failed: %v", c.epoch.Epoch.Curr, c.err)
		w.ctl.ResetWithErr(fmt.Errorf("worker: state-store sync failed at epoch %d: %w", c.epoch.Epoch.Curr, c.err))
		return
	}
	w.Metrics.EpochsCompleted.Add(1)
	resp := CompleteBarrierResponse{
		RequestID:           uuid.NewString(),
		Epoch:               c.epoch.Epoch,
		Kind:                c.epoch.Kind,
		SyncedSSTables:      c.epoch.Result.SSTables,
		TableWatermarks:     c.epoch.Result.TableWatermarks,
		CreateMviewProgress: nil,
	}
	w.ctl.SendResponse(resp)
}

func (w *Worker) handleBarrierEvent(ctx context.Context, ev BarrierEvent) {
	switch ev.Kind {
	case RegisterSenderEvent:
		w.mu.Lock()
		w.senders[ev.ActorID] = senderHandle{ch: ev.Sender, done: ev.Done}
		w.mu.Unlock()
	case ReportActorCollectedEvent:
		w.state.Collect(ctx, ev.ActorID, ev.Epoch)
	case ReportCreateProgressEvent:
		w.state.AddProgress(ev.Epoch, ev.Progress)
	}
}

func (w *Worker) handleLocalOp(op LocalOp) {
	var err error
	switch op.Kind {
	case OpDropActors:
		w.mu.Lock()
		for _, id := range op.ActorIDs {
			delete(w.senders, id)
		}
		w.mu.Unlock()
		for _, id := range op.ActorIDs {
			w.runtime.Stop(id)
		}
	case OpInstallControlStream:
		w.ctl.Reset(op.Pair, errors.New("worker: control stream replaced"))
		w.watermarkEpoch.Store(op.PrevEpoch)
		w.ctl.SendResponse(InitResponse{})
	default:
		err = fmt.Errorf("worker: unknown local op kind %d", op.Kind)
	}
	if op.Result != nil {
		op.Result <- err
	}
}

func (w *Worker) handleControlRequest(ctx context.Context, req control.Request) {
	switch r := req.(type) {
	case InjectBarrierRequest:
		if err := w.InjectBarrier(ctx, r); err != nil {
			w.ctl.ResetWithErr(fmt.Errorf("worker: inject barrier: %w", err))
		}
	default:
		w.ctl.ResetWithErr(fmt.Errorf("worker: unexpected control request %T", req))
	}
}
