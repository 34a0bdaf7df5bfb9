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

// Package dml implements the DML executor: it merges upstream operator
// messages (chunks and barriers) with a transactional user-write stream
// into a single downstream-facing stream, biased so that a barrier on
// the upstream side is never delayed behind pending transaction work.
package dml

import (
	"context"
	"fmt"
	"log"

	"github.com/flowcore/streamrt/barrier"
	"github.com/flowcore/streamrt/chunk"
	"github.com/flowcore/streamrt/ratelimit"
)

// MaxChunkForAtomicity bounds how many chunks a single transaction may
// buffer before the executor gives up on atomic delivery and starts
// forwarding the transaction's chunks immediately as they arrive.
const MaxChunkForAtomicity = 32

// TxnID identifies one in-flight user transaction.
type TxnID uint64

// TxnMsgKind distinguishes the four transactional write messages.
type TxnMsgKind uint8

const (
	Begin TxnMsgKind = iota
	Data
	End
	Rollback
)

// TxnMsg is one message on the R (transactional write) stream.
type TxnMsg struct {
	Kind  TxnMsgKind
	TxnID TxnID
	Chunk *chunk.StreamChunk // set only for Data
}

// Source yields TxnMsg values in per-session order.
type Source interface {
	Next(ctx context.Context) (TxnMsg, error)
}

// UpstreamMsg is one message on the L (upstream operator) stream: a
// data chunk or a barrier, never both.
type UpstreamMsg struct {
	Chunk   *chunk.StreamChunk
	Barrier *barrier.Barrier
}

// Upstream yields UpstreamMsg values.
type Upstream interface {
	Next(ctx context.Context) (UpstreamMsg, error)
}

// Downstream accepts the executor's merged output, in order.
type Downstream interface {
	Send(ctx context.Context, msg UpstreamMsg) error
}

type txnBuffer struct {
	chunks   []*chunk.StreamChunk
	overflow bool
}

func cardinality(chunks []*chunk.StreamChunk) int {
	total := 0
	for _, c := range chunks {
		total += c.Cardinality()
	}
	return total
}

// Executor merges one Upstream and one Source into one Downstream.
type Executor struct {
	ChunkSize int
	Limiter   *ratelimit.Limiter
	Logger    *log.Logger

	upstream Upstream
	source   Source
	down     Downstream

	active     map[TxnID]*txnBuffer
	batchGroup []*chunk.StreamChunk
	paused     bool
}

// NewExecutor returns an Executor wired to the given collaborators.
// limiter may be nil to disable rate limiting. chunkSize is clamped to
// the limiter's configured rate so throttling stays observable at
// chunk granularity, per spec.
func NewExecutor(upstream Upstream, source Source, down Downstream, chunkSize int, limiter *ratelimit.Limiter, logger *log.Logger) *Executor {
	if limiter != nil {
		if limit := limiter.Limit(); limit != ratelimit.Unlimited && int(limit) < chunkSize {
			chunkSize = int(limit)
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		ChunkSize: chunkSize,
		Limiter:   limiter,
		Logger:    logger,
		upstream:  upstream,
		source:    source,
		down:      down,
		active:    make(map[TxnID]*txnBuffer),
	}
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e *Executor) forward(ctx context.Context, msg UpstreamMsg) error {
	return e.down.Send(ctx, msg)
}

func (e *Executor) forwardChunks(ctx context.Context, chunks []*chunk.StreamChunk) error {
	for _, c := range chunks {
		if err := e.forward(ctx, UpstreamMsg{Chunk: c}); err != nil {
			return err
		}
	}
	return nil
}

// flushBatchGroup re-buckets the accumulated small-transaction chunks
// through a fresh, ChunkSize-bounded Builder and forwards the result.
func (e *Executor) flushBatchGroup(ctx context.Context) error {
	if len(e.batchGroup) == 0 {
		return nil
	}
	b := chunk.Builder{ChunkSize: e.ChunkSize}
	for _, c := range e.batchGroup {
		ops, err := c.RowOps()
		if err != nil {
			return fmt.Errorf("dml: flushing batch group: %w", err)
		}
		b.AppendAll(ops)
	}
	e.batchGroup = nil
	return e.forwardChunks(ctx, b.Finish())
}

func (e *Executor) handleUpstream(ctx context.Context, msg UpstreamMsg) error {
	if msg.Chunk != nil {
		return e.forward(ctx, msg)
	}
	b := msg.Barrier
	if b == nil {
		return fmt.Errorf("dml: upstream message carries neither chunk nor barrier")
	}
	if err := e.flushBatchGroup(ctx); err != nil {
		return err
	}
	if err := e.forward(ctx, msg); err != nil {
		return err
	}
	switch b.Mutation.Kind {
	case barrier.MutationPause:
		e.paused = true
	case barrier.MutationResume:
		e.paused = false
	}
	return nil
}

func (e *Executor) handleTxnMsg(ctx context.Context, tm TxnMsg) error {
	switch tm.Kind {
	case Begin:
		if _, exists := e.active[tm.TxnID]; exists {
			panic(fmt.Sprintf("dml: Begin on already-active txn id %d", tm.TxnID))
		}
		e.active[tm.TxnID] = &txnBuffer{}
		return nil

	case Data:
		buf, ok := e.active[tm.TxnID]
		if !ok {
			panic(fmt.Sprintf("dml: Data on unknown txn id %d", tm.TxnID))
		}
		if e.Limiter != nil {
			if err := e.Limiter.Wait(ctx, tm.Chunk.Len()); err != nil {
				return err
			}
		}
		if buf.overflow {
			return e.forward(ctx, UpstreamMsg{Chunk: tm.Chunk})
		}
		buf.chunks = append(buf.chunks, tm.Chunk)
		if len(buf.chunks) > MaxChunkForAtomicity {
			e.logf("dml: txn %d exceeded %d buffered chunks, forwarding without atomicity", tm.TxnID, MaxChunkForAtomicity)
			if err := e.forwardChunks(ctx, buf.chunks); err != nil {
				return err
			}
			buf.chunks = nil
			buf.overflow = true
		}
		return nil

	case End:
		buf, ok := e.active[tm.TxnID]
		if !ok {
			panic(fmt.Sprintf("dml: End on unknown txn id %d", tm.TxnID))
		}
		delete(e.active, tm.TxnID)
		t := cardinality(buf.chunks)
		g := cardinality(e.batchGroup)
		switch {
		case t >= e.ChunkSize:
			if err := e.flushBatchGroup(ctx); err != nil {
				return err
			}
			return e.forwardChunks(ctx, buf.chunks)
		case t+g <= e.ChunkSize:
			e.batchGroup = append(e.batchGroup, buf.chunks...)
			return nil
		default:
			if err := e.flushBatchGroup(ctx); err != nil {
				return err
			}
			e.batchGroup = buf.chunks
			return nil
		}

	case Rollback:
		buf, ok := e.active[tm.TxnID]
		if !ok {
			panic(fmt.Sprintf("dml: Rollback on unknown txn id %d", tm.TxnID))
		}
		delete(e.active, tm.TxnID)
		if buf.overflow {
			e.logf("dml: rollback of txn %d after overflow; previously forwarded chunks are not retracted", tm.TxnID)
		}
		return nil

	default:
		return fmt.Errorf("dml: unknown txn message kind %d", tm.Kind)
	}
}

func pumpUpstream(ctx context.Context, up Upstream, msgs chan<- UpstreamMsg, errs chan<- error) {
	for {
		msg, err := up.Next(ctx)
		if err != nil {
			errs <- err
			return
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func pumpSource(ctx context.Context, src Source, msgs chan<- TxnMsg, errs chan<- error) {
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			errs <- err
			return
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Run drives the merge loop until ctx is done or either stream returns
// a terminal error.
func (e *Executor) Run(ctx context.Context) error {
	upstreamMsgs := make(chan UpstreamMsg)
	upstreamErrs := make(chan error, 1)
	go pumpUpstream(ctx, e.upstream, upstreamMsgs, upstreamErrs)

	txnMsgs := make(chan TxnMsg)
	txnErrs := make(chan error, 1)
	go pumpSource(ctx, e.source, txnMsgs, txnErrs)

	for {
		// Strict L-bias: drain any immediately-available upstream
		// message before ever considering the R side.
		select {
		case msg := <-upstreamMsgs:
			if err := e.handleUpstream(ctx, msg); err != nil {
				return err
			}
			continue
		case err := <-upstreamErrs:
			return err
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.paused {
			select {
			case msg := <-upstreamMsgs:
				if err := e.handleUpstream(ctx, msg); err != nil {
					return err
				}
			case err := <-upstreamErrs:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case msg := <-upstreamMsgs:
			if err := e.handleUpstream(ctx, msg); err != nil {
				return err
			}
		case err := <-upstreamErrs:
			return err
		case tm := <-txnMsgs:
			if err := e.handleTxnMsg(ctx, tm); err != nil {
				return err
			}
		case err := <-txnErrs:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
