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

package dml

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowcore/streamrt/barrier"
	"github.com/flowcore/streamrt/chunk"
)

type chanUpstream struct{ in chan UpstreamMsg }

func (c *chanUpstream) Next(ctx context.Context) (UpstreamMsg, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return UpstreamMsg{}, ctx.Err()
	}
}

type chanSource struct{ in chan TxnMsg }

func (c *chanSource) Next(ctx context.Context) (TxnMsg, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return TxnMsg{}, ctx.Err()
	}
}

// recordingDownstream blocks on each Send until the test reads from
// notify, giving tests a synchronization point after every forwarded
// message so input can be fed step by step without racing the merger.
type recordingDownstream struct {
	mu     sync.Mutex
	got    []UpstreamMsg
	notify chan struct{}
}

func newRecordingDownstream() *recordingDownstream {
	return &recordingDownstream{notify: make(chan struct{})}
}

func (d *recordingDownstream) Send(ctx context.Context, msg UpstreamMsg) error {
	d.mu.Lock()
	d.got = append(d.got, msg)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	case <-ctx.Done():
	}
	return nil
}

func (d *recordingDownstream) waitOne(t *testing.T) UpstreamMsg {
	t.Helper()
	select {
	case <-d.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downstream send")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.got[len(d.got)-1]
}

func oneRowChunk(op chunk.Op, v int64) *chunk.StreamChunk {
	return chunk.NewStreamChunk([]chunk.Op{op}, []chunk.Row{{v}})
}

func nRowChunk(n int, start int64) *chunk.StreamChunk {
	ops := make([]chunk.Op, n)
	rows := make([]chunk.Row, n)
	for i := 0; i < n; i++ {
		ops[i] = chunk.Insert
		rows[i] = chunk.Row{start + int64(i)}
	}
	return chunk.NewStreamChunk(ops, rows)
}

func runExecutor(t *testing.T, chunkSize int) (*Executor, *chanUpstream, *chanSource, *recordingDownstream, context.CancelFunc) {
	t.Helper()
	up := &chanUpstream{in: make(chan UpstreamMsg)}
	src := &chanSource{in: make(chan TxnMsg)}
	down := newRecordingDownstream()
	exec := NewExecutor(up, src, down, chunkSize, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go exec.Run(ctx)
	return exec, up, src, down, cancel
}

func barrierMsg(curr uint64) UpstreamMsg {
	return UpstreamMsg{Barrier: &barrier.Barrier{Epoch: barrier.Epoch{Prev: curr - 1, Curr: curr}, Kind: barrier.KindBarrier}}
}

// S3 — small transactions coalesce into a single chunk between two
// barriers rather than being forwarded as separate chunks.
func TestSmallTxnCoalescing(t *testing.T) {
	_, up, src, down, cancel := runExecutor(t, 1024)
	defer cancel()

	up.in <- barrierMsg(1)
	b1 := down.waitOne(t)
	if b1.Barrier == nil || b1.Barrier.Epoch.Curr != 1 {
		t.Fatalf("expected B1 first, got %+v", b1)
	}

	src.in <- TxnMsg{Kind: Begin, TxnID: 1}
	src.in <- TxnMsg{Kind: Data, TxnID: 1, Chunk: nRowChunk(2, 100)}
	src.in <- TxnMsg{Kind: End, TxnID: 1}

	src.in <- TxnMsg{Kind: Begin, TxnID: 2}
	src.in <- TxnMsg{Kind: Data, TxnID: 2, Chunk: nRowChunk(3, 200)}
	src.in <- TxnMsg{Kind: End, TxnID: 2}

	up.in <- barrierMsg(2)

	coalesced := down.waitOne(t)
	if coalesced.Chunk == nil {
		t.Fatalf("expected a coalesced chunk before B2, got %+v", coalesced)
	}
	if coalesced.Chunk.Cardinality() != 5 {
		t.Fatalf("expected 5-row coalesced chunk, got %d", coalesced.Chunk.Cardinality())
	}

	b2 := down.waitOne(t)
	if b2.Barrier == nil || b2.Barrier.Epoch.Curr != 2 {
		t.Fatalf("expected B2 last, got %+v", b2)
	}
}

// S4 — a transaction exceeding MaxChunkForAtomicity chunks begins
// forwarding immediately rather than buffering the whole transaction,
// and a subsequent rollback does not retract what was already sent.
func TestLargeTxnOverflow(t *testing.T) {
	_, _, src, down, cancel := runExecutor(t, 1024)
	defer cancel()

	src.in <- TxnMsg{Kind: Begin, TxnID: 7}
	for i := 0; i < MaxChunkForAtomicity+1; i++ {
		src.in <- TxnMsg{Kind: Data, TxnID: 7, Chunk: oneRowChunk(chunk.Insert, int64(i))}
	}
	// The (MaxChunkForAtomicity+1)th Data triggers the overflow drain of
	// all 33 buffered chunks; observe all of them arrive downstream.
	for i := 0; i < MaxChunkForAtomicity+1; i++ {
		msg := down.waitOne(t)
		if msg.Chunk == nil {
			t.Fatalf("expected overflow-drained chunk %d, got %+v", i, msg)
		}
	}

	// Further Data messages on the now-overflowed txn forward
	// immediately, one at a time.
	for i := 0; i < 7; i++ {
		src.in <- TxnMsg{Kind: Data, TxnID: 7, Chunk: oneRowChunk(chunk.Insert, int64(100+i))}
		msg := down.waitOne(t)
		if msg.Chunk == nil {
			t.Fatalf("expected immediately-forwarded chunk, got %+v", msg)
		}
	}

	src.in <- TxnMsg{Kind: Rollback, TxnID: 7}
	// Rollback after overflow produces no further downstream send; give
	// the executor a moment to (not) emit anything.
	select {
	case <-down.notify:
		t.Fatal("rollback after overflow must not retract already-forwarded chunks via a new send")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBeginCollisionPanics(t *testing.T) {
	e := &Executor{ChunkSize: 1024, active: map[TxnID]*txnBuffer{1: {}}}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on colliding Begin")
		}
	}()
	e.handleTxnMsg(context.Background(), TxnMsg{Kind: Begin, TxnID: 1})
}

func TestEndOnUnknownTxnPanics(t *testing.T) {
	e := &Executor{ChunkSize: 1024, active: map[TxnID]*txnBuffer{}}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on End of unknown txn")
		}
	}()
	e.handleTxnMsg(context.Background(), TxnMsg{Kind: End, TxnID: 99})
}

// L-bias: once a barrier is available on the upstream channel, the
// executor must not let an interleaved txn message sneak past it.
func TestUpstreamBiasOverTxnMessages(t *testing.T) {
	_, up, src, down, cancel := runExecutor(t, 1024)
	defer cancel()

	src.in <- TxnMsg{Kind: Begin, TxnID: 1}
	src.in <- TxnMsg{Kind: Data, TxnID: 1, Chunk: nRowChunk(1, 1)}
	up.in <- barrierMsg(1)

	first := down.waitOne(t)
	if first.Barrier == nil {
		t.Fatalf("expected barrier to be forwarded ahead of unrelated txn buffering, got %+v", first)
	}
}
