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

package chunk

// Builder assembles a bounded sequence of StreamChunks from a stream of
// RowOps (or raw op/row pairs), flushing whenever the accumulated
// record count reaches ChunkSize. A paired Update is never split
// across a chunk boundary: if appending both halves would overflow the
// current chunk, the builder flushes first so UpdateDelete/UpdateInsert
// stay adjacent, preserving the wire protocol's pairing invariant.
type Builder struct {
	// ChunkSize bounds the number of records per emitted chunk. Zero
	// means unbounded (a single chunk is emitted on Finish).
	ChunkSize int

	ops  []Op
	rows []Row
	out  []*StreamChunk
}

// Append adds one materialized row operation to the builder.
func (b *Builder) Append(r RowOp) {
	switch r.Op {
	case Insert:
		b.pushOne(Insert, r.New)
	case Delete:
		b.pushOne(Delete, r.Old)
	case UpdateInsert, UpdateDelete:
		if b.ChunkSize > 0 && len(b.ops) > 0 && len(b.ops)+2 > b.ChunkSize {
			b.flush()
		}
		b.ops = append(b.ops, UpdateDelete, UpdateInsert)
		b.rows = append(b.rows, r.Old, r.New)
		if b.ChunkSize > 0 && len(b.ops) >= b.ChunkSize {
			b.flush()
		}
	}
}

// AppendAll appends every RowOp in order.
func (b *Builder) AppendAll(ops []RowOp) {
	for _, r := range ops {
		b.Append(r)
	}
}

func (b *Builder) pushOne(op Op, row Row) {
	b.ops = append(b.ops, op)
	b.rows = append(b.rows, row)
	if b.ChunkSize > 0 && len(b.ops) >= b.ChunkSize {
		b.flush()
	}
}

func (b *Builder) flush() {
	if len(b.ops) == 0 {
		return
	}
	b.out = append(b.out, NewStreamChunk(b.ops, b.rows))
	b.ops, b.rows = nil, nil
}

// Finish flushes any partially-filled chunk and returns every chunk
// produced so far. The builder is left empty and reusable.
func (b *Builder) Finish() []*StreamChunk {
	b.flush()
	out := b.out
	b.out = nil
	return out
}

// Pending reports the number of records currently buffered and not
// yet emitted as a chunk.
func (b *Builder) Pending() int { return len(b.ops) }
