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

import "testing"

func TestBuilderBounds(t *testing.T) {
	b := Builder{ChunkSize: 2}
	b.Append(RowOp{Op: Insert, New: r(1)})
	b.Append(RowOp{Op: Insert, New: r(2)})
	b.Append(RowOp{Op: Insert, New: r(3)})
	out := b.Finish()
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(out))
	}
	if out[0].Len() != 2 || out[1].Len() != 1 {
		t.Fatalf("unexpected chunk sizes: %d, %d", out[0].Len(), out[1].Len())
	}
}

func TestBuilderKeepsUpdatePairAdjacentAcrossBoundary(t *testing.T) {
	b := Builder{ChunkSize: 2}
	b.Append(RowOp{Op: Insert, New: r(1)})
	b.Append(RowOp{Op: UpdateInsert, Old: r(2), New: r(3)})
	out := b.Finish()
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(out))
	}
	if out[0].Len() != 1 {
		t.Fatalf("expected first chunk to hold only the lone insert, got %d", out[0].Len())
	}
	if out[1].Len() != 2 || out[1].Ops[0] != UpdateDelete || out[1].Ops[1] != UpdateInsert {
		t.Fatalf("expected the update pair to stay adjacent in its own chunk: %+v", out[1])
	}
}

func TestBuilderUnboundedSingleChunk(t *testing.T) {
	b := Builder{}
	for i := 0; i < 10; i++ {
		b.Append(RowOp{Op: Insert, New: r(i)})
	}
	out := b.Finish()
	if len(out) != 1 || out[0].Len() != 10 {
		t.Fatalf("expected a single chunk of 10, got %+v", out)
	}
}
