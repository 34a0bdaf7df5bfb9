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

// Package chunk implements the stream-chunk data model: columnar batches
// of (operation, row) records, the per-key compactor, and the bounded
// builder used to assemble fresh chunks from a record stream.
package chunk

import "reflect"

// Op is the per-record operation tag. The numeric values match the wire
// encoding: Insert=0, Delete=1, UpdateInsert=2, UpdateDelete=3.
type Op uint8

const (
	Insert Op = iota
	Delete
	UpdateInsert
	UpdateDelete
)

func (o Op) String() string {
	switch o {
	case Insert:
		return "Insert"
	case Delete:
		return "Delete"
	case UpdateInsert:
		return "UpdateInsert"
	case UpdateDelete:
		return "UpdateDelete"
	default:
		return "Op(?)"
	}
}

// IsUpdate reports whether o is one half of an update pair.
func (o Op) IsUpdate() bool {
	return o == UpdateInsert || o == UpdateDelete
}

// Row is an ordered tuple of nullable typed values. A nil element
// represents SQL NULL. Rows are immutable once constructed; callers
// must not mutate a Row returned from a StreamChunk.
type Row []any

// Equal reports whether r and other hold the same values in the same
// positions, used by the compactor to detect no-op updates.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if !reflect.DeepEqual(r[i], other[i]) {
			return false
		}
	}
	return true
}

// Project extracts the columns named by key, in order, producing the
// logical primary-key tuple used for stream-key equality.
func (r Row) Project(key StreamKey) Row {
	out := make(Row, len(key))
	for i, col := range key {
		out[i] = r[col]
	}
	return out
}

// StreamKey is the ordered list of column indices designating the
// logical primary key for a stream.
type StreamKey []int

// StreamChunk is a columnar batch bundling a parallel vector of Ops, a
// parallel vector of Rows, and an optional visibility bitmap. The
// absence of a visibility bitmap means every record is visible.
type StreamChunk struct {
	Ops        []Op
	Rows       []Row
	Visibility []uint64 // word-packed bitset, nil == all visible

	cardinality int // -1 when stale
}

// NewStreamChunk builds a StreamChunk from parallel ops/rows vectors
// with every record visible.
func NewStreamChunk(ops []Op, rows []Row) *StreamChunk {
	if len(ops) != len(rows) {
		panic("chunk: ops and rows length mismatch")
	}
	return &StreamChunk{Ops: ops, Rows: rows, cardinality: -1}
}

// Len returns the total number of records in the chunk, visible or not.
func (c *StreamChunk) Len() int { return len(c.Ops) }

// IsVisible reports whether the record at position i is visible.
func (c *StreamChunk) IsVisible(i int) bool {
	if c.Visibility == nil {
		return true
	}
	return c.Visibility[i/64]&(1<<uint(i%64)) != 0
}

// SetVisible sets the visibility of the record at position i, lazily
// allocating a bitmap (initialized all-visible) on first use.
func (c *StreamChunk) SetVisible(i int, v bool) {
	if c.Visibility == nil {
		if v {
			return // already all-visible
		}
		c.Visibility = make([]uint64, (len(c.Ops)+63)/64)
		for j := range c.Visibility {
			c.Visibility[j] = ^uint64(0)
		}
		// clear padding bits beyond len(c.Ops) so Cardinality stays exact
		if rem := len(c.Ops) % 64; rem != 0 {
			c.Visibility[len(c.Visibility)-1] = (uint64(1) << uint(rem)) - 1
		}
	}
	word := i / 64
	bit := uint(i % 64)
	if v {
		c.Visibility[word] |= 1 << bit
	} else {
		c.Visibility[word] &^= 1 << bit
	}
	c.cardinality = -1
}

// Cardinality returns the number of visible records, memoizing the
// popcount of the visibility bitmap across repeated calls.
func (c *StreamChunk) Cardinality() int {
	if c.Visibility == nil {
		return len(c.Ops)
	}
	if c.cardinality >= 0 {
		return c.cardinality
	}
	n := 0
	for _, w := range c.Visibility {
		n += popcount64(w)
	}
	c.cardinality = n
	return n
}

func popcount64(w uint64) int {
	n := 0
	for w != 0 {
		w &= w - 1
		n++
	}
	return n
}

// Validate checks the paired-update invariant: a visible UpdateDelete
// must be immediately followed by a visible UpdateInsert. The compactor
// does not call it: compaction promotes every update half to a plain
// Insert or Delete, and re-pairs only adjacent records (see compact.go).
func (c *StreamChunk) Validate() error {
	for i := 0; i < c.Len(); i++ {
		if c.Ops[i] == UpdateDelete && c.IsVisible(i) {
			if i+1 >= c.Len() || c.Ops[i+1] != UpdateInsert || !c.IsVisible(i+1) {
				return errInvalidUpdatePair(i)
			}
		}
	}
	return nil
}
