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

import "log"

// recordRef locates a single record within the chunk sequence being
// compacted.
type recordRef struct {
	chunk *StreamChunk
	idx   int
}

func (r recordRef) row() Row { return r.chunk.Rows[r.idx] }

type stateKind uint8

const (
	stateEmpty stateKind = iota
	stateInsert
	stateDelete
	stateDeleteInsert
)

// keyState is the per-key state machine described in spec.md section
// 4.1: one of {empty, I(row), D(row), DI(old,new)}.
type keyState struct {
	kind stateKind
	del  recordRef // valid in stateDelete, stateDeleteInsert
	ins  recordRef // valid in stateInsert, stateDeleteInsert
}

// keyTable is the pre-hashed map: each record's key is hashed once to a
// 32-bit digest, and that digest is the bucket selector for the lookup,
// so the map never hashes the key tuple itself.
// Collisions are resolved by an explicit key-bytes comparison within
// the bucket.
type keyTable struct {
	buckets map[uint32][]*bucketEntry
	order   []*bucketEntry // first-seen order, used by reconstruct mode
}

type bucketEntry struct {
	keyBytes []byte
	state    keyState
}

func newKeyTable() *keyTable {
	return &keyTable{buckets: make(map[uint32][]*bucketEntry)}
}

func (t *keyTable) lookup(hash uint32, keyBytes []byte) *bucketEntry {
	for _, e := range t.buckets[hash] {
		if string(e.keyBytes) == string(keyBytes) {
			return e
		}
	}
	e := &bucketEntry{keyBytes: keyBytes}
	t.buckets[hash] = append(t.buckets[hash], e)
	t.order = append(t.order, e)
	return e
}

// CompactMode selects how Compact emits its result.
type CompactMode int

const (
	// InPlace modifies Op tags and visibility bitmaps of the input
	// chunks and returns them unchanged in count and order.
	InPlace CompactMode = iota
	// Reconstruct drops chunk structure and materializes a fresh chunk
	// sequence bounded by a caller-supplied chunk size.
	Reconstruct
)

// DuplicateKeyPolicy controls what happens when the compactor observes
// two inserts, or two deletes, in a row for the same key.
type DuplicateKeyPolicy int

const (
	// NewerWins logs a warning and keeps processing, letting the most
	// recent record win. This is the default for Reconstruct mode.
	NewerWins DuplicateKeyPolicy = iota
	// Assert panics on the first duplicate. Intended for in-place
	// compaction in debug builds, per spec.md section 4.1.
	Assert
)

// Compactor collapses intermediate inserts/deletes/updates within a
// chunk sequence into the minimal correct set of operations, preserving
// stream-key semantics.
type Compactor struct {
	Key    StreamKey
	Policy DuplicateKeyPolicy
	Logger *log.Logger
}

func (c *Compactor) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// promote rewrites UpdateDelete/UpdateInsert to Delete/Insert in place,
// implementing rule 1 of spec.md section 4.1.
func promote(c *StreamChunk, i int) Op {
	switch c.Ops[i] {
	case UpdateDelete:
		c.Ops[i] = Delete
	case UpdateInsert:
		c.Ops[i] = Insert
	}
	return c.Ops[i]
}

// run drives every visible record in chunks, in arrival order, through
// the per-key state machine. invalidate, when non-nil, is called for
// every ref that becomes logically dead along the way (used by
// in-place mode to flip visibility bits as it goes).
func (c *Compactor) run(chunks []*StreamChunk, invalidate func(recordRef)) (*keyTable, error) {
	t := newKeyTable()
	for _, chk := range chunks {
		for i := 0; i < chk.Len(); i++ {
			if !chk.IsVisible(i) {
				continue
			}
			op := promote(chk, i)
			row := chk.Rows[i]
			kb := encodeKey(row, c.Key)
			h := keyHash(row, c.Key)
			e := t.lookup(h, kb)
			ref := recordRef{chunk: chk, idx: i}
			if err := c.transition(e, op, ref, invalidate); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (c *Compactor) transition(e *bucketEntry, op Op, ref recordRef, invalidate func(recordRef)) error {
	s := &e.state
	kill := func(r recordRef) {
		if invalidate != nil {
			invalidate(r)
		}
	}
	switch op {
	case Insert:
		switch s.kind {
		case stateEmpty:
			s.kind = stateInsert
			s.ins = ref
		case stateDelete:
			s.kind = stateDeleteInsert
			s.ins = ref
		case stateInsert:
			if c.Policy == Assert {
				panic(errDuplicateInsert(ref.row().Project(c.Key)))
			}
			c.logf("warning: duplicate insert on same key %v, keeping newest", ref.row().Project(c.Key))
			kill(s.ins)
			s.ins = ref
		case stateDeleteInsert:
			return errInconsistentSequence(ref.row().Project(c.Key))
		}
	case Delete:
		switch s.kind {
		case stateEmpty:
			s.kind = stateDelete
			s.del = ref
		case stateInsert:
			kill(s.ins)
			kill(ref)
			s.kind = stateEmpty
			s.ins = recordRef{}
		case stateDelete:
			if c.Policy == Assert {
				panic(errDuplicateDelete(ref.row().Project(c.Key)))
			}
			c.logf("warning: duplicate delete on same key %v, keeping newest", ref.row().Project(c.Key))
			kill(s.del)
			s.del = ref
		case stateDeleteInsert:
			kill(s.ins)
			kill(ref)
			s.kind = stateDelete
			s.ins = recordRef{}
		}
	}
	return nil
}

// finalizeInPlace applies rule 3 of spec.md section 4.1 to a
// stateDeleteInsert entry: collapse no-op updates, and re-tag true
// updates as a paired UpdateDelete/UpdateInsert when the two records
// are adjacent within the same chunk.
func finalizeInPlace(e *bucketEntry) {
	s := &e.state
	if s.kind != stateDeleteInsert {
		return
	}
	oldRow, newRow := s.del.row(), s.ins.row()
	if oldRow.Equal(newRow) {
		s.del.chunk.SetVisible(s.del.idx, false)
		s.ins.chunk.SetVisible(s.ins.idx, false)
		return
	}
	if s.del.chunk == s.ins.chunk && s.ins.idx == s.del.idx+1 {
		s.del.chunk.Ops[s.del.idx] = UpdateDelete
		s.ins.chunk.Ops[s.ins.idx] = UpdateInsert
	}
	// otherwise: leave as a plain Delete(old) followed by Insert(new);
	// the paired-update protocol only applies to adjacent records.
}

// CompactInPlace implements Compact in InPlace mode: it mutates the Op
// tags and visibility bitmaps of chunks and leaves them unchanged in
// count and order.
func (c *Compactor) CompactInPlace(chunks []*StreamChunk) error {
	invalidate := func(r recordRef) { r.chunk.SetVisible(r.idx, false) }
	t, err := c.run(chunks, invalidate)
	if err != nil {
		return err
	}
	for _, e := range t.order {
		finalizeInPlace(e)
	}
	return nil
}

// RowOp is the materialized per-key decision produced by Reconstruct
// mode: exactly one of Insert, Delete, or Update(Old, New).
type RowOp struct {
	Op  Op // Insert, Delete, or UpdateInsert (meaning Update; Old/New both set)
	Old Row
	New Row
}

// CompactReconstruct implements Compact in Reconstruct mode: it drops
// chunk structure and returns the minimal sequence of RowOps, in
// first-seen key order, suitable for feeding to a Builder.
func (c *Compactor) CompactReconstruct(chunks []*StreamChunk) ([]RowOp, error) {
	t, err := c.run(chunks, nil)
	if err != nil {
		return nil, err
	}
	out := make([]RowOp, 0, len(t.order))
	for _, e := range t.order {
		s := &e.state
		switch s.kind {
		case stateInsert:
			out = append(out, RowOp{Op: Insert, New: s.ins.row()})
		case stateDelete:
			out = append(out, RowOp{Op: Delete, Old: s.del.row()})
		case stateDeleteInsert:
			oldRow, newRow := s.del.row(), s.ins.row()
			if oldRow.Equal(newRow) {
				continue // no-op update
			}
			out = append(out, RowOp{Op: UpdateInsert, Old: oldRow, New: newRow})
		}
	}
	return out, nil
}
