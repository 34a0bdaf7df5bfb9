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

// RowOps walks the chunk's visible records in order and returns them as
// RowOps, pairing an UpdateDelete with its following UpdateInsert into a
// single Update RowOp. Used by callers (the DML executor's batch-group
// flush, in particular) that need to re-bucket rows from several small
// chunks into fresh, size-bounded ones via Builder.
func (c *StreamChunk) RowOps() ([]RowOp, error) {
	out := make([]RowOp, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		if !c.IsVisible(i) {
			continue
		}
		switch c.Ops[i] {
		case Insert:
			out = append(out, RowOp{Op: Insert, New: c.Rows[i]})
		case Delete:
			out = append(out, RowOp{Op: Delete, Old: c.Rows[i]})
		case UpdateDelete:
			if i+1 >= c.Len() || c.Ops[i+1] != UpdateInsert || !c.IsVisible(i+1) {
				return nil, errInvalidUpdatePair(i)
			}
			out = append(out, RowOp{Op: UpdateInsert, Old: c.Rows[i], New: c.Rows[i+1]})
			i++
		case UpdateInsert:
			return nil, errInvalidUpdatePair(i)
		}
	}
	return out, nil
}
