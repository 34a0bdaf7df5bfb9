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

// Compact runs the compactor over chunks in the requested mode. In
// InPlace mode the returned slice is chunks itself, mutated; in
// Reconstruct mode it is a fresh chunk sequence bounded by chunkSize.
func (c *Compactor) Compact(chunks []*StreamChunk, mode CompactMode, chunkSize int) ([]*StreamChunk, error) {
	switch mode {
	case InPlace:
		if err := c.CompactInPlace(chunks); err != nil {
			return nil, err
		}
		return chunks, nil
	case Reconstruct:
		rowOps, err := c.CompactReconstruct(chunks)
		if err != nil {
			return nil, err
		}
		b := Builder{ChunkSize: chunkSize}
		b.AppendAll(rowOps)
		return b.Finish(), nil
	default:
		panic("chunk: unknown CompactMode")
	}
}
