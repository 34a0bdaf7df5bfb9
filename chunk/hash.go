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

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dchest/siphash"
)

// fixed process-lifetime siphash key; only used to spread keys across
// buckets, not for anything security sensitive.
const (
	hashKey0 = 0x9ae16a3b2f90404f
	hashKey1 = 0x77e2422efbdb9dd9
)

// encodeKey serializes the projection of row onto key into a
// self-delimiting byte sequence suitable for hashing and equality
// comparison. Each value is tagged with its dynamic type so that, e.g.,
// the int64 0 and the string "0" never collide.
func encodeKey(row Row, key StreamKey) []byte {
	buf := make([]byte, 0, 8*len(key))
	var scratch [8]byte
	for _, col := range key {
		v := row[col]
		switch x := v.(type) {
		case nil:
			buf = append(buf, 'n')
		case bool:
			buf = append(buf, 'b')
			if x {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case int:
			buf = append(buf, 'i')
			binary.LittleEndian.PutUint64(scratch[:], uint64(int64(x)))
			buf = append(buf, scratch[:]...)
		case int64:
			buf = append(buf, 'i')
			binary.LittleEndian.PutUint64(scratch[:], uint64(x))
			buf = append(buf, scratch[:]...)
		case float64:
			buf = append(buf, 'f')
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(x))
			buf = append(buf, scratch[:]...)
		case string:
			buf = append(buf, 's')
			binary.LittleEndian.PutUint64(scratch[:], uint64(len(x)))
			buf = append(buf, scratch[:]...)
			buf = append(buf, x...)
		case []byte:
			buf = append(buf, 'x')
			binary.LittleEndian.PutUint64(scratch[:], uint64(len(x)))
			buf = append(buf, scratch[:]...)
			buf = append(buf, x...)
		default:
			// fall back to a stable textual encoding; rare in practice
			s := fmt.Sprintf("%v", x)
			buf = append(buf, '?')
			binary.LittleEndian.PutUint64(scratch[:], uint64(len(s)))
			buf = append(buf, scratch[:]...)
			buf = append(buf, s...)
		}
		buf = append(buf, 0) // column separator
	}
	return buf
}

// keyHash computes a deterministic 32-bit hash of row projected onto
// key, folding the two halves of a keyed SipHash-2-4 digest together.
// The compactor hashes each record's key once and uses the digest
// directly as the map bucket selector, so the key tuple is not
// rehashed by the map itself.
func keyHash(row Row, key StreamKey) uint32 {
	h := siphash.Hash(hashKey0, hashKey1, encodeKey(row, key))
	return uint32(h) ^ uint32(h>>32)
}
