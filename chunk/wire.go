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
)

// wire tags for the per-value encoding used by Encode/Decode. These are
// deliberately distinct from the key-hash tags in hash.go, which are
// not required to round-trip.
const (
	tagNull byte = iota
	tagBool
	tagInt64
	tagFloat64
	tagString
	tagBytes
)

// Encode serializes c into the wire format described in spec.md section
// 6: a parallel Ops vector, an optional visibility bitmap, and N rows
// of typed columns. Ops are encoded as Insert=0, Delete=1,
// UpdateInsert=2, UpdateDelete=3, matching the Op constants exactly.
func Encode(c *StreamChunk) ([]byte, error) {
	buf := make([]byte, 0, 64+c.Len()*16)
	var scratch [8]byte

	n := c.Len()
	binary.LittleEndian.PutUint32(scratch[:4], uint32(n))
	buf = append(buf, scratch[:4]...)

	for _, op := range c.Ops {
		buf = append(buf, byte(op))
	}

	if c.Visibility == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		for _, w := range c.Visibility {
			binary.LittleEndian.PutUint64(scratch[:], w)
			buf = append(buf, scratch[:]...)
		}
	}

	width := 0
	if n > 0 {
		width = len(c.Rows[0])
	}
	binary.LittleEndian.PutUint32(scratch[:4], uint32(width))
	buf = append(buf, scratch[:4]...)

	for _, row := range c.Rows {
		if len(row) != width {
			return nil, fmt.Errorf("chunk: ragged row width %d, expected %d", len(row), width)
		}
		for _, v := range row {
			var err error
			buf, err = appendValue(buf, v)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	var scratch [8]byte
	switch x := v.(type) {
	case nil:
		buf = append(buf, tagNull)
	case bool:
		buf = append(buf, tagBool)
		if x {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case int:
		buf = append(buf, tagInt64)
		binary.LittleEndian.PutUint64(scratch[:], uint64(int64(x)))
		buf = append(buf, scratch[:]...)
	case int64:
		buf = append(buf, tagInt64)
		binary.LittleEndian.PutUint64(scratch[:], uint64(x))
		buf = append(buf, scratch[:]...)
	case float64:
		buf = append(buf, tagFloat64)
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(x))
		buf = append(buf, scratch[:]...)
	case string:
		buf = append(buf, tagString)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(x)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, x...)
	case []byte:
		buf = append(buf, tagBytes)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(x)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, x...)
	default:
		return nil, fmt.Errorf("chunk: unsupported wire value type %T", v)
	}
	return buf, nil
}

// Decode is the inverse of Encode.
func Decode(buf []byte) (*StreamChunk, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("chunk: short buffer")
	}
	n := int(binary.LittleEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if len(buf) < n {
		return nil, fmt.Errorf("chunk: truncated ops vector")
	}
	ops := make([]Op, n)
	for i := 0; i < n; i++ {
		ops[i] = Op(buf[i])
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return nil, fmt.Errorf("chunk: missing visibility flag")
	}
	hasVis := buf[0]
	buf = buf[1:]
	var vis []uint64
	if hasVis == 1 {
		words := (n + 63) / 64
		need := words * 8
		if len(buf) < need {
			return nil, fmt.Errorf("chunk: truncated visibility bitmap")
		}
		vis = make([]uint64, words)
		for i := 0; i < words; i++ {
			vis[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
		}
		buf = buf[need:]
	}

	if len(buf) < 4 {
		return nil, fmt.Errorf("chunk: missing column width")
	}
	width := int(binary.LittleEndian.Uint32(buf[:4]))
	buf = buf[4:]

	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		row := make(Row, width)
		for j := 0; j < width; j++ {
			v, rest, err := readValue(buf)
			if err != nil {
				return nil, err
			}
			row[j] = v
			buf = rest
		}
		rows[i] = row
	}
	return &StreamChunk{Ops: ops, Rows: rows, Visibility: vis, cardinality: -1}, nil
}

func readValue(buf []byte) (any, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("chunk: truncated value tag")
	}
	tag := buf[0]
	buf = buf[1:]
	switch tag {
	case tagNull:
		return nil, buf, nil
	case tagBool:
		if len(buf) < 1 {
			return nil, nil, fmt.Errorf("chunk: truncated bool")
		}
		return buf[0] != 0, buf[1:], nil
	case tagInt64:
		if len(buf) < 8 {
			return nil, nil, fmt.Errorf("chunk: truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(buf[:8])), buf[8:], nil
	case tagFloat64:
		if len(buf) < 8 {
			return nil, nil, fmt.Errorf("chunk: truncated float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[:8])), buf[8:], nil
	case tagString:
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("chunk: truncated string length")
		}
		l := int(binary.LittleEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < l {
			return nil, nil, fmt.Errorf("chunk: truncated string")
		}
		return string(buf[:l]), buf[l:], nil
	case tagBytes:
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("chunk: truncated bytes length")
		}
		l := int(binary.LittleEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < l {
			return nil, nil, fmt.Errorf("chunk: truncated bytes")
		}
		out := make([]byte, l)
		copy(out, buf[:l])
		return out, buf[l:], nil
	default:
		return nil, nil, fmt.Errorf("chunk: unknown wire tag %d", tag)
	}
}
