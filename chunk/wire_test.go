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
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewStreamChunk(
		[]Op{Insert, Delete, UpdateDelete, UpdateInsert},
		[]Row{
			r(int64(1), "hello", nil),
			r(int64(2), "world", 3.5),
			r(int64(3), "old", true),
			r(int64(3), "new", false),
		},
	)
	c.SetVisible(1, false)

	buf, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got.Ops, c.Ops) {
		t.Fatalf("ops mismatch: got %v want %v", got.Ops, c.Ops)
	}
	if !reflect.DeepEqual(got.Rows, c.Rows) {
		t.Fatalf("rows mismatch: got %v want %v", got.Rows, c.Rows)
	}
	for i := 0; i < c.Len(); i++ {
		if got.IsVisible(i) != c.IsVisible(i) {
			t.Fatalf("visibility mismatch at %d", i)
		}
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatal("expected error decoding truncated buffer")
	}
}

func TestOpWireValues(t *testing.T) {
	cases := map[Op]byte{Insert: 0, Delete: 1, UpdateInsert: 2, UpdateDelete: 3}
	for op, want := range cases {
		if byte(op) != want {
			t.Fatalf("Op %v wire value = %d, want %d", op, byte(op), want)
		}
	}
}
