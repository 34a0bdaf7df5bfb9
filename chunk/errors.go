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

import "fmt"

func errInvalidUpdatePair(i int) error {
	return fmt.Errorf("chunk: UpdateDelete at index %d is not immediately followed by a visible UpdateInsert", i)
}

func errDuplicateInsert(key Row) error {
	return fmt.Errorf("chunk: duplicate insert on same key %v", key)
}

func errDuplicateDelete(key Row) error {
	return fmt.Errorf("chunk: duplicate delete on same key %v", key)
}

func errInconsistentSequence(key Row) error {
	return fmt.Errorf("chunk: inconsistent update sequence on key %v: insert after delete+insert", key)
}
