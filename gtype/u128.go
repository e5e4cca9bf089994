// Copyright (C) 2024 GnitzDB Authors
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

package gtype

// U128 is a 128-bit value stored as (Lo, Hi) to dodge the alignment
// pitfalls of a native 128-bit integer on most Go-supported platforms;
// it also matches the on-disk split representation used by the manifest
// and WAL formats (§6).
type U128 struct {
	Lo, Hi uint64
}

// Less orders u128 values using (hi, lo) unsigned comparison, as required
// by ZSetBatch's sort order (spec.md §3).
func (u U128) Less(o U128) bool {
	if u.Hi != o.Hi {
		return u.Hi < o.Hi
	}
	return u.Lo < o.Lo
}

// Equal reports bitwise equality.
func (u U128) Equal(o U128) bool { return u.Lo == o.Lo && u.Hi == o.Hi }

// Compare returns -1, 0, or 1 following (hi, lo) unsigned order.
func (u U128) Compare(o U128) int {
	switch {
	case u.Hi < o.Hi:
		return -1
	case u.Hi > o.Hi:
		return 1
	case u.Lo < o.Lo:
		return -1
	case u.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

// FromU64 widens a plain u64 primary key into the U128 domain used
// internally by the skip-list, cursors, and tournament tree, so that
// tables with either PK width can share the same merge machinery.
func FromU64(v uint64) U128 { return U128{Lo: v} }

// Max is the largest representable U128, used as the sentinel "exhausted"
// key by cursors (mirroring gnitz/storage/tournament_tree.py's use of
// r_uint128(-1)).
var Max = U128{Lo: ^uint64(0), Hi: ^uint64(0)}
