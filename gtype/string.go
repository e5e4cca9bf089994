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

import (
	"bytes"
	"encoding/binary"
)

// ShortStringThreshold is the maximum string length, in bytes, stored
// fully inline (no heap access required). Strings longer than this are
// stored as a 4-byte prefix plus an 8-byte heap offset.
const ShortStringThreshold = 12

// ShortStringSize is the fixed wire/in-row size of a ShortString: 4-byte
// length, 4-byte prefix, and 8 bytes of either inline continuation or a
// heap offset (spec.md §4.1).
const ShortStringSize = 16

// ShortString is the German-string layout: a 4-byte length, a 4-byte
// prefix used to short-circuit comparisons, and either 8 bytes of inline
// string continuation (when Len <= ShortStringThreshold) or an 8-byte
// little-endian offset into a blob heap.
type ShortString struct {
	Len     uint32
	Prefix  [4]byte
	Payload [8]byte
}

// Pack builds a ShortString for s. If s fits within ShortStringThreshold
// bytes it is stored fully inline; otherwise heapOffset is recorded and the
// caller is responsible for having already appended s's bytes to the
// relevant blob heap at that offset.
func Pack(s string, heapOffset uint64) ShortString {
	var ss ShortString
	ss.Len = uint32(len(s))
	var prefix [4]byte
	copy(prefix[:], s)
	ss.Prefix = prefix
	if len(s) <= ShortStringThreshold {
		if len(s) > 4 {
			copy(ss.Payload[:], s[4:])
		}
	} else {
		binary.LittleEndian.PutUint64(ss.Payload[:], heapOffset)
	}
	return ss
}

// IsInline reports whether the string's bytes are fully contained within
// the ShortString struct (no blob-heap lookup needed).
func (s ShortString) IsInline() bool { return int(s.Len) <= ShortStringThreshold }

// HeapOffset returns the blob-heap offset for a non-inline ShortString.
// The result is meaningless if IsInline() is true.
func (s ShortString) HeapOffset() uint64 { return binary.LittleEndian.Uint64(s.Payload[:]) }

// Resolve reconstructs the full string value. heap is the blob heap the
// string's offset (if any) is relative to; it is ignored for inline
// strings.
func (s ShortString) Resolve(heap []byte) string {
	if s.IsInline() {
		buf := make([]byte, 0, s.Len)
		buf = append(buf, s.Prefix[:min4(int(s.Len))]...)
		if s.Len > 4 {
			buf = append(buf, s.Payload[:s.Len-4]...)
		}
		return string(buf)
	}
	off := s.HeapOffset()
	return string(heap[off : off+uint64(s.Len)])
}

// EqualString compares a ShortString (resolved against heap) to lit,
// short-circuiting on the length and prefix before touching the heap —
// the comparison discipline spec.md §4.1 calls for.
func (s ShortString) EqualString(heap []byte, lit string) bool {
	if int(s.Len) != len(lit) {
		return false
	}
	pfx := lit
	if len(pfx) > 4 {
		pfx = pfx[:4]
	}
	if !bytes.Equal(s.Prefix[:len(pfx)], []byte(pfx)) {
		return false
	}
	return s.Resolve(heap) == lit
}

// Encode writes the ShortString's 16-byte wire form to dst, which must
// have length >= ShortStringSize.
func (s ShortString) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], s.Len)
	copy(dst[4:8], s.Prefix[:])
	copy(dst[8:16], s.Payload[:])
}

// DecodeShortString reads a 16-byte wire form from src.
func DecodeShortString(src []byte) ShortString {
	var s ShortString
	s.Len = binary.LittleEndian.Uint32(src[0:4])
	copy(s.Prefix[:], src[4:8])
	copy(s.Payload[:], src[8:16])
	return s
}

func min4(n int) int {
	if n > 4 {
		return 4
	}
	return n
}
