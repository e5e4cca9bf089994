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

// Package arena implements a bump-allocated byte buffer: the building
// block behind MemTable node payloads, blob-heap staging, and the primary
// and blob regions of the shared-memory IPC transfer (spec.md §5, §6).
// Allocation never returns a freed slice to a pool; an Arena is reclaimed
// in one shot by Reset or by being dropped.
package arena

import "github.com/gnitzdb/gnitz/internal/gnitzerr"

// Arena is a growable bump allocator. Allocated slices remain valid
// (and stable) only until the next Grow-triggering Alloc or a Reset;
// callers that need a stable address across growth must copy out.
type Arena struct {
	buf      []byte
	off      int
	fixed    bool
	capacity int
}

// New returns a growable Arena that starts with capacity cap bytes.
func New(cap int) *Arena {
	return &Arena{buf: make([]byte, cap)}
}

// NewFixed returns an Arena with a hard ceiling of capacity bytes; Alloc
// returns gnitzerr.MemTableFullError instead of growing past it, for
// callers that must fail over to a flush rather than grow unboundedly
// (spec.md §4.2).
func NewFixed(capacity int) *Arena {
	return &Arena{buf: make([]byte, capacity), fixed: true, capacity: capacity}
}

// Alloc reserves n contiguous bytes and returns them zeroed. A growable
// Arena doubles its backing array as needed; a fixed Arena returns
// MemTableFullError once its capacity is exhausted.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if a.off+n > len(a.buf) {
		if a.fixed {
			return nil, &gnitzerr.MemTableFullError{Capacity: int64(a.capacity)}
		}
		newCap := len(a.buf) * 2
		if newCap < a.off+n {
			newCap = a.off + n
		}
		if newCap == 0 {
			newCap = n
		}
		grown := make([]byte, newCap)
		copy(grown, a.buf[:a.off])
		a.buf = grown
	}
	b := a.buf[a.off : a.off+n : a.off+n]
	a.off += n
	return b, nil
}

// AllocCopy allocates len(src) bytes and copies src into them, returning
// the arena-owned slice.
func (a *Arena) AllocCopy(src []byte) ([]byte, error) {
	dst, err := a.Alloc(len(src))
	if err != nil {
		return nil, err
	}
	copy(dst, src)
	return dst, nil
}

// Len returns the number of bytes allocated so far.
func (a *Arena) Len() int { return a.off }

// Cap returns the arena's current backing capacity.
func (a *Arena) Cap() int { return len(a.buf) }

// Bytes returns the arena's live region, a.buf[:a.off]. The slice is only
// valid until the next Alloc or Reset.
func (a *Arena) Bytes() []byte { return a.buf[:a.off] }

// Reset reclaims the whole arena in one shot, ready for reuse.
func (a *Arena) Reset() { a.off = 0 }
