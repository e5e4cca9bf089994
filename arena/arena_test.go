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

package arena

import "testing"

func TestAllocGrows(t *testing.T) {
	a := New(4)
	b1, err := a.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}
	copy(b1, "abcd")
	b2, err := a.Alloc(8)
	if err != nil {
		t.Fatal(err)
	}
	copy(b2, "deadbeef")
	if string(a.Bytes()) != "abcddeadbeef" {
		t.Fatalf("got %q", a.Bytes())
	}
}

func TestFixedArenaReturnsFullError(t *testing.T) {
	a := NewFixed(8)
	if _, err := a.Alloc(4); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(8); err == nil {
		t.Fatal("expected MemTableFullError")
	}
}

func TestResetReclaims(t *testing.T) {
	a := New(8)
	_, _ = a.Alloc(8)
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("expected len 0 after reset, got %d", a.Len())
	}
}
