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

package refcount

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarkForDeletionDeferredUntilRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.shard")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	tr := New()
	tr.Acquire(path)
	if err := tr.MarkForDeletion(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("file should still exist while held")
	}
	if err := tr.Release(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should be removed after last release")
	}
}

func TestMarkForDeletionUnreferencedRemovesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0001.shard")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	tr := New()
	if err := tr.MarkForDeletion(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("unreferenced shard should be removed immediately")
	}
}
