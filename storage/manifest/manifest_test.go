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

package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPublishLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CURRENT")
	s := New(path)

	m := &Manifest{
		Generation: 1,
		TableID:    7,
		Shards: []ShardEntry{
			{Path: "0001.shard", Level: 0, MinLSN: 1, MaxLSN: 10, NumRows: 100},
		},
	}
	if err := s.Publish(m); err != nil {
		t.Fatal(err)
	}

	s2 := New(path)
	loaded, err := s2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Generation != 1 || loaded.TableID != 7 || len(loaded.Shards) != 1 {
		t.Fatalf("loaded manifest mismatch: %+v", loaded)
	}
}

func TestLoadRejectsTamperedManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CURRENT")
	s := New(path)
	if err := s.Publish(&Manifest{Generation: 1, TableID: 1}); err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append(body, []byte(`x`)...)
	if err := os.WriteFile(path, tampered, 0644); err != nil {
		t.Fatal(err)
	}
	s2 := New(path)
	if _, err := s2.Load(); err == nil {
		t.Fatal("expected signature mismatch on tampered manifest")
	}
}

func TestHasChangedDetectsNewGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CURRENT")
	s := New(path)
	if err := s.Publish(&Manifest{Generation: 1, TableID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	changed, err := s.HasChanged()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected no change immediately after Load")
	}
	if err := s.Publish(&Manifest{Generation: 2, TableID: 1}); err != nil {
		t.Fatal(err)
	}
	changed, err = s.HasChanged()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected HasChanged to report the newly published generation")
	}
}
