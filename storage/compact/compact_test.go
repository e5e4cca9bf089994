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

package compact

import (
	"path/filepath"
	"testing"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/shard"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	cols := []schema.Column{
		{Name: "pk", Type: gtype.U64},
		{Name: "name", Type: gtype.String},
	}
	s, err := schema.New(1, "t", cols, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func buildShard(t *testing.T, s *schema.Schema, path string, rows []struct {
	pk     uint64
	weight int64
	name   string
}) *shard.View {
	t.Helper()
	w := shard.NewWriter(s, 1, 1, 2)
	for _, rw := range rows {
		r := row.New(s)
		if err := r.AppendString(rw.name); err != nil {
			t.Fatal(err)
		}
		if err := w.AddRow(gtype.FromU64(rw.pk), rw.weight, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finalize(path); err != nil {
		t.Fatal(err)
	}
	v, err := shard.Open(path, s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

type capturingOutput struct {
	pks     []gtype.U128
	weights []int64
}

func (c *capturingOutput) AddRow(pk gtype.U128, weight int64, r *row.PayloadRow) error {
	c.pks = append(c.pks, pk)
	c.weights = append(c.weights, weight)
	return nil
}

func TestCompactMergesAndConsolidates(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()

	v1 := buildShard(t, s, filepath.Join(dir, "a.shard"), []struct {
		pk     uint64
		weight int64
		name   string
	}{
		{1, 1, "alice"},
		{3, 1, "carol"},
	})
	defer v1.Close()

	v2 := buildShard(t, s, filepath.Join(dir, "b.shard"), []struct {
		pk     uint64
		weight int64
		name   string
	}{
		{1, -1, "alice"}, // cancels with v1's row 1
		{2, 1, "bob"},
	})
	defer v2.Close()

	out := &capturingOutput{}
	err := Run(s, []*Source{{View: v1}, {View: v2}}, out)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.pks) != 2 {
		t.Fatalf("expected 2 surviving rows (pk 2 and 3), got %d: %v", len(out.pks), out.pks)
	}
	for _, pk := range out.pks {
		if pk.Equal(gtype.FromU64(1)) {
			t.Fatalf("pk 1 should have annihilated across shards")
		}
	}
}

func TestCompactSumsWeightsAcrossShards(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()

	v1 := buildShard(t, s, filepath.Join(dir, "a.shard"), []struct {
		pk     uint64
		weight int64
		name   string
	}{{5, 2, "same"}})
	defer v1.Close()
	v2 := buildShard(t, s, filepath.Join(dir, "b.shard"), []struct {
		pk     uint64
		weight int64
		name   string
	}{{5, 3, "same"}})
	defer v2.Close()

	out := &capturingOutput{}
	if err := Run(s, []*Source{{View: v1}, {View: v2}}, out); err != nil {
		t.Fatal(err)
	}
	if len(out.pks) != 1 || out.weights[0] != 5 {
		t.Fatalf("expected single row with weight 5, got %v / %v", out.pks, out.weights)
	}
}
