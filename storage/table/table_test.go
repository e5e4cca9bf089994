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

package table

import (
	"testing"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
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

func mkRow(t *testing.T, s *schema.Schema, name string) *row.PayloadRow {
	t.Helper()
	r := row.New(s)
	if err := r.AppendString(name); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestPersistentTableIngestAndCursor(t *testing.T) {
	s := testSchema(t)
	tbl, err := Open(t.TempDir(), s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	b.Append(gtype.FromU64(2), 1, mkRow(t, s, "bob"))
	if err := tbl.IngestBatch(b); err != nil {
		t.Fatal(err)
	}

	cur, err := tbl.CreateCursor()
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		_, _, _, ok, err := cur.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 rows from cursor, got %d", count)
	}
}

func TestPersistentTableFlushThenGetWeight(t *testing.T) {
	s := testSchema(t)
	tbl, err := Open(t.TempDir(), s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	b := zset.New(s)
	payload := mkRow(t, s, "alice")
	b.Append(gtype.FromU64(1), 1, payload)
	if err := tbl.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatal(err)
	}

	w, err := tbl.GetWeight(gtype.FromU64(1), mkRow(t, s, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if w != 1 {
		t.Fatalf("weight = %d, want 1", w)
	}

	w2, err := tbl.GetWeight(gtype.FromU64(1), mkRow(t, s, "someone-else"))
	if err != nil {
		t.Fatal(err)
	}
	if w2 != 0 {
		t.Fatalf("distinct payload at same pk should have weight 0, got %d", w2)
	}
}

func TestPersistentTableReopenReplaysUnflushedWrites(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	tbl, err := Open(dir, s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	if err := tbl.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	w, err := reopened.GetWeight(gtype.FromU64(1), mkRow(t, s, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if w != 1 {
		t.Fatalf("weight after reopen = %d, want 1 (unflushed write must replay from the WAL)", w)
	}
}

func TestPersistentTableReopenDoesNotDoubleCountFlushedWrites(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	tbl, err := Open(dir, s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	if err := tbl.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	w, err := reopened.GetWeight(gtype.FromU64(1), mkRow(t, s, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if w != 1 {
		t.Fatalf("weight after reopen = %d, want 1 (a flushed write must not also replay from the WAL)", w)
	}
}

func TestEphemeralTableIngestAndGetWeight(t *testing.T) {
	s := testSchema(t)
	et := NewEphemeral(s, 1<<20, 1, 2)
	b := zset.New(s)
	b.Append(gtype.FromU64(5), 3, mkRow(t, s, "carol"))
	if err := et.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
	if w := et.GetWeight(gtype.FromU64(5), mkRow(t, s, "carol")); w != 3 {
		t.Fatalf("weight = %d, want 3", w)
	}
}

func TestPersistentTableLookupPKReturnsAllLivePayloads(t *testing.T) {
	s := testSchema(t)
	tbl, err := Open(t.TempDir(), s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alicia"))
	b.Append(gtype.FromU64(2), 1, mkRow(t, s, "bob"))
	if err := tbl.IngestBatch(b); err != nil {
		t.Fatal(err)
	}

	matches, err := tbl.LookupPK(gtype.FromU64(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
}

func TestPersistentTableLookupPKSpansShardAndMemtable(t *testing.T) {
	s := testSchema(t)
	tbl, err := Open(t.TempDir(), s, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	flushed := zset.New(s)
	flushed.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	if err := tbl.IngestBatch(flushed); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatal(err)
	}

	unflushed := zset.New(s)
	unflushed.Append(gtype.FromU64(1), 1, mkRow(t, s, "alicia"))
	if err := tbl.IngestBatch(unflushed); err != nil {
		t.Fatal(err)
	}

	matches, err := tbl.LookupPK(gtype.FromU64(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2 (one flushed, one still in memtable)", len(matches))
	}
}

func TestEphemeralTableLookupPK(t *testing.T) {
	s := testSchema(t)
	et := NewEphemeral(s, 1<<20, 1, 2)
	b := zset.New(s)
	b.Append(gtype.FromU64(9), 2, mkRow(t, s, "dan"))
	if err := et.IngestBatch(b); err != nil {
		t.Fatal(err)
	}

	matches, err := et.LookupPK(gtype.FromU64(9))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Weight != 2 {
		t.Fatalf("matches = %+v, want one entry of weight 2", matches)
	}
}
