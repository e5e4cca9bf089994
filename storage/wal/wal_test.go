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

package wal

import (
	"io"
	"os"
	"path/filepath"
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

func TestAppendAndReadRoundTrip(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "0.wal")

	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}

	b := zset.New(s)
	r1 := row.New(s)
	if err := r1.AppendString("a fairly long string for the heap"); err != nil {
		t.Fatal(err)
	}
	b.Append(gtype.FromU64(1), 1, r1)
	r2 := row.New(s)
	if err := r2.AppendString("short"); err != nil {
		t.Fatal(err)
	}
	b.Append(gtype.FromU64(2), -3, r2)

	if err := w.AppendBlock(42, 7, b, false); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	rd, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()

	blk, err := rd.Next(s)
	if err != nil {
		t.Fatal(err)
	}
	if blk.LSN != 42 || blk.TableID != 7 {
		t.Fatalf("got lsn=%d tid=%d", blk.LSN, blk.TableID)
	}
	if blk.Batch.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", blk.Batch.Len())
	}
	if got := blk.Batch.Entries[0].Row.GetOwnStr(1); got != "a fairly long string for the heap" {
		t.Fatalf("round trip mismatch: %q", got)
	}
	if blk.Batch.Entries[1].Weight != -3 {
		t.Fatalf("weight mismatch: %d", blk.Batch.Entries[1].Weight)
	}

	if _, err := rd.Next(s); err != io.EOF {
		t.Fatalf("expected io.EOF at end of segment, got %v", err)
	}
}

func TestTruncatedTrailingBlockTreatedAsEOF(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "0.wal")

	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	b := zset.New(s)
	r1 := row.New(s)
	_ = r1.AppendString("x")
	b.Append(gtype.FromU64(1), 1, r1)
	if err := w.AppendBlock(1, 1, b, false); err != nil {
		t.Fatal(err)
	}
	w.Close()

	// Corrupt the file by truncating it mid-block.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-4); err != nil {
		t.Fatal(err)
	}

	rd, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	if _, err := rd.Next(s); err != io.EOF {
		t.Fatalf("expected truncated block to read as io.EOF, got %v", err)
	}
}
