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

package ipc

import (
	"testing"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
)

func ordersSchema(t *testing.T) *schema.Schema {
	t.Helper()
	cols := []schema.Column{
		{Name: "order_id", Type: gtype.U64},
		{Name: "customer", Type: gtype.String},
		{Name: "amount", Type: gtype.I64},
	}
	s, err := schema.New(1, "orders", cols, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mkOrderRow(t *testing.T, s *schema.Schema, customer string, amount int64) *row.PayloadRow {
	t.Helper()
	r := row.New(s)
	if err := r.AppendString(customer); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(amount); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEncodeDecodeRowsRoundTrip(t *testing.T) {
	s := ordersSchema(t)
	b := zset.New(s)
	longName := ""
	for i := 0; i < 40; i++ {
		longName += "x"
	}
	b.Append(gtype.FromU64(1), 1, mkOrderRow(t, s, "alice", 500))
	b.Append(gtype.FromU64(2), -1, mkOrderRow(t, s, longName, -100))

	arena := encodeRows(b)
	got, err := decodeRows(s, arena, uint64(len(b.Entries)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(got.Entries))
	}
	if got.Entries[0].PK.Lo != 1 || got.Entries[0].Weight != 1 {
		t.Fatalf("entry 0 = %+v", got.Entries[0])
	}
	if got.Entries[0].Row.GetOwnStr(1) != "alice" {
		t.Fatalf("entry 0 customer = %q, want alice", got.Entries[0].Row.GetOwnStr(1))
	}
	if got.Entries[1].PK.Lo != 2 || got.Entries[1].Weight != -1 {
		t.Fatalf("entry 1 = %+v", got.Entries[1])
	}
	if got.Entries[1].Row.GetOwnStr(1) != longName {
		t.Fatal("entry 1 long blob-backed string did not round trip")
	}
	if got.Entries[1].Row.GetIntSigned(2) != -100 {
		t.Fatalf("entry 1 amount = %d, want -100", got.Entries[1].Row.GetIntSigned(2))
	}
}

func TestEncodeRowsEmptyBatch(t *testing.T) {
	s := ordersSchema(t)
	b := zset.New(s)
	arena := encodeRows(b)
	if len(arena) != 0 {
		t.Fatalf("len(arena) = %d, want 0", len(arena))
	}
	got, err := decodeRows(s, arena, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 0 {
		t.Fatalf("len(Entries) = %d, want 0", len(got.Entries))
	}
}

func TestDecodeRowsRejectsTruncatedArena(t *testing.T) {
	s := ordersSchema(t)
	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkOrderRow(t, s, "alice", 500))
	arena := encodeRows(b)
	if _, err := decodeRows(s, arena[:len(arena)/2], 1); err == nil {
		t.Fatal("expected error decoding a truncated arena")
	}
}
