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

package zset

import (
	"testing"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
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

func TestConsolidateCancelsOppositeWeights(t *testing.T) {
	s := testSchema(t)
	b := New(s)
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	b.Append(gtype.FromU64(1), -1, mkRow(t, s, "alice"))
	b.Sort()
	b.Consolidate()
	if b.Len() != 0 {
		t.Fatalf("expected Ghost Property to drop the pair, got %d entries", b.Len())
	}
}

func TestConsolidateSumsWeights(t *testing.T) {
	s := testSchema(t)
	b := New(s)
	b.Append(gtype.FromU64(5), 2, mkRow(t, s, "bob"))
	b.Append(gtype.FromU64(5), 3, mkRow(t, s, "bob"))
	b.Sort()
	b.Consolidate()
	if b.Len() != 1 {
		t.Fatalf("expected one consolidated entry, got %d", b.Len())
	}
	if b.Entries[0].Weight != 5 {
		t.Fatalf("weight = %d, want 5", b.Entries[0].Weight)
	}
}

func TestConsolidateKeepsDistinctPayloadsSeparate(t *testing.T) {
	s := testSchema(t)
	b := New(s)
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "alice"))
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "carol"))
	b.Sort()
	b.Consolidate()
	if b.Len() != 2 {
		t.Fatalf("expected 2 distinct entries for same pk with different payloads, got %d", b.Len())
	}
}

func TestSortOrdersByPK(t *testing.T) {
	s := testSchema(t)
	b := New(s)
	b.Append(gtype.FromU64(9), 1, mkRow(t, s, "z"))
	b.Append(gtype.FromU64(1), 1, mkRow(t, s, "a"))
	b.Sort()
	if !b.Entries[0].PK.Equal(gtype.FromU64(1)) {
		t.Fatalf("expected pk 1 first after sort")
	}
}
