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

// Package zset implements ZSetBatch, the in-memory unit of change the VM's
// delta and trace registers move around: an unordered multiset of
// (primary key, weight, payload) triples. A batch's weights are integers,
// possibly negative, possibly summing to zero for a given key -- sorting
// and Consolidate are what establish and then enforce the Ghost Property
// (spec.md §2): no zero-net-weight entry survives Consolidate.
package zset

import (
	"bytes"

	"golang.org/x/exp/slices"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
)

// Entry is one (pk, weight, payload) triple of a Batch.
type Entry struct {
	PK     gtype.U128
	Weight int64
	Row    *row.PayloadRow
}

// Batch is an ordered (after Sort) or unordered (freshly appended) list of
// Entry values sharing one Schema.
type Batch struct {
	Schema  *schema.Schema
	Entries []Entry
}

// New returns an empty Batch over schema s.
func New(s *schema.Schema) *Batch {
	return &Batch{Schema: s}
}

// Append adds one entry to the batch. It does not sort or consolidate.
func (b *Batch) Append(pk gtype.U128, weight int64, r *row.PayloadRow) {
	b.Entries = append(b.Entries, Entry{PK: pk, Weight: weight, Row: r})
}

// Len returns the number of entries currently in the batch.
func (b *Batch) Len() int { return len(b.Entries) }

// Extend appends all of other's entries to b. Both batches must share the
// same schema.
func (b *Batch) Extend(other *Batch) {
	b.Entries = append(b.Entries, other.Entries...)
}

// Clear empties the batch without releasing its backing array.
func (b *Batch) Clear() {
	b.Entries = b.Entries[:0]
}

// compareEntries orders two entries first by primary key using unsigned
// (hi, lo) ordering, then by the byte-canonical content of their payload.
// This is the sort predicate Consolidate relies on to bring duplicate
// (pk, payload) entries adjacent to each other.
func compareEntries(a, b Entry) int {
	if c := a.PK.Compare(b.PK); c != 0 {
		return c
	}
	return bytes.Compare(a.Row.ContentKey(), b.Row.ContentKey())
}

// Sort orders Entries by (pk, payload content), the precondition for
// Consolidate.
func (b *Batch) Sort() {
	slices.SortFunc(b.Entries, func(x, y Entry) bool {
		return compareEntries(x, y) < 0
	})
}

// Consolidate merges adjacent entries with identical (pk, payload) by
// summing their weights, and drops any entry whose summed weight is
// exactly zero. The batch must already be sorted (via Sort) or the result
// is meaningless. This is the batch-level enforcement point of the Ghost
// Property: after Consolidate, no (pk, payload) pair with net weight zero
// remains in the batch (spec.md §2).
func (b *Batch) Consolidate() {
	if len(b.Entries) == 0 {
		return
	}
	out := b.Entries[:0]
	i := 0
	for i < len(b.Entries) {
		j := i + 1
		weight := b.Entries[i].Weight
		for j < len(b.Entries) && compareEntries(b.Entries[i], b.Entries[j]) == 0 {
			weight += b.Entries[j].Weight
			j++
		}
		if weight != 0 {
			out = append(out, Entry{PK: b.Entries[i].PK, Weight: weight, Row: b.Entries[i].Row})
		}
		i = j
	}
	b.Entries = out
}
