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

// Package schema describes the ordered column layout of a table: types,
// nullability, foreign keys, and the primary key index. Schemas are
// immutable after construction and are shared by reference by every batch,
// row, and cursor built against them.
package schema

import (
	"fmt"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/ints"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
)

// FK describes a foreign-key reference from a column to another table's
// primary key column.
type FK struct {
	TableID uint64
	ColIdx  int
}

// Column is one column of a Schema.
type Column struct {
	Name     string
	Type     gtype.Code
	Nullable bool
	FK       *FK
}

// Schema is the ordered, immutable column layout of one table, plus the
// derived AoS offsets used by PayloadRow and by the on-disk shard column
// directory.
type Schema struct {
	TableID uint64
	Name    string
	Columns []Column
	PKIndex int

	// offsets[i] is the byte offset of Columns[i] within a fixed-stride
	// AoS row, computed by successive alignment. offsets[PKIndex] is
	// meaningless -- the PK is stored out-of-line as a gtype.U128 key,
	// never inside the payload stride.
	offsets []int
	stride  int
}

// New builds a Schema from an ordered column list and a primary-key index,
// computing AoS offsets and the fixed row stride by successive alignment
// (string alignment 8, u128 alignment 16, everything else its own size),
// per spec.md §3.
func New(tableID uint64, name string, cols []Column, pkIndex int) (*Schema, error) {
	if pkIndex < 0 || pkIndex >= len(cols) {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("pk index %d out of range for %d columns", pkIndex, len(cols))}
	}
	seen := map[string]bool{}
	for _, c := range cols {
		if seen[c.Name] {
			return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("duplicate column %q", c.Name)}
		}
		seen[c.Name] = true
	}
	s := &Schema{
		TableID: tableID,
		Name:    name,
		Columns: cols,
		PKIndex: pkIndex,
		offsets: make([]int, len(cols)),
	}
	off := 0
	for i, c := range cols {
		if i == pkIndex {
			s.offsets[i] = -1
			continue
		}
		align := c.Type.Alignment()
		off = int(ints.AlignUp(uint(off), uint(align)))
		s.offsets[i] = off
		off += c.Type.Size()
	}
	s.stride = int(ints.AlignUp(uint(off), 8))
	return s, nil
}

// PKColumn returns the designated primary-key column definition.
func (s *Schema) PKColumn() Column { return s.Columns[s.PKIndex] }

// ColumnOffset returns the byte offset of Columns[i] within the fixed AoS
// payload stride. It panics if i is the PK column index.
func (s *Schema) ColumnOffset(i int) int {
	if i == s.PKIndex {
		panic("gnitzdb: ColumnOffset called on PK column")
	}
	return s.offsets[i]
}

// Stride is the fixed size in bytes of one non-PK payload, as laid out by
// PayloadRow/WAL/shard column regions.
func (s *Schema) Stride() int { return s.stride }

// NumPayloadColumns is the number of non-PK columns.
func (s *Schema) NumPayloadColumns() int { return len(s.Columns) - 1 }

// PayloadIndex maps a physical column index to its position among the
// non-PK columns (the bit position in row.PayloadRow's null bitmap; the
// row getters themselves take the physical index). It returns -1 for the
// PK column itself.
func (s *Schema) PayloadIndex(colIdx int) int {
	if colIdx == s.PKIndex {
		return -1
	}
	if colIdx < s.PKIndex {
		return colIdx
	}
	return colIdx - 1
}

// ColumnIndex returns the physical column index of the i-th non-PK column.
func (s *Schema) ColumnIndex(payloadIdx int) int {
	if payloadIdx < s.PKIndex {
		return payloadIdx
	}
	return payloadIdx + 1
}

// IsPKWide reports whether the PK column is a u128 (16 bytes) as opposed
// to any of the narrower integer types (widened to u128 internally).
func (s *Schema) IsPKWide() bool { return s.PKColumn().Type == gtype.U128 }
