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

// Package compact implements the N-way tournament merge that turns a set
// of overlapping-key input shards into one compacted output shard: every
// input's rows in PK order are merged by repeatedly popping the globally
// smallest key off a min-heap of cursors, summing weights across inputs
// that share a (pk, content) pair, and dropping the result exactly when
// its net weight lands on zero (spec.md §4.4, the Ghost Property again,
// this time enforced at the shard level instead of the MemTable level).
package compact

import (
	"bytes"
	"fmt"

	"github.com/gnitzdb/gnitz/heap"
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/shard"
)

// Source is one input to a compaction run: a shard view plus the cursor
// position the tournament is currently tracking for it.
type Source struct {
	View *shard.View
	idx  int
}

type cursor struct {
	src  *Source
	pk   gtype.U128
	key  []byte
	done bool
}

func (c *cursor) advance(s *schema.Schema) error {
	c.src.idx++
	if c.src.idx >= c.src.View.Count() {
		c.done = true
		return nil
	}
	c.pk = c.src.View.GetPK(c.src.idx)
	r, err := c.src.View.GetRow(c.src.idx)
	if err != nil {
		return err
	}
	c.key = r.ContentKey()
	return nil
}

func lessCursor(a, b *cursor) bool {
	if a.done != b.done {
		return !a.done
	}
	if a.done {
		return false
	}
	if c := a.pk.Compare(b.pk); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.key, b.key) < 0
}

// Output is the write side a Compactor drains merged rows into --
// satisfied by storage/shard.Writer.
type Output interface {
	AddRow(pk gtype.U128, weight int64, r *row.PayloadRow) error
}

// Run merges sources into out in PK+content order, consolidating rows
// that share a (pk, content) key across inputs and dropping any whose
// summed weight is exactly zero. It consumes every source view fully but
// does not close them; the caller owns their lifetime (typically via
// storage/refcount).
func Run(schema *schema.Schema, sources []*Source, out Output) error {
	cursors := make([]*cursor, 0, len(sources))
	for _, src := range sources {
		src.idx = -1
		c := &cursor{src: src}
		if err := c.advance(schema); err != nil {
			return fmt.Errorf("compact.Run: %w", err)
		}
		cursors = append(cursors, c)
	}
	heap.OrderSlice(cursors, lessCursor)

	// Drop cursors that started out already exhausted (empty source shards).
	live := make([]*cursor, 0, len(cursors))
	for _, c := range cursors {
		if !c.done {
			live = append(live, c)
		}
	}
	heap.OrderSlice(live, lessCursor)
	cursors = live

	for len(cursors) > 0 {
		top := heap.PopSlice(&cursors, lessCursor)
		pk := top.pk
		key := top.key
		weight := top.src.View.GetWeight(top.src.idx)
		group := []*cursor{top}

		for len(cursors) > 0 && !cursors[0].done && cursors[0].pk.Compare(pk) == 0 && bytes.Equal(cursors[0].key, key) {
			c := heap.PopSlice(&cursors, lessCursor)
			weight += c.src.View.GetWeight(c.src.idx)
			group = append(group, c)
		}

		if weight != 0 {
			r, err := top.src.View.GetRow(top.src.idx)
			if err != nil {
				return fmt.Errorf("compact.Run: %w", err)
			}
			if err := out.AddRow(pk, weight, r); err != nil {
				return fmt.Errorf("compact.Run: %w", err)
			}
		}

		for _, c := range group {
			if err := c.advance(schema); err != nil {
				return fmt.Errorf("compact.Run: %w", err)
			}
			if !c.done {
				heap.PushSlice(&cursors, c, lessCursor)
			}
		}
	}
	return nil
}
