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
	"bytes"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/heap"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/storage/shard"
)

// rowSource is anything a UnifiedCursor can pull ordered (pk, weight,
// payload) triples from: a frozen snapshot of the MemTable's live nodes,
// or a shard.View.
type rowSource interface {
	count() int
	pk(i int) gtype.U128
	weight(i int) int64
	row(i int) (*row.PayloadRow, error)
}

type memSnapshot struct {
	pks     []gtype.U128
	weights []int64
	rows    []*row.PayloadRow
}

func (m *memSnapshot) count() int                         { return len(m.pks) }
func (m *memSnapshot) pk(i int) gtype.U128                { return m.pks[i] }
func (m *memSnapshot) weight(i int) int64                 { return m.weights[i] }
func (m *memSnapshot) row(i int) (*row.PayloadRow, error) { return m.rows[i], nil }

type shardSource struct{ v *shard.View }

func (s *shardSource) count() int                         { return s.v.Count() }
func (s *shardSource) pk(i int) gtype.U128                { return s.v.GetPK(i) }
func (s *shardSource) weight(i int) int64                 { return s.v.GetWeight(i) }
func (s *shardSource) row(i int) (*row.PayloadRow, error) { return s.v.GetRow(i) }

type sourceCursor struct {
	src  rowSource
	idx  int
	pk   gtype.U128
	key  []byte
	done bool
}

func (c *sourceCursor) advance() error {
	c.idx++
	if c.idx >= c.src.count() {
		c.done = true
		return nil
	}
	c.pk = c.src.pk(c.idx)
	r, err := c.src.row(c.idx)
	if err != nil {
		return err
	}
	c.key = r.ContentKey()
	return nil
}

func lessSourceCursor(a, b *sourceCursor) bool {
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

// UnifiedCursor merges the MemTable's live contents with every shard in
// the current manifest, consolidating rows that share a (pk, content) key
// across sources (most recent write wins is irrelevant here: the weights
// simply sum, per the Ghost Property) and emitting them in ascending
// (pk, content) order.
type UnifiedCursor struct {
	cursors []*sourceCursor
}

func newUnifiedCursor(sources []rowSource) (*UnifiedCursor, error) {
	cs := make([]*sourceCursor, 0, len(sources))
	for _, s := range sources {
		c := &sourceCursor{src: s, idx: -1}
		if err := c.advance(); err != nil {
			return nil, err
		}
		if !c.done {
			cs = append(cs, c)
		}
	}
	heap.OrderSlice(cs, lessSourceCursor)
	return &UnifiedCursor{cursors: cs}, nil
}

// Next returns the next consolidated (pk, weight, row), or ok=false when
// the cursor is exhausted. Entries whose summed weight across sources is
// exactly zero are skipped.
func (u *UnifiedCursor) Next() (pk gtype.U128, weight int64, r *row.PayloadRow, ok bool, err error) {
	for len(u.cursors) > 0 {
		top := heap.PopSlice(&u.cursors, lessSourceCursor)
		groupPK := top.pk
		groupKey := top.key
		w := top.src.weight(top.idx)
		group := []*sourceCursor{top}

		for len(u.cursors) > 0 && !u.cursors[0].done && u.cursors[0].pk.Compare(groupPK) == 0 && bytes.Equal(u.cursors[0].key, groupKey) {
			c := heap.PopSlice(&u.cursors, lessSourceCursor)
			w += c.src.weight(c.idx)
			group = append(group, c)
		}

		var result *row.PayloadRow
		if w != 0 {
			result, err = top.src.row(top.idx)
			if err != nil {
				return gtype.U128{}, 0, nil, false, err
			}
		}

		for _, c := range group {
			if err := c.advance(); err != nil {
				return gtype.U128{}, 0, nil, false, err
			}
			if !c.done {
				heap.PushSlice(&u.cursors, c, lessSourceCursor)
			}
		}

		if w != 0 {
			return groupPK, w, result, true, nil
		}
	}
	return gtype.U128{}, 0, nil, false, nil
}
