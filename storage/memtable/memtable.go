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

// Package memtable implements the L0 in-memory write buffer: a skip list
// keyed by (primary key, payload content hash), so that two entries
// sharing a PK but carrying distinct payloads stay distinct, while two
// updates carrying the same payload annihilate on opposite weights
// (spec.md §4.2). Every insert goes through UpsertBatch, which folds new
// weight into any existing node and unlinks the node outright the moment
// its weight reaches exactly zero -- the MemTable's own instance of the
// Ghost Property.
package memtable

import (
	"encoding/binary"
	"math/rand"

	"github.com/dchest/siphash"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
)

const maxLevel = 16
const levelP = 0.25

// ShardAppender is the write side of a shard builder, satisfied by
// storage/shard.Writer. MemTable depends only on this interface so that
// flushing never forces an import cycle with the shard package.
type ShardAppender interface {
	AddRow(pk gtype.U128, weight int64, r *row.PayloadRow) error
}

type node struct {
	pk      gtype.U128
	hash    uint64
	weight  int64
	row     *row.PayloadRow
	forward []*node
}

// key orders nodes first by pk ((hi,lo) unsigned), then by content hash,
// matching the order flush-to-shard must preserve.
func (n *node) less(pk gtype.U128, hash uint64) bool {
	if c := n.pk.Compare(pk); c != 0 {
		return c < 0
	}
	return n.hash < hash
}

func (n *node) equals(pk gtype.U128, hash uint64) bool {
	return n.pk.Equal(pk) && n.hash == hash
}

// MemTable is a bounded skip-list buffer of not-yet-flushed Z-set deltas.
type MemTable struct {
	schema   *schema.Schema
	head     *node
	level    int
	count    int
	capacity int64
	used     int64
	k0, k1   uint64
	rnd      *rand.Rand
}

// New returns an empty MemTable for schema s, bounded to approximately
// capacityBytes of payload data before UpsertBatch starts returning
// gnitzerr.MemTableFullError.
func New(s *schema.Schema, capacityBytes int64, k0, k1 uint64) *MemTable {
	return &MemTable{
		schema:   s,
		head:     &node{forward: make([]*node, maxLevel)},
		level:    1,
		capacity: capacityBytes,
		k0:       k0,
		k1:       k1,
		rnd:      rand.New(rand.NewSource(int64(k0 ^ k1))),
	}
}

// Hash computes the content hash UpsertBatch and FindExact key nodes by,
// exposed so callers (table.PersistentTable.GetWeight) can look up a
// specific (pk, payload) pair without going through a Batch.
func (m *MemTable) Hash(pk gtype.U128, r *row.PayloadRow) uint64 { return m.contentHash(pk, r) }

func (m *MemTable) contentHash(pk gtype.U128, r *row.PayloadRow) uint64 {
	var head [16]byte
	binary.LittleEndian.PutUint64(head[0:8], pk.Lo)
	binary.LittleEndian.PutUint64(head[8:16], pk.Hi)
	buf := make([]byte, 0, 16+r.Schema.Stride())
	buf = append(buf, head[:]...)
	buf = append(buf, r.ContentKey()...)
	return siphash.Hash(m.k0, m.k1, buf)
}

func (m *MemTable) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && m.rnd.Float64() < levelP {
		lvl++
	}
	return lvl
}

// find locates the node matching (pk, hash) if present, and fills update
// with the rightmost node at each level whose successor is >= the target,
// the classic skip-list search trace.
func (m *MemTable) find(pk gtype.U128, hash uint64, update []*node) *node {
	x := m.head
	for i := m.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].less(pk, hash) {
			x = x.forward[i]
		}
		update[i] = x
	}
	cand := x.forward[0]
	if cand != nil && cand.equals(pk, hash) {
		return cand
	}
	return nil
}

func (m *MemTable) unlink(target *node, update []*node) {
	for i := 0; i < m.level; i++ {
		if update[i].forward[i] != target {
			break
		}
		update[i].forward[i] = target.forward[i]
	}
	for m.level > 1 && m.head.forward[m.level-1] == nil {
		m.level--
	}
	m.count--
}

func (m *MemTable) insert(pk gtype.U128, hash uint64, weight int64, r *row.PayloadRow, update []*node) {
	lvl := m.randomLevel()
	if lvl > m.level {
		for i := m.level; i < lvl; i++ {
			update[i] = m.head
		}
		m.level = lvl
	}
	n := &node{pk: pk, hash: hash, weight: weight, row: r, forward: make([]*node, lvl)}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	m.count++
	m.used += int64(r.Schema.Stride() + len(r.Blob))
}

// UpsertBatch applies every entry of b to the table: folding weight into
// any existing (pk, content) node, inserting a fresh node otherwise, and
// unlinking any node whose weight lands on exactly zero. It returns
// gnitzerr.MemTableFullError once applying further entries would exceed
// the table's capacity; the caller is expected to flush and retry.
func (m *MemTable) UpsertBatch(b *zset.Batch) error {
	var update [maxLevel]*node
	for _, e := range b.Entries {
		hash := m.contentHash(e.PK, e.Row)
		existing := m.find(e.PK, hash, update[:])
		if existing != nil {
			existing.weight += e.Weight
			if existing.weight == 0 {
				m.unlink(existing, update[:])
			}
			continue
		}
		if e.Weight == 0 {
			continue
		}
		if m.used+int64(e.Row.Schema.Stride()+len(e.Row.Blob)) > m.capacity {
			return &gnitzerr.MemTableFullError{Capacity: m.capacity}
		}
		m.insert(e.PK, hash, e.Weight, e.Row, update[:])
	}
	return nil
}

// FindExact returns the live weight and row for an exact (pk, contentHash)
// match, or ok=false if absent.
func (m *MemTable) FindExact(pk gtype.U128, contentHash uint64) (weight int64, r *row.PayloadRow, ok bool) {
	var update [maxLevel]*node
	n := m.find(pk, contentHash, update[:])
	if n == nil {
		return 0, nil, false
	}
	return n.weight, n.row, true
}

// FindAllAtPK returns every live node sharing the exact primary key pk,
// regardless of content hash -- i.e. every distinct payload currently
// tracked at that key, used by JOIN_DELTA_TRACE's index-nested-loop probe.
func (m *MemTable) FindAllAtPK(pk gtype.U128) []PKEntry {
	x := m.head
	for i := m.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].pk.Compare(pk) < 0 {
			x = x.forward[i]
		}
	}
	var out []PKEntry
	for n := x.forward[0]; n != nil && n.pk.Equal(pk); n = n.forward[0] {
		out = append(out, PKEntry{Weight: n.weight, Row: n.row})
	}
	return out
}

// PKEntry is one (weight, row) pair returned by FindAllAtPK.
type PKEntry struct {
	Weight int64
	Row    *row.PayloadRow
}

// Len returns the number of live nodes.
func (m *MemTable) Len() int { return m.count }

// UsedBytes is the approximate payload footprint used for capacity
// accounting.
func (m *MemTable) UsedBytes() int64 { return m.used }

// Snapshot calls fn for every live node in ascending (pk, hash) order.
// The rows handed to fn are still owned by the table; callers that need
// to retain them across a subsequent UpsertBatch or FlushToShard must
// copy out.
func (m *MemTable) Snapshot(fn func(pk gtype.U128, weight int64, r *row.PayloadRow)) {
	for n := m.head.forward[0]; n != nil; n = n.forward[0] {
		fn(n.pk, n.weight, n.row)
	}
}

// FlushToShard writes every live node, in (pk, hash) order, into w and
// then empties the table. It is the MemTable side of an L0->L1 flush.
func (m *MemTable) FlushToShard(w ShardAppender) error {
	for n := m.head.forward[0]; n != nil; n = n.forward[0] {
		if err := w.AddRow(n.pk, n.weight, n.row); err != nil {
			return err
		}
	}
	m.head = &node{forward: make([]*node, maxLevel)}
	m.level = 1
	m.count = 0
	m.used = 0
	return nil
}
