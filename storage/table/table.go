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

// Package table fuses the WAL, MemTable, and shard index into the two
// table kinds GnitzDB exposes: PersistentTable (durable, WAL-backed base
// tables and traces) and EphemeralTable (WAL-less, used for the VM's
// intermediate delta/trace registers and dropped on process exit).
package table

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/manifest"
	"github.com/gnitzdb/gnitz/storage/memtable"
	"github.com/gnitzdb/gnitz/storage/refcount"
	"github.com/gnitzdb/gnitz/storage/shard"
	"github.com/gnitzdb/gnitz/storage/wal"
	"github.com/gnitzdb/gnitz/vm"
	"github.com/gnitzdb/gnitz/zset"
)

// PersistentTable is a durable table: every ingested batch is WAL-logged
// before it lands in the MemTable, and the MemTable is periodically
// flushed to an immutable, manifest-tracked shard.
type PersistentTable struct {
	schema     *schema.Schema
	dir        string
	wal        *wal.Writer
	mem        *memtable.MemTable
	manifest   *manifest.Store
	refs       *refcount.Tracker
	k0, k1     uint64
	nextLSN    uint64
	nextShard  uint64
	flushBytes int64
}

// Open opens (creating if absent) a PersistentTable rooted at dir,
// replaying any WAL blocks not yet folded into a shard (per the current
// manifest's FlushedLSN watermark) into a fresh MemTable so ingested-but
// -unflushed writes survive a close/reopen cycle.
func Open(dir string, s *schema.Schema, memCapacityBytes int64, k0, k1 uint64) (*PersistentTable, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("table.Open: mkdir: %w", err)
	}
	w, err := wal.Create(filepath.Join(dir, "current.wal"))
	if err != nil {
		return nil, fmt.Errorf("table.Open: wal: %w", err)
	}
	ms := manifest.New(filepath.Join(dir, "CURRENT"))
	if _, err := os.Stat(filepath.Join(dir, "CURRENT")); err == nil {
		if _, err := ms.Load(); err != nil {
			return nil, fmt.Errorf("table.Open: manifest: %w", err)
		}
	} else {
		if err := ms.Publish(&manifest.Manifest{Generation: 0, TableID: s.TableID}); err != nil {
			return nil, fmt.Errorf("table.Open: publish empty manifest: %w", err)
		}
	}
	cur := ms.Current()

	mem := memtable.New(s, memCapacityBytes, k0, k1)
	nextLSN := cur.FlushedLSN
	if err := replayWAL(filepath.Join(dir, "current.wal"), s, cur.FlushedLSN, mem, &nextLSN); err != nil {
		return nil, fmt.Errorf("table.Open: %w", err)
	}

	if err := unlinkOrphanShards(dir, cur); err != nil {
		return nil, fmt.Errorf("table.Open: %w", err)
	}

	return &PersistentTable{
		schema:     s,
		dir:        dir,
		wal:        w,
		mem:        mem,
		manifest:   ms,
		refs:       refcount.New(),
		k0:         k0,
		k1:         k1,
		nextLSN:    nextLSN,
		nextShard:  uint64(len(cur.Shards)),
		flushBytes: memCapacityBytes,
	}, nil
}

// unlinkOrphanShards removes any *.shard file in dir that cur's manifest
// generation does not reference. A crash between Writer.Finalize creating
// a shard file and Publish committing the manifest generation that names
// it leaves exactly such a file behind; without this sweep it sits on
// disk forever, invisible to every read path but never reclaimed.
func unlinkOrphanShards(dir string, cur *manifest.Manifest) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan shards: %w", err)
	}

	referenced := make(map[string]bool, len(cur.Shards))
	for _, se := range cur.Shards {
		referenced[filepath.Base(se.Path)] = true
	}

	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".shard" {
			continue
		}
		if referenced[ent.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil {
			return fmt.Errorf("unlink orphan shard %s: %w", ent.Name(), err)
		}
	}
	return nil
}

// replayWAL applies every block in the segment at path whose LSN exceeds
// flushedLSN to mem, advancing *nextLSN to the highest LSN seen. A
// missing segment (first-ever Open) is not an error.
func replayWAL(path string, s *schema.Schema, flushedLSN uint64, mem *memtable.MemTable, nextLSN *uint64) error {
	rd, err := wal.OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal replay: %w", err)
	}
	defer rd.Close()

	for {
		blk, err := rd.Next(s)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wal replay: %w", err)
		}
		if blk.LSN <= flushedLSN {
			continue
		}
		if err := mem.UpsertBatch(blk.Batch); err != nil {
			return fmt.Errorf("wal replay: lsn %d: %w", blk.LSN, err)
		}
		if blk.LSN > *nextLSN {
			*nextLSN = blk.LSN
		}
	}
}

// IngestBatch sorts and consolidates b, assigns it the next LSN, appends
// it to the WAL, and applies it to the MemTable, flushing first if the
// MemTable reports it is full.
func (t *PersistentTable) IngestBatch(b *zset.Batch) error {
	b.Sort()
	b.Consolidate()
	if b.Len() == 0 {
		return nil
	}

	t.nextLSN++
	if err := t.wal.AppendBlock(t.nextLSN, uint32(t.schema.TableID), b, t.schema.IsPKWide()); err != nil {
		return fmt.Errorf("table.IngestBatch: wal: %w", err)
	}

	if err := t.mem.UpsertBatch(b); err != nil {
		if err := t.Flush(); err != nil {
			return fmt.Errorf("table.IngestBatch: flush on full: %w", err)
		}
		if err := t.mem.UpsertBatch(b); err != nil {
			return fmt.Errorf("table.IngestBatch: %w", err)
		}
	}
	return nil
}

// Flush drains the MemTable into a new immutable shard and publishes an
// updated manifest generation that includes it.
func (t *PersistentTable) Flush() error {
	if t.mem.Len() == 0 {
		return nil
	}
	t.nextShard++
	path := filepath.Join(t.dir, fmt.Sprintf("%08d.shard", t.nextShard))
	w := shard.NewWriter(t.schema, uint32(t.schema.TableID), t.k0, t.k1)
	n := t.mem.Len()
	if err := t.mem.FlushToShard(w); err != nil {
		return fmt.Errorf("table.Flush: %w", err)
	}
	if err := w.Finalize(path); err != nil {
		return fmt.Errorf("table.Flush: %w", err)
	}

	cur := t.manifest.Current()
	next := &manifest.Manifest{
		Generation: cur.Generation + 1,
		TableID:    cur.TableID,
		Shards:     append(append([]manifest.ShardEntry{}, cur.Shards...), manifest.ShardEntry{Path: path, Level: 0, NumRows: int64(n)}),
		FlushedLSN: t.nextLSN,
	}
	return t.manifest.Publish(next)
}

// GetWeight returns the live net weight for the exact (pk, payload) pair,
// checking the MemTable first (via its O(1) content hash) and then
// scanning any shards holding rows at pk for a matching payload -- two
// distinct payloads sharing a pk are tracked as entirely separate Z-set
// entries (spec.md §4.2).
func (t *PersistentTable) GetWeight(pk gtype.U128, payload *row.PayloadRow) (int64, error) {
	var total int64
	hash := t.mem.Hash(pk, payload)
	if w, _, ok := t.mem.FindExact(pk, hash); ok {
		total += w
	}
	wantKey := payload.ContentKey()

	cur := t.manifest.Current()
	for _, se := range cur.Shards {
		v, err := shard.Open(se.Path, t.schema)
		if err != nil {
			return 0, err
		}
		idx := v.FindRowIndex(pk)
		for idx >= 0 && idx < v.Count() && v.GetPK(idx).Equal(pk) {
			r, err := v.GetRow(idx)
			if err != nil {
				v.Close()
				return 0, err
			}
			if string(r.ContentKey()) == string(wantKey) {
				total += v.GetWeight(idx)
			}
			idx++
		}
		v.Close()
	}
	return total, nil
}

// LookupPK returns every distinct (weight, payload) pair currently live
// at pk, across the MemTable and every shard in the current manifest
// generation -- the probe side of JOIN_DELTA_TRACE's index-nested-loop
// join (vm.TraceSource).
func (t *PersistentTable) LookupPK(pk gtype.U128) ([]vm.TraceMatch, error) {
	var out []vm.TraceMatch
	for _, e := range t.mem.FindAllAtPK(pk) {
		if e.Weight != 0 {
			out = append(out, vm.TraceMatch{Weight: e.Weight, Row: e.Row})
		}
	}

	cur := t.manifest.Current()
	for _, se := range cur.Shards {
		v, err := shard.Open(se.Path, t.schema)
		if err != nil {
			return nil, err
		}
		idx := v.FindRowIndex(pk)
		for idx >= 0 && idx < v.Count() && v.GetPK(idx).Equal(pk) {
			w := v.GetWeight(idx)
			if w != 0 {
				r, err := v.GetRow(idx)
				if err != nil {
					v.Close()
					return nil, err
				}
				out = append(out, vm.TraceMatch{Weight: w, Row: r})
			}
			idx++
		}
		v.Close()
	}
	return out, nil
}

// Schema returns the table's schema.
func (t *PersistentTable) Schema() *schema.Schema { return t.schema }

// CreateCursor returns a UnifiedCursor merging the MemTable and every
// shard in the current manifest generation, in ascending (pk, content)
// order.
func (t *PersistentTable) CreateCursor() (*UnifiedCursor, error) {
	sources := []rowSource{t.memSourceSnapshot()}
	cur := t.manifest.Current()
	shards := append([]manifest.ShardEntry{}, cur.Shards...)
	sort.Slice(shards, func(i, j int) bool { return shards[i].Path < shards[j].Path })
	for _, se := range shards {
		v, err := shard.Open(se.Path, t.schema)
		if err != nil {
			return nil, err
		}
		sources = append(sources, &shardSource{v: v})
	}
	return newUnifiedCursor(sources)
}

func (t *PersistentTable) memSourceSnapshot() rowSource {
	snap := &memSnapshot{}
	t.mem.Snapshot(func(pk gtype.U128, weight int64, r *row.PayloadRow) {
		snap.pks = append(snap.pks, pk)
		snap.weights = append(snap.weights, weight)
		snap.rows = append(snap.rows, r)
	})
	return snap
}

// Close releases the table's WAL handle.
func (t *PersistentTable) Close() error {
	return t.wal.Close()
}

// EphemeralTable is a WAL-less, in-memory-only table used for the VM's
// delta and trace registers: changes are never durable and the table is
// discarded when its owning program run completes (spec.md §5).
type EphemeralTable struct {
	schema *schema.Schema
	mem    *memtable.MemTable
}

// NewEphemeral returns an EphemeralTable for schema s.
func NewEphemeral(s *schema.Schema, capacityBytes int64, k0, k1 uint64) *EphemeralTable {
	return &EphemeralTable{schema: s, mem: memtable.New(s, capacityBytes, k0, k1)}
}

// IngestBatch applies b directly to the in-memory table, with no WAL
// durability and no flush-to-shard path.
func (e *EphemeralTable) IngestBatch(b *zset.Batch) error {
	b.Sort()
	b.Consolidate()
	return e.mem.UpsertBatch(b)
}

// GetWeight returns the live net weight for the exact (pk, payload) pair
// in the table's MemTable.
func (e *EphemeralTable) GetWeight(pk gtype.U128, payload *row.PayloadRow) int64 {
	hash := e.mem.Hash(pk, payload)
	w, _, _ := e.mem.FindExact(pk, hash)
	return w
}

// LookupPK returns every distinct (weight, payload) pair currently live
// at pk in the table's MemTable.
func (e *EphemeralTable) LookupPK(pk gtype.U128) ([]vm.TraceMatch, error) {
	var out []vm.TraceMatch
	for _, entry := range e.mem.FindAllAtPK(pk) {
		if entry.Weight != 0 {
			out = append(out, vm.TraceMatch{Weight: entry.Weight, Row: entry.Row})
		}
	}
	return out, nil
}

// CreateCursor returns a UnifiedCursor over the table's sole MemTable
// source.
func (e *EphemeralTable) CreateCursor() (*UnifiedCursor, error) {
	snap := &memSnapshot{}
	e.mem.Snapshot(func(pk gtype.U128, weight int64, r *row.PayloadRow) {
		snap.pks = append(snap.pks, pk)
		snap.weights = append(snap.weights, weight)
		snap.rows = append(snap.rows, r)
	})
	return newUnifiedCursor([]rowSource{snap})
}
