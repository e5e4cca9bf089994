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

// Package shard implements the immutable, columnar on-disk shard format
// that a MemTable flush or a Compactor run produces (spec.md §4.3). A
// shard is laid out as four contiguous regions -- primary keys, weights,
// fixed-stride payloads, and a content-addressed blob heap for long
// strings -- so that PK lookups and weight scans never have to touch the
// payload or blob regions at all.
//
// Header layout (64 bytes, little-endian):
//
//	0:8   Magic       uint64
//	8:16  Count       int64
//	16:20 TableID     uint32
//	20:24 KeySize     uint32  (8 or 16)
//	24:28 Stride      uint32  (payload stride)
//	28:32 BlobRawSize uint32  (decompressed blob heap size)
//	32:40 PKOff       uint64
//	40:48 WeightOff   uint64
//	48:56 PayloadOff  uint64
//	56:64 BlobOff     uint64
//
// followed by the PK region (Count*KeySize bytes, ascending order), the
// weight region (Count*8 bytes, int64, index-aligned with the PK region),
// the payload region (Count*Stride bytes), and the zstd-compressed blob
// heap (compr.Compression("zstd"), BlobRawSize byte when decompressed). A
// trailer (16 bytes) after the blob heap carries two checksums: one over
// the PK and weight regions together (validated eagerly on Open, since
// every cursor touches them), and one over the payload region plus the
// *compressed* blob bytes (validated lazily, the first time a caller
// actually materializes a payload).
package shard

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gnitzdb/gnitz/compr"
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/checksum"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
)

const magic uint64 = 0x474E49545A534844 // "GNITZSHD"
const headerSize = 64
const trailerSize = 16

// longStringThreshold mirrors gtype.ShortStringThreshold; strings above it
// are relocated into the shard's blob heap by Writer.AddRow.
const longStringThreshold = 12

type pendingRow struct {
	pk     gtype.U128
	weight int64
	row    *row.PayloadRow
}

// Writer accumulates rows (which must arrive in ascending PK order, the
// order MemTable.FlushToShard and the Compactor both already produce) and
// relocates their long strings into a single, deduplicated blob heap
// before Finalize writes the immutable shard file.
type Writer struct {
	schema  *schema.Schema
	tableID uint32
	rows    []pendingRow
	blob    []byte
	dedup   map[uint64]uint64 // content hash -> blob offset, for dedup
	k0, k1  uint64
	lastPK  *gtype.U128
}

// NewWriter returns a Writer for tableID rows conforming to s.
func NewWriter(s *schema.Schema, tableID uint32, k0, k1 uint64) *Writer {
	return &Writer{
		schema:  s,
		tableID: tableID,
		dedup:   make(map[uint64]uint64),
		k0:      k0,
		k1:      k1,
	}
}

// AddRow appends one row. pk must be >= every previously added pk.
func (w *Writer) AddRow(pk gtype.U128, weight int64, r *row.PayloadRow) error {
	if w.lastPK != nil && pk.Compare(*w.lastPK) < 0 {
		return &gnitzerr.LayoutError{Msg: "shard.Writer.AddRow: rows must arrive in ascending pk order"}
	}
	cp := pk
	w.lastPK = &cp
	w.rows = append(w.rows, pendingRow{pk: pk, weight: weight, row: r})
	return nil
}

func (w *Writer) relocateStrings(r *row.PayloadRow) []byte {
	out := make([]byte, len(r.Buf))
	copy(out, r.Buf)
	for i, c := range r.Schema.Columns {
		if i == r.Schema.PKIndex || c.Type != gtype.String {
			continue
		}
		off := r.Schema.ColumnOffset(i)
		ss := gtype.DecodeShortString(out[off:])
		if ss.IsInline() {
			continue
		}
		s := ss.Resolve(r.Blob)
		h := siphash.Hash(w.k0, w.k1, []byte(s))
		blobOff, ok := w.dedup[h]
		if !ok {
			blobOff = uint64(len(w.blob))
			w.blob = append(w.blob, s...)
			w.dedup[h] = blobOff
		}
		relocated := gtype.Pack(s, blobOff)
		relocated.Encode(out[off:])
	}
	return out
}

// Finalize writes the accumulated rows to path atomically: a temp file is
// written and fsynced, then renamed over path, then the parent directory
// is fsynced so the rename itself is durable.
func (w *Writer) Finalize(path string) error {
	sort.SliceStable(w.rows, func(i, j int) bool { return w.rows[i].pk.Compare(w.rows[j].pk) < 0 })

	wideKey := w.schema.IsPKWide()
	keySize := 8
	if wideKey {
		keySize = 16
	}
	stride := w.schema.Stride()
	count := len(w.rows)

	pkRegion := make([]byte, count*keySize)
	weightRegion := make([]byte, count*8)
	payloadRegion := make([]byte, count*stride)

	for i, pr := range w.rows {
		binary.LittleEndian.PutUint64(pkRegion[i*keySize:], pr.pk.Lo)
		if wideKey {
			binary.LittleEndian.PutUint64(pkRegion[i*keySize+8:], pr.pk.Hi)
		}
		binary.LittleEndian.PutUint64(weightRegion[i*8:], uint64(pr.weight))
		copy(payloadRegion[i*stride:(i+1)*stride], w.relocateStrings(pr.row))
	}

	blobCompressed := compr.Compression("zstd").Compress(w.blob, nil)

	pkOff := uint64(headerSize)
	weightOff := pkOff + uint64(len(pkRegion))
	payloadOff := weightOff + uint64(len(weightRegion))
	blobOff := payloadOff + uint64(len(payloadRegion))

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], magic)
	binary.LittleEndian.PutUint64(header[8:16], uint64(count))
	binary.LittleEndian.PutUint32(header[16:20], w.tableID)
	binary.LittleEndian.PutUint32(header[20:24], uint32(keySize))
	binary.LittleEndian.PutUint32(header[24:28], uint32(stride))
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(w.blob)))
	binary.LittleEndian.PutUint64(header[32:40], pkOff)
	binary.LittleEndian.PutUint64(header[40:48], weightOff)
	binary.LittleEndian.PutUint64(header[48:56], payloadOff)
	binary.LittleEndian.PutUint64(header[56:64], blobOff)

	pkWeightCS := checksum.Compute(append(append([]byte{}, pkRegion...), weightRegion...))
	payloadBlobCS := checksum.Compute(append(append([]byte{}, payloadRegion...), blobCompressed...))
	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(trailer[0:8], pkWeightCS)
	binary.LittleEndian.PutUint64(trailer[8:16], payloadBlobCS)

	tmp := path + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("shard.Finalize: create %s: %w", tmp, err)
	}
	for _, chunk := range [][]byte{header, pkRegion, weightRegion, payloadRegion, blobCompressed, trailer} {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return fmt.Errorf("shard.Finalize: write %s: %w", tmp, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("shard.Finalize: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("shard.Finalize: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("shard.Finalize: rename %s -> %s: %w", tmp, path, err)
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("shard.Finalize: open dir %s: %w", filepath.Dir(path), err)
	}
	defer dir.Close()
	return dir.Sync()
}
