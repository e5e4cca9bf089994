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

package shard

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/gnitzdb/gnitz/compr"
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/checksum"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
)

// View is a read-only, mmap-backed view of one immutable shard file.
// Opening a View eagerly validates the PK+weight checksum (every cursor
// merge touches those regions); the payload+blob checksum is validated
// lazily, the first time GetRow or StrEquals actually dereferences the
// payload region.
type View struct {
	schema  *schema.Schema
	data    []byte
	count   int
	keySize int
	stride  int

	pkRegion       []byte
	weightRegion   []byte
	payloadRegion  []byte
	blobCompressed []byte
	blobRawSize    int
	blobRegion     []byte // populated by validatePayloadOnce, once decompressed

	payloadChecksum      uint64
	payloadBlobValidated bool
}

// Open mmaps path read-only and validates its header and PK/weight
// checksum.
func Open(path string, s *schema.Schema) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shard.Open: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shard.Open: stat: %w", err)
	}
	size := int(fi.Size())
	if size < headerSize+trailerSize {
		return nil, &gnitzerr.CorruptShard{Path: path, Region: gnitzerr.RegionPK, Err: fmt.Errorf("file too small (%d bytes)", size)}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shard.Open: mmap: %w", err)
	}

	if binary.LittleEndian.Uint64(data[0:8]) != magic {
		unix.Munmap(data)
		return nil, &gnitzerr.CorruptShard{Path: path, Region: gnitzerr.RegionPK, Err: fmt.Errorf("bad magic")}
	}
	count := int(binary.LittleEndian.Uint64(data[8:16]))
	keySize := int(binary.LittleEndian.Uint32(data[20:24]))
	stride := int(binary.LittleEndian.Uint32(data[24:28]))
	blobRawSize := int(binary.LittleEndian.Uint32(data[28:32]))
	pkOff := binary.LittleEndian.Uint64(data[32:40])
	weightOff := binary.LittleEndian.Uint64(data[40:48])
	payloadOff := binary.LittleEndian.Uint64(data[48:56])
	blobOff := binary.LittleEndian.Uint64(data[56:64])

	trailer := data[size-trailerSize:]
	wantPKWeightCS := binary.LittleEndian.Uint64(trailer[0:8])
	wantPayloadBlobCS := binary.LittleEndian.Uint64(trailer[8:16])

	pkRegion := data[pkOff:weightOff]
	weightRegion := data[weightOff:payloadOff]
	payloadRegion := data[payloadOff:blobOff]
	blobCompressed := data[blobOff : size-trailerSize]

	pkWeightBuf := make([]byte, 0, len(pkRegion)+len(weightRegion))
	pkWeightBuf = append(pkWeightBuf, pkRegion...)
	pkWeightBuf = append(pkWeightBuf, weightRegion...)
	if !checksum.Verify(pkWeightBuf, wantPKWeightCS) {
		unix.Munmap(data)
		return nil, &gnitzerr.CorruptShard{Path: path, Region: gnitzerr.RegionPK, Err: fmt.Errorf("pk/weight checksum mismatch")}
	}

	return &View{
		schema:          s,
		data:            data,
		count:           count,
		keySize:         keySize,
		stride:          stride,
		pkRegion:        pkRegion,
		weightRegion:    weightRegion,
		payloadRegion:   payloadRegion,
		blobCompressed:  blobCompressed,
		blobRawSize:     blobRawSize,
		payloadChecksum: wantPayloadBlobCS,
	}, nil
}

// Close unmaps the shard file.
func (v *View) Close() error { return unix.Munmap(v.data) }

// Count returns the number of rows in the shard.
func (v *View) Count() int { return v.count }

// GetPK returns the primary key of row idx.
func (v *View) GetPK(idx int) gtype.U128 {
	off := idx * v.keySize
	pk := gtype.U128{Lo: binary.LittleEndian.Uint64(v.pkRegion[off : off+8])}
	if v.keySize == 16 {
		pk.Hi = binary.LittleEndian.Uint64(v.pkRegion[off+8 : off+16])
	}
	return pk
}

// GetWeight returns the weight of row idx.
func (v *View) GetWeight(idx int) int64 {
	return int64(binary.LittleEndian.Uint64(v.weightRegion[idx*8:]))
}

// validatePayloadOnce verifies the payload+compressed-blob checksum and, on
// first success, decompresses the blob heap (compr.Decompression("zstd"))
// into v.blobRegion. The heap is compressed as a single zstd frame, so it
// must be inflated whole rather than on a per-offset basis; string columns
// keep the uncompressed heap offsets AppendString/Writer.relocateStrings
// assigned, which still index correctly once v.blobRegion holds the
// inflated bytes.
func (v *View) validatePayloadOnce(path string) error {
	if v.payloadBlobValidated {
		return nil
	}
	buf := make([]byte, 0, len(v.payloadRegion)+len(v.blobCompressed))
	buf = append(buf, v.payloadRegion...)
	buf = append(buf, v.blobCompressed...)
	if !checksum.Verify(buf, v.payloadChecksum) {
		return &gnitzerr.CorruptShard{Path: path, Region: gnitzerr.RegionColumn, Err: fmt.Errorf("payload/blob checksum mismatch")}
	}
	raw := make([]byte, v.blobRawSize)
	if v.blobRawSize > 0 {
		if err := compr.Decompression("zstd").Decompress(v.blobCompressed, raw); err != nil {
			return &gnitzerr.CorruptShard{Path: path, Region: gnitzerr.RegionColumn, Err: fmt.Errorf("blob heap decompress: %w", err)}
		}
	}
	v.blobRegion = raw
	v.payloadBlobValidated = true
	return nil
}

// GetRow materializes row idx into a fresh row.PayloadRow, validating the
// payload+blob checksum on first access.
func (v *View) GetRow(idx int) (*row.PayloadRow, error) {
	if err := v.validatePayloadOnce(""); err != nil {
		return nil, err
	}
	r := row.New(v.schema)
	off := idx * v.stride
	copy(r.Buf, v.payloadRegion[off:off+v.stride])
	r.Blob = v.blobRegion
	return r, nil
}

// StrEquals compares string column col of row idx directly against lit
// without materializing a full PayloadRow. A long (heap-resolved) value
// requires the blob heap to have been inflated, so this forces the same
// lazy validate-and-decompress step GetRow triggers; a corrupt shard
// compares unequal rather than panicking on a nil heap.
func (v *View) StrEquals(idx, col int, lit string) bool {
	off := idx*v.stride + v.schema.ColumnOffset(col)
	ss := gtype.DecodeShortString(v.payloadRegion[off:])
	if ss.IsInline() {
		return ss.EqualString(nil, lit)
	}
	if err := v.validatePayloadOnce(""); err != nil {
		return false
	}
	return ss.EqualString(v.blobRegion, lit)
}

// FindRowIndex binary searches the (ascending, by construction) PK region
// for key, returning -1 if absent.
func (v *View) FindRowIndex(key gtype.U128) int {
	idx := sort.Search(v.count, func(i int) bool {
		return v.GetPK(i).Compare(key) >= 0
	})
	if idx < v.count && v.GetPK(idx).Equal(key) {
		return idx
	}
	return -1
}
