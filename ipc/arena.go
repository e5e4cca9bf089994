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
	"encoding/binary"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
)

func alignUp8(n int) int { return (n + 7) &^ 7 }

// encodeRows packs b's entries into one contiguous arena: for each entry,
// its primary key (8 or 16 bytes), weight (int64), fixed-stride payload,
// and length-prefixed blob, 8-byte aligned -- the same record shape
// storage/wal uses for a block body.
func encodeRows(b *zset.Batch) []byte {
	wideKey := b.Schema.IsPKWide()
	keySize := 8
	if wideKey {
		keySize = 16
	}
	out := make([]byte, 0, 256*len(b.Entries))
	for _, e := range b.Entries {
		rec := make([]byte, keySize+8)
		binary.LittleEndian.PutUint64(rec[0:8], e.PK.Lo)
		if wideKey {
			binary.LittleEndian.PutUint64(rec[8:16], e.PK.Hi)
		}
		binary.LittleEndian.PutUint64(rec[keySize:keySize+8], uint64(e.Weight))
		out = append(out, rec...)
		out = append(out, e.Row.Buf...)
		var blobLen [4]byte
		binary.LittleEndian.PutUint32(blobLen[:], uint32(len(e.Row.Blob)))
		out = append(out, blobLen[:]...)
		out = append(out, e.Row.Blob...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
	}
	return out
}

// decodeRows reconstructs a Batch over s from an arena produced by
// encodeRows, expecting exactly rowCount entries.
func decodeRows(s *schema.Schema, arena []byte, rowCount uint64) (*zset.Batch, error) {
	wideKey := s.IsPKWide()
	keySize := 8
	if wideKey {
		keySize = 16
	}
	stride := s.Stride()

	b := zset.New(s)
	off := 0
	for i := uint64(0); i < rowCount; i++ {
		if off+keySize+8+stride+4 > len(arena) {
			return nil, &gnitzerr.LayoutError{Msg: "ipc: truncated row arena"}
		}
		pk := gtype.U128{Lo: binary.LittleEndian.Uint64(arena[off : off+8])}
		if wideKey {
			pk.Hi = binary.LittleEndian.Uint64(arena[off+8 : off+16])
		}
		off += keySize
		weight := int64(binary.LittleEndian.Uint64(arena[off : off+8]))
		off += 8

		r := row.New(s)
		copy(r.Buf, arena[off:off+stride])
		off += stride

		blobLen := int(binary.LittleEndian.Uint32(arena[off : off+4]))
		off += 4
		if off+blobLen > len(arena) {
			return nil, &gnitzerr.LayoutError{Msg: "ipc: truncated row arena blob"}
		}
		r.Blob = append(r.Blob, arena[off:off+blobLen]...)
		off += blobLen
		off = alignUp8(off)

		b.Append(pk, weight, r)
	}
	return b, nil
}
