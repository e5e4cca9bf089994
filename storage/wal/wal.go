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

// Package wal implements the write-ahead log: a sequence of checksummed,
// length-framed blocks, each carrying the batch of Z-set entries ingested
// under one LSN for one table. A block is the durability boundary --
// PersistentTable.IngestBatch does not acknowledge a write until its block
// has been written and fsynced.
//
// Block layout (header, 32 bytes, little-endian):
//
//	0:8   LSN            uint64
//	8:12  TableID         uint32
//	12:16 NumRecords      uint32
//	16:20 BlockLen        uint32  (header + body)
//	20:24 reserved
//	24:32 Checksum        uint64  (internal/checksum over the body)
//
// followed by NumRecords records, each:
//
//	keySize bytes   primary key (8 bytes for u64 PKs, 16 for u128)
//	8 bytes         weight (int64)
//	stride bytes    fixed AoS payload (row.PayloadRow.Buf)
//	4 bytes         blob length
//	blob bytes      long-string heap for this record (row.PayloadRow.Blob)
//	padding         to the next 8-byte boundary
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/checksum"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
)

const headerSize = 32

// Writer appends blocks to a single WAL segment file. It holds an
// exclusive advisory lock on the file for its lifetime, so only one
// Writer per segment may exist across the whole system at a time.
type Writer struct {
	f *os.File
}

// Create opens path for exclusive append, taking a non-blocking flock so a
// second process opening the same segment fails fast instead of
// interleaving writes.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: flock %s: %w", path, err)
	}
	return &Writer{f: f}, nil
}

func alignUp8(n int) int { return (n + 7) &^ 7 }

// AppendBlock serializes b's entries as one checksummed block under lsn
// and fsyncs the segment before returning, matching the durability
// contract that IngestBatch relies on.
func (w *Writer) AppendBlock(lsn uint64, tableID uint32, b *zset.Batch, wideKey bool) error {
	keySize := 8
	if wideKey {
		keySize = 16
	}
	body := make([]byte, 0, 256*len(b.Entries))
	for _, e := range b.Entries {
		rec := make([]byte, keySize+8)
		binary.LittleEndian.PutUint64(rec[0:8], e.PK.Lo)
		if wideKey {
			binary.LittleEndian.PutUint64(rec[8:16], e.PK.Hi)
		}
		binary.LittleEndian.PutUint64(rec[keySize:keySize+8], uint64(e.Weight))
		body = append(body, rec...)
		body = append(body, e.Row.Buf...)
		var blobLen [4]byte
		binary.LittleEndian.PutUint32(blobLen[:], uint32(len(e.Row.Blob)))
		body = append(body, blobLen[:]...)
		body = append(body, e.Row.Blob...)
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], lsn)
	binary.LittleEndian.PutUint32(header[8:12], tableID)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(b.Entries)))
	binary.LittleEndian.PutUint32(header[16:20], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint64(header[24:32], checksum.Compute(body))

	if _, err := w.f.Write(header); err != nil {
		return &gnitzerr.StorageError{Op: "wal.AppendBlock: write header", Err: err}
	}
	if _, err := w.f.Write(body); err != nil {
		return &gnitzerr.StorageError{Op: "wal.AppendBlock: write body", Err: err}
	}
	if err := w.f.Sync(); err != nil {
		return &gnitzerr.StorageError{Op: "wal.AppendBlock: fsync", Err: err}
	}
	return nil
}

// Close releases the lock and closes the segment.
func (w *Writer) Close() error {
	unix.Flock(int(w.f.Fd()), unix.LOCK_UN)
	return w.f.Close()
}

// Block is one decoded WAL block.
type Block struct {
	LSN     uint64
	TableID uint32
	Batch   *zset.Batch
}

// Reader iterates the blocks of a WAL segment in order.
type Reader struct {
	f *os.File
}

// OpenReader opens path for sequential block iteration.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &Reader{f: f}, nil
}

// Close closes the segment.
func (r *Reader) Close() error { return r.f.Close() }

// Next decodes the next block against s, returning io.EOF when the
// segment is exhausted. A truncated or corrupt trailing block -- the
// expected shape of a WAL segment that was being written when the
// process died -- is treated as end-of-log rather than an error: Next
// returns io.EOF without surfacing gnitzerr.CorruptWalSegment for any
// block it cannot fully decode to completion.
func (r *Reader) Next(s *schema.Schema) (*Block, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r.f, header)
	if err == io.EOF || (err == io.ErrUnexpectedEOF) || n < headerSize {
		return nil, io.EOF
	}
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "wal.Next: read header", Err: err}
	}
	lsn := binary.LittleEndian.Uint64(header[0:8])
	tableID := binary.LittleEndian.Uint32(header[8:12])
	numRecords := binary.LittleEndian.Uint32(header[12:16])
	blockLen := binary.LittleEndian.Uint32(header[16:20])
	wantChecksum := binary.LittleEndian.Uint64(header[24:32])

	if blockLen < headerSize {
		return nil, io.EOF
	}
	body := make([]byte, blockLen-headerSize)
	if _, err := io.ReadFull(r.f, body); err != nil {
		return nil, io.EOF
	}
	if !checksum.Verify(body, wantChecksum) {
		return nil, io.EOF
	}

	wideKey := s.IsPKWide()
	keySize := 8
	if wideKey {
		keySize = 16
	}
	stride := s.Stride()

	b := zset.New(s)
	off := 0
	for i := uint32(0); i < numRecords; i++ {
		if off+keySize+8+stride+4 > len(body) {
			return nil, io.EOF
		}
		pk := gtype.U128{Lo: binary.LittleEndian.Uint64(body[off : off+8])}
		if wideKey {
			pk.Hi = binary.LittleEndian.Uint64(body[off+8 : off+16])
		}
		off += keySize
		weight := int64(binary.LittleEndian.Uint64(body[off : off+8]))
		off += 8

		rr := row.New(s)
		copy(rr.Buf, body[off:off+stride])
		off += stride

		blobLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if off+blobLen > len(body) {
			return nil, io.EOF
		}
		rr.Blob = append(rr.Blob, body[off:off+blobLen]...)
		off += blobLen
		off = alignUp8(off)

		b.Append(pk, weight, rr)
	}

	return &Block{LSN: lsn, TableID: tableID, Batch: b}, nil
}
