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

// Package ipc implements the shared-memory transport between gnitzd and its
// clients: every message is a single memfd (no file seals are applied)
// passed over a unix(7)
// SOCK_SEQPACKET control socket via SCM_RIGHTS, carrying a header, an
// optional error string, and (when a batch accompanies the message) its
// rows (spec.md §6 "IPC protocol").
//
// Header layout (56 bytes, little-endian):
//
//	0:8   Magic       uint64  0x474E49545A495043 ("GNITZIPC")
//	8:12  Status      uint32  0 OK, 1 ERROR
//	12:16 ErrLen      uint32  length of the error string, in bytes
//	16:24 PrimarySize uint64  length of the row arena, in bytes
//	24:32 BlobSize    uint64  always 0 (see below)
//	32:40 RowCount    uint64  number of (pk, weight, payload) entries
//	40:48 TargetID    uint64  table or view id the batch belongs to
//	48:56 ClientID    uint64  subscriber/session id, 0 if anonymous
//
// followed by the error string (starting right at byte 56), then the row
// arena, whose offset is rounded up to a 64-byte boundary.
//
// The row arena packs entries the same way storage/wal encodes a block
// body (primary key, weight, fixed-stride payload, length-prefixed blob),
// one after another -- rather than the two-arena split with rebased blob
// offsets the original's arena allocator uses. row.PayloadRow already
// stores its blob offsets relative to its own Blob slice, so folding each
// row's blob into its own record avoids an offset-rebasing pass that
// would otherwise exist solely to serve this wire format. BlobSize is
// therefore always 0; PrimarySize covers the whole row arena.
package ipc

import "encoding/binary"

const (
	Magic      uint64 = 0x474E49545A495043
	HeaderSize        = 56
	Alignment         = 64
	MaxErrLen         = 65536
)

// Status codes (spec.md §6).
const (
	StatusOK    uint32 = 0
	StatusError uint32 = 1
)

// Yield reason codes (spec.md §6), returned in a YIELD instruction's
// target id slot so a client can distinguish why a plan suspended.
const (
	YieldReasonNone       uint64 = 0
	YieldReasonBufferFull uint64 = 1
	YieldReasonRowLimit   uint64 = 2
	YieldReasonUser       uint64 = 3
)

// Header is the decoded form of a segment's 56-byte header.
type Header struct {
	Magic       uint64
	Status      uint32
	ErrLen      uint32
	PrimarySize uint64
	BlobSize    uint64
	RowCount    uint64
	TargetID    uint64
	ClientID    uint64
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Status)
	binary.LittleEndian.PutUint32(buf[12:16], h.ErrLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.PrimarySize)
	binary.LittleEndian.PutUint64(buf[24:32], h.BlobSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.RowCount)
	binary.LittleEndian.PutUint64(buf[40:48], h.TargetID)
	binary.LittleEndian.PutUint64(buf[48:56], h.ClientID)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:       binary.LittleEndian.Uint64(buf[0:8]),
		Status:      binary.LittleEndian.Uint32(buf[8:12]),
		ErrLen:      binary.LittleEndian.Uint32(buf[12:16]),
		PrimarySize: binary.LittleEndian.Uint64(buf[16:24]),
		BlobSize:    binary.LittleEndian.Uint64(buf[24:32]),
		RowCount:    binary.LittleEndian.Uint64(buf[32:40]),
		TargetID:    binary.LittleEndian.Uint64(buf[40:48]),
		ClientID:    binary.LittleEndian.Uint64(buf[48:56]),
	}
}
