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
	"net"

	"golang.org/x/sys/unix"

	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/zset"
)

// SerializeToMemfd writes one message (header, error string, row arena if
// b is non-nil) into a freshly created memfd and returns its file
// descriptor. No file seals are added to the memfd, so the segment stays
// writable through any descriptor to it. The caller owns the returned fd
// and must close it once it
// has been passed to a peer (or on any error path before that).
func SerializeToMemfd(targetID uint64, b *zset.Batch, status uint32, errMsg string, clientID uint64) (fd int, retErr error) {
	var rows []byte
	var rowCount uint64
	if b != nil {
		rows = encodeRows(b)
		rowCount = uint64(len(b.Entries))
	}

	errStrOff := uint64(HeaderSize)
	primaryOff := alignUp(errStrOff+uint64(len(errMsg)), Alignment)
	totalSize := primaryOff + uint64(len(rows))

	fd, err := unix.MemfdCreate("gnitz_ipc", 0)
	if err != nil {
		return -1, &gnitzerr.StorageError{Op: "ipc.SerializeToMemfd: memfd_create", Err: err}
	}
	defer func() {
		if retErr != nil {
			unix.Close(fd)
			fd = -1
		}
	}()

	if err := unix.Ftruncate(fd, int64(totalSize)); err != nil {
		return -1, &gnitzerr.StorageError{Op: "ipc.SerializeToMemfd: ftruncate", Err: err}
	}

	mapped, err := unix.Mmap(fd, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return -1, &gnitzerr.StorageError{Op: "ipc.SerializeToMemfd: mmap", Err: err}
	}
	defer unix.Munmap(mapped)

	h := Header{
		Magic:       Magic,
		Status:      status,
		ErrLen:      uint32(len(errMsg)),
		PrimarySize: uint64(len(rows)),
		BlobSize:    0,
		RowCount:    rowCount,
		TargetID:    targetID,
		ClientID:    clientID,
	}
	copy(mapped[0:HeaderSize], h.encode())
	copy(mapped[errStrOff:], errMsg)
	copy(mapped[primaryOff:], rows)

	return fd, nil
}

// SendError is a convenience wrapper that serializes a zero-row error
// message and sends it over conn.
func SendError(conn *net.UnixConn, errMsg string, targetID, clientID uint64) error {
	return SendBatch(conn, targetID, nil, StatusError, errMsg, clientID)
}
