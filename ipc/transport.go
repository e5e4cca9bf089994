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
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/usock"
	"github.com/gnitzdb/gnitz/zset"
)

// dummyPayload is the 1-byte in-band message every IPC send carries; the
// real payload travels as the out-of-band SCM_RIGHTS fd.
var dummyPayload = []byte{0}

// SchemaResolver resolves a target table or view id to its schema, the
// one piece of catalog knowledge ReceivePayload needs to reconstruct a
// batch's rows. engine.Engine implements this over its open tables.
type SchemaResolver interface {
	HasID(id uint64) bool
	SchemaByID(id uint64) (*schema.Schema, error)
}

// SendBatch serializes one message to a memfd and passes its descriptor
// to conn via SCM_RIGHTS, closing the local copy once sent.
func SendBatch(conn *net.UnixConn, targetID uint64, b *zset.Batch, status uint32, errMsg string, clientID uint64) error {
	fd, err := SerializeToMemfd(targetID, b, status, errMsg, clientID)
	if err != nil {
		return err
	}
	f := os.NewFile(uintptr(fd), "gnitz_ipc")
	defer f.Close()

	if _, err := usock.WriteWithFile(conn, dummyPayload, f); err != nil {
		return &gnitzerr.StorageError{Op: "ipc.SendBatch: WriteWithFile", Err: err}
	}
	return nil
}

// Payload is a received message: its decoded header, error string (if
// any), and reconstructed batch (nil if the message carried no rows).
// Close must be called once the caller is done reading Batch's rows --
// their backing Buf/Blob slices alias the mapped segment's memory... in
// the original; here they're copied out at decode time, so Close's only
// remaining job is releasing the mapping and descriptor.
type Payload struct {
	Header   Header
	ErrorMsg string
	Batch    *zset.Batch
	TargetID uint64
	ClientID uint64

	mapped []byte
}

// Close releases the payload's mapped memory.
func (p *Payload) Close() error {
	if p.mapped == nil {
		return nil
	}
	err := unix.Munmap(p.mapped)
	p.mapped = nil
	return err
}

// ReceivePayload reads one message off conn: it receives the passed fd,
// maps it, validates the header, and (if the message carries rows)
// resolves its target's schema via resolver to reconstruct the batch.
func ReceivePayload(conn *net.UnixConn, resolver SchemaResolver) (*Payload, error) {
	_, f, err := usock.ReadWithFile(conn, make([]byte, 1))
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "ipc.ReceivePayload: ReadWithFile", Err: err}
	}
	if f == nil {
		return nil, &gnitzerr.LayoutError{Msg: "ipc: message carried no file descriptor"}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "ipc.ReceivePayload: stat", Err: err}
	}
	totalSize := fi.Size()
	if totalSize < HeaderSize {
		return nil, &gnitzerr.LayoutError{Msg: "ipc: payload too small for header"}
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &gnitzerr.StorageError{Op: "ipc.ReceivePayload: mmap", Err: err}
	}

	h := decodeHeader(mapped[0:HeaderSize])
	if h.Magic != Magic {
		unix.Munmap(mapped)
		return nil, &gnitzerr.LayoutError{Msg: "ipc: bad magic"}
	}
	if uint64(h.ErrLen) > MaxErrLen {
		unix.Munmap(mapped)
		return nil, &gnitzerr.LayoutError{Msg: "ipc: error string exceeds safety limit"}
	}

	errStrOff := uint64(HeaderSize)
	if errStrOff+uint64(h.ErrLen) > uint64(totalSize) {
		unix.Munmap(mapped)
		return nil, &gnitzerr.LayoutError{Msg: "ipc: truncated error string"}
	}
	errMsg := string(mapped[errStrOff : errStrOff+uint64(h.ErrLen)])

	p := &Payload{Header: h, ErrorMsg: errMsg, TargetID: h.TargetID, ClientID: h.ClientID, mapped: mapped}

	if h.RowCount > 0 {
		if !resolver.HasID(h.TargetID) {
			unix.Munmap(mapped)
			return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("ipc: target id %d not found", h.TargetID)}
		}
		s, err := resolver.SchemaByID(h.TargetID)
		if err != nil {
			unix.Munmap(mapped)
			return nil, err
		}

		primaryOff := alignUp(errStrOff+uint64(h.ErrLen), Alignment)
		if primaryOff > uint64(totalSize) || h.PrimarySize > uint64(totalSize)-primaryOff {
			unix.Munmap(mapped)
			return nil, &gnitzerr.LayoutError{Msg: "ipc: truncated row arena"}
		}
		arena := mapped[primaryOff : primaryOff+h.PrimarySize]
		b, err := decodeRows(s, arena, h.RowCount)
		if err != nil {
			unix.Munmap(mapped)
			return nil, err
		}
		p.Batch = b
	}

	return p, nil
}
