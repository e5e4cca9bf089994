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

// Package gnitzerr defines the error taxonomy of the storage and VM layers.
//
// These are variants, not exception hierarchies: every failure mode maps to
// exactly one of these types and is propagated with fmt.Errorf("...: %w", err)
// the way the rest of the engine reports errors.
package gnitzerr

import "fmt"

// Region names a checksummed region within a shard or WAL block, for use
// in CorruptShard.
type Region string

const (
	RegionPK     Region = "pk"
	RegionWeight Region = "weight"
	RegionColumn Region = "column"
	RegionBlob   Region = "blob"
	RegionWAL    Region = "wal"
)

// CorruptShard indicates a checksum or magic mismatch was found while
// reading a shard region. Callers decide whether to abort (on open) or
// skip (during compaction input validation).
type CorruptShard struct {
	Path   string
	Region Region
	Err    error
}

func (e *CorruptShard) Error() string {
	return fmt.Sprintf("corrupt shard %s region %s: %v", e.Path, e.Region, e.Err)
}

func (e *CorruptShard) Unwrap() error { return e.Err }

// CorruptWalSegment indicates a checksum mismatch or truncated tail was
// found while replaying a WAL segment.
type CorruptWalSegment struct {
	Path string
	LSN  uint64
	Err  error
}

func (e *CorruptWalSegment) Error() string {
	return fmt.Sprintf("corrupt WAL segment %s at lsn %d: %v", e.Path, e.LSN, e.Err)
}

func (e *CorruptWalSegment) Unwrap() error { return e.Err }

// CorruptManifest indicates the manifest file's header or entry table
// failed to validate.
type CorruptManifest struct {
	Path string
	Err  error
}

func (e *CorruptManifest) Error() string {
	return fmt.Sprintf("corrupt manifest %s: %v", e.Path, e.Err)
}

func (e *CorruptManifest) Unwrap() error { return e.Err }

// BoundsError indicates an attempted out-of-range access in a mapped
// region. This always indicates a bug and is always surfaced.
type BoundsError struct {
	Offset, Length, Limit int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("bounds error: offset=%d length=%d limit=%d", e.Offset, e.Length, e.Limit)
}

// LayoutError indicates schema or identifier misuse: duplicate table,
// unknown type code, invalid identifier, or an append call that does not
// match the schema's column order.
type LayoutError struct {
	Msg string
}

func (e *LayoutError) Error() string { return "layout error: " + e.Msg }

// MemTableFullError indicates a fixed-capacity arena has been exhausted.
// User tables handle this by flushing and retrying; ephemeral tables that
// opt into non-growable arenas surface it to their caller.
type MemTableFullError struct {
	Capacity int64
}

func (e *MemTableFullError) Error() string {
	return fmt.Sprintf("memtable full: capacity %d exceeded", e.Capacity)
}

// ReferentialIntegrityViolation indicates a foreign-key check failed
// pre-commit. The entire batch is rejected atomically.
type ReferentialIntegrityViolation struct {
	Table, Column string
	PK            [2]uint64
}

func (e *ReferentialIntegrityViolation) Error() string {
	return fmt.Sprintf("referential integrity violation: %s.%s references missing row (pk=%v)", e.Table, e.Column, e.PK)
}

// StorageError is a catch-all for I/O failures surfaced to the client.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }
