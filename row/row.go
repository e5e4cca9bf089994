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

// Package row implements PayloadRow: a row minus its primary-key column,
// packed as a fixed-stride AoS byte buffer per spec.md §4.1. Columns must
// be appended exactly once, in schema order; there are no partial rows
// outside the builder phase.
package row

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dchest/siphash"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/schema"
)

// PayloadRow is the packed non-PK portion of one record: a fixed-stride
// byte buffer laid out according to its Schema's computed offsets, a
// null bitmap, and an append-only blob arena for long strings written
// via AppendString before the row is handed to a shard writer (which
// relocates long strings into its own, shared blob heap).
type PayloadRow struct {
	Schema *schema.Schema
	Buf    []byte
	Blob   []byte
	Nulls  []byte

	next int // index into Schema.Columns of the next column expected
}

// New allocates a zeroed PayloadRow for schema s.
func New(s *schema.Schema) *PayloadRow {
	nullBytes := (s.NumPayloadColumns() + 7) / 8
	return &PayloadRow{
		Schema: s,
		Buf:    make([]byte, s.Stride()),
		Nulls:  make([]byte, nullBytes),
	}
}

func (r *PayloadRow) advance() (schema.Column, int, error) {
	for r.next < len(r.Schema.Columns) && r.next == r.Schema.PKIndex {
		r.next++
	}
	if r.next >= len(r.Schema.Columns) {
		return schema.Column{}, -1, &gnitzerr.LayoutError{Msg: "PayloadRow: append called after all non-PK columns were filled"}
	}
	col := r.Schema.Columns[r.next]
	idx := r.next
	r.next++
	return col, idx, nil
}

func checkType(col schema.Column, want string, ok bool) error {
	if !ok {
		return &gnitzerr.LayoutError{Msg: fmt.Sprintf("PayloadRow: column %q is %s, expected %s", col.Name, col.Type, want)}
	}
	return nil
}

// AppendInt appends an integer value for the next column in schema order.
// v's bit pattern covers all signed/unsigned integer widths; callers read
// it back with GetIntSigned or GetIntUnsigned depending on the column's
// declared type.
func (r *PayloadRow) AppendInt(v int64) error {
	col, idx, err := r.advance()
	if err != nil {
		return err
	}
	if err := checkType(col, "integer", col.Type.IsInteger()); err != nil {
		return err
	}
	off := r.Schema.ColumnOffset(idx)
	putInt(r.Buf[off:], col.Type.Size(), uint64(v))
	return nil
}

// AppendFloat appends a float32/float64 value for the next column.
func (r *PayloadRow) AppendFloat(v float64) error {
	col, idx, err := r.advance()
	if err != nil {
		return err
	}
	if err := checkType(col, "float", col.Type.IsFloat()); err != nil {
		return err
	}
	off := r.Schema.ColumnOffset(idx)
	if col.Type == gtype.F32 {
		binary.LittleEndian.PutUint32(r.Buf[off:], math.Float32bits(float32(v)))
	} else {
		binary.LittleEndian.PutUint64(r.Buf[off:], math.Float64bits(v))
	}
	return nil
}

// AppendString appends a string value for the next column. Strings longer
// than gtype.ShortStringThreshold are appended to the row's own blob arena.
func (r *PayloadRow) AppendString(s string) error {
	col, idx, err := r.advance()
	if err != nil {
		return err
	}
	if err := checkType(col, "string", col.Type == gtype.String); err != nil {
		return err
	}
	off := r.Schema.ColumnOffset(idx)
	var ss gtype.ShortString
	if len(s) <= gtype.ShortStringThreshold {
		ss = gtype.Pack(s, 0)
	} else {
		heapOff := uint64(len(r.Blob))
		r.Blob = append(r.Blob, s...)
		ss = gtype.Pack(s, heapOff)
	}
	ss.Encode(r.Buf[off:])
	return nil
}

// AppendU128 appends a 128-bit value for the next column.
func (r *PayloadRow) AppendU128(lo, hi uint64) error {
	col, idx, err := r.advance()
	if err != nil {
		return err
	}
	if err := checkType(col, "u128", col.Type == gtype.U128); err != nil {
		return err
	}
	off := r.Schema.ColumnOffset(idx)
	binary.LittleEndian.PutUint64(r.Buf[off:], lo)
	binary.LittleEndian.PutUint64(r.Buf[off+8:], hi)
	return nil
}

// AppendNull marks the next column as null. The caller must still call
// AppendNull exactly once in schema-column order, same as any other
// append_* call; it is only valid for nullable columns.
func (r *PayloadRow) AppendNull() error {
	col, idx, err := r.advance()
	if err != nil {
		return err
	}
	if !col.Nullable {
		return &gnitzerr.LayoutError{Msg: fmt.Sprintf("PayloadRow: column %q is not nullable", col.Name)}
	}
	p := r.Schema.PayloadIndex(idx)
	r.Nulls[p/8] |= 1 << uint(p%8)
	return nil
}

// IsNull reports whether the value at physical column index col is null.
func (r *PayloadRow) IsNull(col int) bool {
	p := r.Schema.PayloadIndex(col)
	return r.Nulls[p/8]&(1<<uint(p%8)) != 0
}

// GetIntSigned reads an integer column as a sign-extended int64.
func (r *PayloadRow) GetIntSigned(col int) int64 {
	off := r.Schema.ColumnOffset(col)
	sz := r.Schema.Columns[col].Type.Size()
	return signExtend(getInt(r.Buf[off:], sz), sz)
}

// GetIntUnsigned reads an integer column as a zero-extended uint64.
func (r *PayloadRow) GetIntUnsigned(col int) uint64 {
	off := r.Schema.ColumnOffset(col)
	sz := r.Schema.Columns[col].Type.Size()
	return getInt(r.Buf[off:], sz)
}

// GetFloat reads a float32/float64 column as a float64.
func (r *PayloadRow) GetFloat(col int) float64 {
	off := r.Schema.ColumnOffset(col)
	if r.Schema.Columns[col].Type == gtype.F32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(r.Buf[off:])))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(r.Buf[off:]))
}

// GetU128 reads a u128 column.
func (r *PayloadRow) GetU128(col int) gtype.U128 {
	off := r.Schema.ColumnOffset(col)
	return gtype.U128{
		Lo: binary.LittleEndian.Uint64(r.Buf[off:]),
		Hi: binary.LittleEndian.Uint64(r.Buf[off+8:]),
	}
}

// GetStr reads a string column, resolving long strings against heap (the
// row's own Blob for a freshly-built row, or a shard's blob region for a
// row materialized from storage).
func (r *PayloadRow) GetStr(col int, heap []byte) string {
	off := r.Schema.ColumnOffset(col)
	ss := gtype.DecodeShortString(r.Buf[off:])
	if ss.IsInline() {
		return ss.Resolve(nil)
	}
	return ss.Resolve(heap)
}

// Get GetStr against the row's own blob arena, for rows still owned by
// their originating builder.
func (r *PayloadRow) GetOwnStr(col int) string { return r.GetStr(col, r.Blob) }

// StrEquals compares a string column against lit without materializing the
// full string unless the prefix matches (spec.md §4.1).
func (r *PayloadRow) StrEquals(col int, heap []byte, lit string) bool {
	off := r.Schema.ColumnOffset(col)
	ss := gtype.DecodeShortString(r.Buf[off:])
	if ss.IsInline() {
		return ss.EqualString(nil, lit)
	}
	return ss.EqualString(heap, lit)
}

// ContentKey returns a canonical byte representation of the row's payload,
// with long strings resolved against the row's own blob arena so that two
// rows with equal content but different heap offsets compare equal. It is
// used for MemTable dedup hashing and for ZSetBatch consolidation ordering,
// both of which tie-break same-PK rows with a plain bytes.Compare over this
// key (spec.md §3): integer columns are packed big-endian rather than in
// their in-row little-endian layout so that comparison matches unsigned
// integer order, and u128 columns are packed hi then lo (AppendU128 stores
// lo first) so that comparison matches (hi, lo) order.
func (r *PayloadRow) ContentKey() []byte {
	out := make([]byte, 0, len(r.Buf)+len(r.Nulls))
	for i, c := range r.Schema.Columns {
		if i == r.Schema.PKIndex {
			continue
		}
		off := r.Schema.ColumnOffset(i)
		switch {
		case c.Type == gtype.String:
			ss := gtype.DecodeShortString(r.Buf[off:])
			s := ss.Resolve(r.Blob)
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
			out = append(out, lenBuf[:]...)
			out = append(out, s...)
		case c.Type == gtype.U128:
			u := r.GetU128(i)
			var buf [16]byte
			binary.BigEndian.PutUint64(buf[0:8], u.Hi)
			binary.BigEndian.PutUint64(buf[8:16], u.Lo)
			out = append(out, buf[:]...)
		case c.Type.IsInteger():
			sz := c.Type.Size()
			var buf [8]byte
			putIntBE(buf[:sz], sz, getInt(r.Buf[off:], sz))
			out = append(out, buf[:sz]...)
		default:
			out = append(out, r.Buf[off:off+c.Type.Size()]...)
		}
	}
	out = append(out, r.Nulls...)
	return out
}

// GroupKey hashes the named columns (in the order given) into a 64-bit
// key, for grouping by an arbitrary column list rather than by primary
// key (REDUCE's group_cols, spec.md §4.12). Unlike ContentKey this key is
// never compared or persisted across a restart, so it needs no
// order-preserving or little/big-endian discipline -- any stable
// encoding that gives equal columns equal keys will do.
func (r *PayloadRow) GroupKey(cols []int, k0, k1 uint64) gtype.U128 {
	var buf []byte
	for _, i := range cols {
		c := r.Schema.Columns[i]
		off := r.Schema.ColumnOffset(i)
		if c.Type == gtype.String {
			s := r.GetStr(i, r.Blob)
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, s...)
			continue
		}
		buf = append(buf, r.Buf[off:off+c.Type.Size()]...)
	}
	return gtype.U128{Lo: siphash.Hash(k0, k1, buf)}
}

func putInt(dst []byte, size int, v uint64) {
	switch size {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(dst, v)
	default:
		panic("gnitzdb: unsupported int width")
	}
}

// putIntBE is putInt's big-endian counterpart, used only by ContentKey to
// produce a key whose bytes.Compare order matches unsigned integer order
// regardless of the column's in-row little-endian storage.
func putIntBE(dst []byte, size int, v uint64) {
	switch size {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(dst, v)
	default:
		panic("gnitzdb: unsupported int width")
	}
}

func getInt(src []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(src[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(src))
	case 4:
		return uint64(binary.LittleEndian.Uint32(src))
	case 8:
		return binary.LittleEndian.Uint64(src)
	default:
		panic("gnitzdb: unsupported int width")
	}
}

func signExtend(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}
