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

package vm

import (
	"fmt"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
)

// Predicate is the logic run by a FILTER instruction: it returns true to
// keep a row in the output batch.
type Predicate func(r *row.PayloadRow) bool

// MapFunc is the logic run by a MAP instruction: it builds a fresh output
// row from an input row, keeping the input's key and weight.
type MapFunc func(in *row.PayloadRow) (*row.PayloadRow, error)

// Register is satisfied by both DeltaRegister and TraceRegister.
type Register interface {
	IsDelta() bool
}

// DeltaRegister holds a transient batch of Z-set entries produced or
// consumed by one interpreter step. It is cleared at the start of every
// Run call by the CLEAR_DELTAS instruction every compiled program begins
// with.
type DeltaRegister struct {
	Schema *schema.Schema
	Batch  *zset.Batch
}

// NewDeltaRegister returns an empty DeltaRegister for s.
func NewDeltaRegister(s *schema.Schema) *DeltaRegister {
	return &DeltaRegister{Schema: s, Batch: zset.New(s)}
}

// IsDelta reports true: DeltaRegister always holds a transient batch.
func (d *DeltaRegister) IsDelta() bool { return true }

// Clear empties the register's batch in place.
func (d *DeltaRegister) Clear() { d.Batch.Clear() }

// TraceSource is the read side of a persistent or ephemeral table, the
// minimal surface JOIN_DELTA_TRACE needs to look up every row sharing a
// delta's primary key. storage/table.PersistentTable and
// storage/table.EphemeralTable both satisfy it via LookupPK.
type TraceSource interface {
	LookupPK(pk gtype.U128) ([]TraceMatch, error)
}

// TraceMatch is one (weight, payload) pair found at a given primary key
// in a trace.
type TraceMatch struct {
	Weight int64
	Row    *row.PayloadRow
}

// TraceRegister holds a handle to a persistent trace (a base table or an
// already-materialized view) that JOIN_DELTA_TRACE probes by key. Unlike
// a DeltaRegister it is never cleared between steps: its contents are the
// table's durable state.
//
// pending/cursorPos implement the SEEK_TRACE + SCAN_TRACE pair: SEEK_TRACE
// positions the register on every match at one key, and SCAN_TRACE drains
// that match set in caller-sized chunks, mirroring the point-lookup
// combo the original interpreter builds around a real B-tree cursor.
type TraceRegister struct {
	Schema *schema.Schema
	Source TraceSource

	pending   []TraceMatch
	pendingPK gtype.U128
	cursorPos int

	// lastGroupOutput is REDUCE's trace_out: the output row most recently
	// emitted for each group key, keyed by PayloadRow.GroupKey. It lets
	// opReduce retract a group's stale result before inserting its
	// recomputed one instead of leaving two conflicting rows live at the
	// same key downstream. It is local register state rather than a
	// second addressable trace register -- an Instruction currently
	// names at most one trace register (RegB) per opcode.
	lastGroupOutput map[gtype.U128]*row.PayloadRow
}

// NewTraceRegister returns a TraceRegister reading from src.
func NewTraceRegister(s *schema.Schema, src TraceSource) *TraceRegister {
	return &TraceRegister{Schema: s, Source: src}
}

// IsDelta reports false: TraceRegister never holds a transient batch.
func (t *TraceRegister) IsDelta() bool { return false }

// GroupOutput returns the output row last emitted for groupKey and
// whether one exists.
func (t *TraceRegister) GroupOutput(groupKey gtype.U128) (*row.PayloadRow, bool) {
	r, ok := t.lastGroupOutput[groupKey]
	return r, ok
}

// SetGroupOutput records r as the output row most recently emitted for
// groupKey.
func (t *TraceRegister) SetGroupOutput(groupKey gtype.U128, r *row.PayloadRow) {
	if t.lastGroupOutput == nil {
		t.lastGroupOutput = make(map[gtype.U128]*row.PayloadRow)
	}
	t.lastGroupOutput[groupKey] = r
}

// ClearGroupOutput forgets groupKey's last-emitted output row, once its
// group has no remaining live members.
func (t *TraceRegister) ClearGroupOutput(groupKey gtype.U128) {
	delete(t.lastGroupOutput, groupKey)
}

// RegisterFile is the VM's addressable register bank, indexed by the
// small integer register numbers a compiled Instruction stream refers to.
type RegisterFile struct {
	registers []Register
}

// NewRegisterFile returns a RegisterFile with n empty slots.
func NewRegisterFile(n int) *RegisterFile {
	return &RegisterFile{registers: make([]Register, n)}
}

// Set installs reg at index i, growing the file if necessary.
func (rf *RegisterFile) Set(i int, reg Register) {
	for i >= len(rf.registers) {
		rf.registers = append(rf.registers, nil)
	}
	rf.registers[i] = reg
}

// Get returns the register at index i.
func (rf *RegisterFile) Get(i int) (Register, error) {
	if i < 0 || i >= len(rf.registers) || rf.registers[i] == nil {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("vm: register %d is not set", i)}
	}
	return rf.registers[i], nil
}

// Delta returns the register at index i as a *DeltaRegister, erroring if
// it holds a trace instead.
func (rf *RegisterFile) Delta(i int) (*DeltaRegister, error) {
	r, err := rf.Get(i)
	if err != nil {
		return nil, err
	}
	d, ok := r.(*DeltaRegister)
	if !ok {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("vm: register %d is not a delta register", i)}
	}
	return d, nil
}

// Trace returns the register at index i as a *TraceRegister, erroring if
// it holds a delta instead.
func (rf *RegisterFile) Trace(i int) (*TraceRegister, error) {
	r, err := rf.Get(i)
	if err != nil {
		return nil, err
	}
	t, ok := r.(*TraceRegister)
	if !ok {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("vm: register %d is not a trace register", i)}
	}
	return t, nil
}

// ClearAllDeltas empties every DeltaRegister in the file, leaving
// TraceRegisters untouched. Run invokes this via the CLEAR_DELTAS
// instruction at the start of every program.
func (rf *RegisterFile) ClearAllDeltas() {
	for _, r := range rf.registers {
		if d, ok := r.(*DeltaRegister); ok {
			d.Clear()
		}
	}
}
