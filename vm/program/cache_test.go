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

package program

import (
	"fmt"
	"testing"

	"github.com/gnitzdb/gnitz/catalog"
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/vm"
	"github.com/gnitzdb/gnitz/zset"
)

func ordersSchema(t *testing.T) *schema.Schema {
	t.Helper()
	cols := []schema.Column{
		{Name: "order_id", Type: gtype.U64},
		{Name: "amount", Type: gtype.I64},
	}
	s, err := schema.New(100, "orders", cols, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// fakeRegistry resolves exactly one table id (tid), used as both the
// input and the output of every compiled plan in these tests.
type fakeRegistry struct {
	tid uint64
	sch *schema.Schema
	tbl *table.PersistentTable
}

func (f *fakeRegistry) HasID(id uint64) bool { return id == f.tid }

func (f *fakeRegistry) SchemaByID(id uint64) (*schema.Schema, error) {
	if id != f.tid {
		return nil, fmt.Errorf("fakeRegistry: unknown id %d", id)
	}
	return f.sch, nil
}

func (f *fakeRegistry) TraceSourceByID(id uint64) (vm.TraceSource, error) {
	if id != f.tid {
		return nil, fmt.Errorf("fakeRegistry: unknown id %d", id)
	}
	return f.tbl, nil
}

func (f *fakeRegistry) IntegrateTargetByID(id uint64) (vm.IntegrateTarget, error) {
	if id != f.tid {
		return nil, fmt.Errorf("fakeRegistry: unknown id %d", id)
	}
	return f.tbl, nil
}

func newTestCache(t *testing.T) (*Cache, *fakeRegistry) {
	t.Helper()
	sch := ordersSchema(t)
	tbl, err := table.Open(t.TempDir(), sch, 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	reg := &fakeRegistry{tid: 100, sch: sch, tbl: tbl}

	instrSchema, err := catalog.InstructionsSchema()
	if err != nil {
		t.Fatal(err)
	}
	instructions, err := table.Open(t.TempDir(), instrSchema, 1<<20, 3, 4)
	if err != nil {
		t.Fatal(err)
	}

	depsSchema, err := catalog.ViewDepsSchema()
	if err != nil {
		t.Fatal(err)
	}
	viewDeps, err := table.Open(t.TempDir(), depsSchema, 1<<20, 5, 6)
	if err != nil {
		t.Fatal(err)
	}

	return NewCache(reg, instructions, viewDeps, 1<<20), reg
}

func putInstruction(t *testing.T, c *Cache, ir catalog.InstructionRow) {
	t.Helper()
	s, err := catalog.InstructionsSchema()
	if err != nil {
		t.Fatal(err)
	}
	r, err := catalog.EncodeInstructionRow(s, ir)
	if err != nil {
		t.Fatal(err)
	}
	b := zset.New(s)
	b.Append(gtype.FromU64(ir.InstructionID), 1, r)
	if err := c.instructions.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
}

func TestCacheGetCompilesFilterIntegrateProgram(t *testing.T) {
	c, _ := newTestCache(t)

	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 1, ProgramID: 100, Seq: 0, Opcode: uint64(vm.OpClearDeltas),
	})
	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 2, ProgramID: 100, Seq: 1, Opcode: uint64(vm.OpFilter),
		OperandA: 0, OperandC: 1,
	})
	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 3, ProgramID: 100, Seq: 2, Opcode: uint64(vm.OpIntegrate),
		OperandA: 1, OperandD: 100,
	})
	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 4, ProgramID: 100, Seq: 3, Opcode: uint64(vm.OpHalt),
	})

	plan, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil {
		t.Fatal("plan = nil, want compiled plan")
	}
	if len(plan.Program) != 4 {
		t.Fatalf("len(plan.Program) = %d, want 4", len(plan.Program))
	}
	if plan.Program[1].Opcode != vm.OpFilter {
		t.Fatalf("Program[1].Opcode = %v, want FILTER", plan.Program[1].Opcode)
	}
	if _, err := plan.Registers.Delta(0); err != nil {
		t.Fatalf("register 0 not materialized: %v", err)
	}
	if _, err := plan.Registers.Delta(1); err != nil {
		t.Fatalf("register 1 not materialized: %v", err)
	}
}

func TestCacheGetCompilesYieldReasonFromOperandD(t *testing.T) {
	c, _ := newTestCache(t)

	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 1, ProgramID: 100, Seq: 0, Opcode: uint64(vm.OpClearDeltas),
	})
	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 2, ProgramID: 100, Seq: 1, Opcode: uint64(vm.OpYield),
		OperandA: 0, OperandD: 2,
	})
	putInstruction(t, c, catalog.InstructionRow{
		InstructionID: 3, ProgramID: 100, Seq: 2, Opcode: uint64(vm.OpHalt),
	})

	plan, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil {
		t.Fatal("plan = nil, want compiled plan")
	}
	if plan.Program[1].YieldReason != 2 {
		t.Fatalf("Program[1].YieldReason = %d, want 2", plan.Program[1].YieldReason)
	}
}

func TestCacheGetCachesPlanAcrossCalls(t *testing.T) {
	c, _ := newTestCache(t)
	putInstruction(t, c, catalog.InstructionRow{InstructionID: 1, ProgramID: 100, Seq: 0, Opcode: uint64(vm.OpHalt)})

	first, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("Get returned a different *ExecutablePlan on the second call, want the cached pointer")
	}
}

func TestCacheInvalidateForcesRecompile(t *testing.T) {
	c, _ := newTestCache(t)
	putInstruction(t, c, catalog.InstructionRow{InstructionID: 1, ProgramID: 100, Seq: 0, Opcode: uint64(vm.OpHalt)})

	first, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	c.Invalidate(100)
	second, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("Get returned the stale cached pointer after Invalidate")
	}
}

func TestCacheGetReturnsNilForUnknownView(t *testing.T) {
	c, _ := newTestCache(t)
	plan, err := c.Get(999)
	if err != nil {
		t.Fatal(err)
	}
	if plan != nil {
		t.Fatal("plan != nil, want nil for an id the registry can't resolve")
	}
}

func TestCacheGetReturnsNilForViewWithNoInstructions(t *testing.T) {
	c, _ := newTestCache(t)
	plan, err := c.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	if plan != nil {
		t.Fatal("plan != nil, want nil when _instructions has no rows for this program")
	}
}

func TestResolvePrimaryInputSchemaPrefersBaseTable(t *testing.T) {
	c, reg := newTestCache(t)

	depsSchema, err := catalog.ViewDepsSchema()
	if err != nil {
		t.Fatal(err)
	}
	r := row.New(depsSchema)
	mustAppendInt := func(v uint64) {
		t.Helper()
		if err := r.AppendInt(int64(v)); err != nil {
			t.Fatal(err)
		}
	}
	mustAppendInt(200)  // view_id (dependent view)
	mustAppendInt(0)    // dep_view_id
	mustAppendInt(reg.tid) // dep_table_id
	b := zset.New(depsSchema)
	b.Append(gtype.FromU64(1), 1, r)
	if err := c.viewDeps.IngestBatch(b); err != nil {
		t.Fatal(err)
	}

	got, err := c.resolvePrimaryInputSchema(200, reg.sch)
	if err != nil {
		t.Fatal(err)
	}
	if got != reg.sch {
		t.Fatal("resolvePrimaryInputSchema did not resolve the base table schema")
	}
}

func TestResolvePrimaryInputSchemaFallsBackWhenNoDepFound(t *testing.T) {
	c, reg := newTestCache(t)
	got, err := c.resolvePrimaryInputSchema(555, reg.sch)
	if err != nil {
		t.Fatal(err)
	}
	if got != reg.sch {
		t.Fatal("resolvePrimaryInputSchema should return fallback when no dependency row matches")
	}
}
