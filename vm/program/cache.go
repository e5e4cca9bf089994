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
	"sort"
	"sync"

	"github.com/gnitzdb/gnitz/catalog"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/vm"
)

// ExecutablePlan is a compiled, ready-to-run view program: a flat
// Instruction stream, a RegisterFile with every register pre-allocated
// and (for trace registers) already bound to its source table, and the
// schema of the Z-set batches the program yields.
type ExecutablePlan struct {
	Program   []vm.Instruction
	Registers *vm.RegisterFile
	OutSchema *schema.Schema
}

// Cache compiles and caches one ExecutablePlan per view id, invalidated
// whenever the view's _instructions rows change.
type Cache struct {
	registry      Registry
	funcs         FuncRegistry
	instructions  *table.PersistentTable
	viewDeps      *table.PersistentTable
	groupTraceCap int64

	mu    sync.Mutex
	plans map[uint64]*ExecutablePlan
}

// NewCache returns a Cache compiling programs against registry, reading
// compiled rows from instructions and dependency edges from viewDeps
// (normally catalog.Store.Instructions and catalog.Store.ViewDeps).
// groupTraceCapacityBytes bounds each REDUCE instruction's private
// group-membership trace (normally engine.Config.MemTableCapacityBytes,
// the same budget a real table's MemTable gets).
func NewCache(registry Registry, instructions, viewDeps *table.PersistentTable, groupTraceCapacityBytes int64) *Cache {
	return &Cache{
		registry:      registry,
		funcs:         DefaultFuncRegistry{},
		instructions:  instructions,
		viewDeps:      viewDeps,
		groupTraceCap: groupTraceCapacityBytes,
		plans:         make(map[uint64]*ExecutablePlan),
	}
}

// SetFuncRegistry overrides the default pass-through FuncRegistry, e.g.
// once a real expression compiler exists.
func (c *Cache) SetFuncRegistry(funcs FuncRegistry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = funcs
}

// Invalidate drops viewID's cached plan, forcing the next Get to
// recompile it from the current _instructions rows.
func (c *Cache) Invalidate(viewID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, viewID)
}

// InvalidateAll drops every cached plan.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans = make(map[uint64]*ExecutablePlan)
}

// Get returns viewID's compiled plan, compiling and caching it on first
// use. It returns a nil plan (no error) if viewID does not currently name
// a resolvable table or view.
func (c *Cache) Get(viewID uint64) (*ExecutablePlan, error) {
	c.mu.Lock()
	if p, ok := c.plans[viewID]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	plan, err := c.load(viewID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.plans[viewID] = plan
	c.mu.Unlock()
	return plan, nil
}

func (c *Cache) load(viewID uint64) (*ExecutablePlan, error) {
	if !c.registry.HasID(viewID) {
		return nil, nil
	}
	outSchema, err := c.registry.SchemaByID(viewID)
	if err != nil {
		return nil, fmt.Errorf("vm/program: view %d schema: %w", viewID, err)
	}

	inSchema, err := c.resolvePrimaryInputSchema(viewID, outSchema)
	if err != nil {
		return nil, fmt.Errorf("vm/program: view %d primary input: %w", viewID, err)
	}

	rows, err := c.instructionRows(viewID)
	if err != nil {
		return nil, fmt.Errorf("vm/program: view %d instructions: %w", viewID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	regs := vm.NewRegisterFile(16)
	regs.Set(0, vm.NewDeltaRegister(inSchema))

	program := make([]vm.Instruction, 0, len(rows))
	for _, ir := range rows {
		instr, err := c.compileOne(ir, regs, inSchema, outSchema)
		if err != nil {
			return nil, err
		}
		program = append(program, instr)
	}

	return &ExecutablePlan{Program: program, Registers: regs, OutSchema: outSchema}, nil
}

// instructionRows returns every _instructions row for programID, sorted
// by seq. A full-table scan is simple and correct; a PK-prefix seek would
// need program_id packed into the high bits of the PK the way the
// original RPython cursor seeks, which our PersistentTable's PK space
// does not currently reserve.
func (c *Cache) instructionRows(programID uint64) ([]catalog.InstructionRow, error) {
	cur, err := c.instructions.CreateCursor()
	if err != nil {
		return nil, err
	}
	var out []catalog.InstructionRow
	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if weight <= 0 {
			continue
		}
		ir := catalog.DecodeInstructionRow(pk.Lo, r)
		if ir.ProgramID == programID {
			out = append(out, ir)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// resolvePrimaryInputSchema walks the live _view_deps edges naming viewID
// as the dependent view, preferring a concrete base table dependency over
// a derived view dependency, per SPEC_FULL.md's §4.14 supplement: the
// first edge with a resolvable base table wins; failing that, the first
// resolvable upstream view. It returns fallback if no dependency is found.
func (c *Cache) resolvePrimaryInputSchema(viewID uint64, fallback *schema.Schema) (*schema.Schema, error) {
	cur, err := c.viewDeps.CreateCursor()
	if err != nil {
		return nil, err
	}
	var firstViewID uint64
	for {
		_, weight, r, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if weight <= 0 {
			continue
		}
		dependentViewID := r.GetIntUnsigned(1)
		if dependentViewID != viewID {
			continue
		}
		upstreamViewID := r.GetIntUnsigned(2)
		upstreamTableID := r.GetIntUnsigned(3)
		if upstreamTableID > 0 && c.registry.HasID(upstreamTableID) {
			return c.registry.SchemaByID(upstreamTableID)
		}
		if firstViewID == 0 && upstreamViewID > 0 && c.registry.HasID(upstreamViewID) {
			firstViewID = upstreamViewID
		}
	}
	if firstViewID > 0 {
		return c.registry.SchemaByID(firstViewID)
	}
	return fallback, nil
}
