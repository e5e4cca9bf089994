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
	"strconv"
	"strings"

	"github.com/gnitzdb/gnitz/catalog"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/vm"
)

// compileOne turns one decoded _instructions row into a vm.Instruction,
// lazily materializing any register it names that the RegisterFile
// doesn't already hold.
//
// operand_a/b/c/d carry opcode-dependent meaning, generalized across
// every opcode rather than reusing raw positional slots the way the
// RPython encoding does:
//
//	FILTER/MAP/NEGATE/DELAY/DISTINCT: A=regIn, C=regOut, D=schema-override table id (0 = inherit)
//	UNION/JOIN_DELTA_DELTA:           A=regInA, B=regInB, C=regOut
//	JOIN_DELTA_TRACE:                 A=regDelta, B=regTrace, C=regOut, D=trace's table id
//	REDUCE:                           A=regIn, B=regTrace, C=regOut, D=schema-override table id, extra=agg spec [+group_cols]
//	INTEGRATE:                        A=regIn, D=target table id
//	SCAN_TRACE:                       A=regTrace, C=regOut, D=trace's table id, extra="limit:<n>"
//	SEEK_TRACE:                       A=regTrace, B=regKey, D=trace's table id
//	JUMP:                             D=jump target pc
//	YIELD:                            A=regIn, D=yield reason code
//	HALT/CLEAR_DELTAS:                no operands
func (c *Cache) compileOne(ir catalog.InstructionRow, regs *vm.RegisterFile, inSchema, outSchema *schema.Schema) (vm.Instruction, error) {
	a, b, cc, tid := int(ir.OperandA), int(ir.OperandB), int(ir.OperandC), ir.OperandD

	switch vm.Opcode(ir.Opcode) {
	case vm.OpFilter:
		if err := c.ensureDelta(regs, a, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.Filter(a, cc, c.funcs.Predicate(parseFuncID(ir.Extra))), nil

	case vm.OpMap:
		if err := c.ensureDelta(regs, a, 0, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, tid, outSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.Map(a, cc, c.funcs.MapFunc(parseFuncID(ir.Extra))), nil

	case vm.OpNegate:
		if err := c.ensureDelta(regs, a, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.Negate(a, cc), nil

	case vm.OpUnion:
		for _, r := range []int{a, b, cc} {
			if err := c.ensureDelta(regs, r, tid, inSchema); err != nil {
				return vm.Instruction{}, err
			}
		}
		return vm.Union(a, b, cc), nil

	case vm.OpDistinct:
		if err := c.ensureDelta(regs, a, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.Distinct(a, cc), nil

	case vm.OpJoinDeltaTrace:
		if err := c.ensureDelta(regs, a, 0, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureTrace(regs, b, tid); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, 0, outSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.JoinDeltaTrace(a, b, cc), nil

	case vm.OpJoinDeltaDelta:
		if err := c.ensureDelta(regs, a, 0, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, b, 0, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, 0, outSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.JoinDeltaDelta(a, b, cc), nil

	case vm.OpReduce:
		if err := c.ensureDelta(regs, a, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		reduceInSchema := inSchema
		if tid > 0 {
			var err error
			reduceInSchema, err = c.registry.SchemaByID(tid)
			if err != nil {
				return vm.Instruction{}, err
			}
		}
		if err := c.ensureGroupTrace(regs, b, reduceInSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, 0, outSchema); err != nil {
			return vm.Instruction{}, err
		}
		aggFns, err := parseAggSpec(ir.Extra)
		if err != nil {
			return vm.Instruction{}, err
		}
		groupCols := parseGroupCols(ir.Extra)
		return vm.Reduce(a, b, cc, groupCols, aggFns), nil

	case vm.OpDelay:
		if err := c.ensureDelta(regs, a, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, cc, tid, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.Delay(a, cc), nil

	case vm.OpIntegrate:
		if err := c.ensureDelta(regs, a, 0, outSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.Integrate(a, tid), nil

	case vm.OpScanTrace:
		if err := c.ensureTrace(regs, a, tid); err != nil {
			return vm.Instruction{}, err
		}
		var traceSchema *schema.Schema
		if tid > 0 {
			var err error
			traceSchema, err = c.registry.SchemaByID(tid)
			if err != nil {
				return vm.Instruction{}, err
			}
		} else {
			traceSchema = outSchema
		}
		if err := c.ensureDelta(regs, cc, 0, traceSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.ScanTrace(a, cc, parseChunkLimit(ir.Extra)), nil

	case vm.OpSeekTrace:
		if err := c.ensureTrace(regs, a, tid); err != nil {
			return vm.Instruction{}, err
		}
		if err := c.ensureDelta(regs, b, 0, inSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.SeekTrace(a, b), nil

	case vm.OpYield:
		if err := c.ensureDelta(regs, a, 0, outSchema); err != nil {
			return vm.Instruction{}, err
		}
		return vm.YieldReason(a, ir.OperandD), nil

	case vm.OpJump:
		return vm.Jump(int(ir.OperandD)), nil

	case vm.OpHalt:
		return vm.Halt(), nil

	case vm.OpClearDeltas:
		return vm.ClearDeltas(), nil

	default:
		return vm.Instruction{}, &gnitzerr.LayoutError{Msg: fmt.Sprintf("vm/program: unknown opcode %d in instruction %d", ir.Opcode, ir.InstructionID)}
	}
}

// ensureDelta allocates a DeltaRegister at regID if not already present.
// tid>0 overrides fallback with the schema of the table/view it names.
func (c *Cache) ensureDelta(regs *vm.RegisterFile, regID int, tid uint64, fallback *schema.Schema) error {
	if _, err := regs.Delta(regID); err == nil {
		return nil
	}
	sch := fallback
	if tid > 0 {
		var err error
		sch, err = c.registry.SchemaByID(tid)
		if err != nil {
			return err
		}
	}
	regs.Set(regID, vm.NewDeltaRegister(sch))
	return nil
}

// ensureTrace allocates a TraceRegister at regID bound to table id tid if
// not already present.
func (c *Cache) ensureTrace(regs *vm.RegisterFile, regID int, tid uint64) error {
	if _, err := regs.Trace(regID); err == nil {
		return nil
	}
	sch, err := c.registry.SchemaByID(tid)
	if err != nil {
		return err
	}
	src, err := c.registry.TraceSourceByID(tid)
	if err != nil {
		return err
	}
	regs.Set(regID, vm.NewTraceRegister(sch, src))
	return nil
}

// ensureGroupTrace allocates a REDUCE instruction's private trace_in
// register at regID if not already present: a table.EphemeralTable
// scoped to this one instruction rather than a registry-resolved table,
// since group_cols membership has no catalog identity to look it up by.
func (c *Cache) ensureGroupTrace(regs *vm.RegisterFile, regID int, sch *schema.Schema) error {
	if _, err := regs.Trace(regID); err == nil {
		return nil
	}
	ephemeral := table.NewEphemeral(sch, c.groupTraceCap, vm.GroupTraceHashK0, vm.GroupTraceHashK1)
	regs.Set(regID, vm.NewTraceRegister(sch, ephemeral))
	return nil
}

// parseGroupCols reads the "group_cols:<i>,<i>,..." token out of a REDUCE
// instruction's extra column, returning nil (group by primary key) if
// absent or malformed.
func parseGroupCols(extra string) []int {
	_, v, ok := strings.Cut(extra, "group_cols:")
	if !ok || v == "" {
		return nil
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	fields := strings.Split(v, ",")
	cols := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil
		}
		cols = append(cols, n)
	}
	return cols
}

// parseFuncID reads the "func:<id>" token out of an instruction's extra
// column, returning 0 (the FuncRegistry's pass-through default) if absent
// or malformed.
func parseFuncID(extra string) uint64 {
	_, v, ok := strings.Cut(extra, "func:")
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseChunkLimit reads the "limit:<n>" token out of a SCAN_TRACE
// instruction's extra column, returning 0 (unlimited) if absent.
func parseChunkLimit(extra string) int {
	_, v, ok := strings.Cut(extra, "limit:")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
