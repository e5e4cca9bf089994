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

	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/zset"
)

// IntegrateTargets resolves a table id named by an INTEGRATE instruction
// to the table it should commit into. The engine wires one of these in
// per compiled program, since a program's instructions only carry numeric
// table ids, never live table handles.
type IntegrateTargets interface {
	Table(tableID uint64) (IntegrateTarget, error)
}

// Interpreter runs one compiled instruction stream against a register
// file. It is stateless between calls to Run except for whatever its
// registers retain (a TraceRegister's underlying table, a delay
// register's carried-over batch).
type Interpreter struct {
	Program   []Instruction
	Registers *RegisterFile
	Targets   IntegrateTargets

	// LastYieldReason holds the YieldReason of the YIELD instruction that
	// produced Run's return value (spec.md §6 YIELD_REASON_* codes), or 0
	// (NONE) if the program ran to HALT without yielding.
	LastYieldReason uint64
}

// New returns an Interpreter ready to run program against regs, resolving
// any INTEGRATE instruction's table id through targets.
func New(program []Instruction, regs *RegisterFile, targets IntegrateTargets) *Interpreter {
	return &Interpreter{Program: program, Registers: regs, Targets: targets}
}

// Run feeds input into register 0 (which must already hold a
// DeltaRegister) and executes the program from pc 0, returning the
// contents of the last YIELD instruction's register, or nil if the
// program runs to HALT without yielding.
func (in *Interpreter) Run(input *zset.Batch) (*zset.Batch, error) {
	reg0, err := in.Registers.Delta(0)
	if err != nil {
		return nil, fmt.Errorf("vm.Run: register 0: %w", err)
	}
	reg0.Clear()
	reg0.Batch.Extend(input)
	in.LastYieldReason = 0

	var yielded *zset.Batch
	pc := 0
	for pc < len(in.Program) {
		instr := in.Program[pc]
		switch instr.Opcode {
		case OpHalt:
			return yielded, nil

		case OpClearDeltas:
			in.Registers.ClearAllDeltas()
			reg0.Batch.Extend(input)

		case OpFilter:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			opFilter(src, dst, instr.Func)

		case OpMap:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			if err := opMap(src, dst, instr.MapFunc); err != nil {
				return nil, err
			}

		case OpNegate:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			opNegate(src, dst)

		case OpUnion:
			a, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			b, err := in.Registers.Delta(instr.RegB)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			opUnion(a, b, dst)

		case OpDistinct:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			opDistinct(src, dst)

		case OpJoinDeltaTrace:
			delta, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			trace, err := in.Registers.Trace(instr.RegB)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			if err := opJoinDeltaTrace(delta, trace, dst); err != nil {
				return nil, err
			}

		case OpJoinDeltaDelta:
			a, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			b, err := in.Registers.Delta(instr.RegB)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			if err := opJoinDeltaDelta(a, b, dst); err != nil {
				return nil, err
			}

		case OpReduce:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			trace, err := in.Registers.Trace(instr.RegB)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			if err := opReduce(src, trace, dst, instr.GroupCols, instr.AggFns); err != nil {
				return nil, err
			}

		case OpSeekTrace:
			trace, err := in.Registers.Trace(instr.RegA)
			if err != nil {
				return nil, err
			}
			keyReg, err := in.Registers.Delta(instr.RegB)
			if err != nil {
				return nil, err
			}
			if err := opSeekTrace(trace, keyReg); err != nil {
				return nil, err
			}

		case OpScanTrace:
			trace, err := in.Registers.Trace(instr.RegA)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			opScanTrace(trace, dst, instr.ChunkLimit)

		case OpDelay:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			dst, err := in.Registers.Delta(instr.RegOut)
			if err != nil {
				return nil, err
			}
			opDelay(src, dst)

		case OpIntegrate:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			target, err := in.Targets.Table(instr.TargetTableID)
			if err != nil {
				return nil, err
			}
			if err := opIntegrate(src, target); err != nil {
				return nil, err
			}

		case OpYield:
			src, err := in.Registers.Delta(instr.RegA)
			if err != nil {
				return nil, err
			}
			yielded = src.Batch
			in.LastYieldReason = instr.YieldReason

		case OpJump:
			pc = instr.JumpTarget
			continue

		default:
			return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("vm.Run: unhandled opcode %s at pc %d", instr.Opcode, pc)}
		}
		pc++
	}
	return yielded, nil
}
