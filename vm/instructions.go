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

// Package vm implements the DBSP virtual machine: a stack-less, register
// based interpreter that runs a linear instruction stream over delta and
// trace registers to compute incremental view updates (spec.md §5).
package vm

// Opcode identifies one DBSP instruction. Values are stable across
// process restarts: they are persisted verbatim in the _instructions
// system table (catalog.InstructionsSchema) as a compiled program.
type Opcode uint64

const (
	OpHalt Opcode = iota
	OpFilter
	OpMap
	OpNegate
	OpUnion
	OpJoinDeltaTrace
	OpJoinDeltaDelta
	OpIntegrate
	OpDelay
	OpReduce
	OpDistinct
	OpScanTrace
	OpSeekTrace
	OpYield
	OpJump
	OpClearDeltas
)

func (op Opcode) String() string {
	switch op {
	case OpHalt:
		return "HALT"
	case OpFilter:
		return "FILTER"
	case OpMap:
		return "MAP"
	case OpNegate:
		return "NEGATE"
	case OpUnion:
		return "UNION"
	case OpJoinDeltaTrace:
		return "JOIN_DELTA_TRACE"
	case OpJoinDeltaDelta:
		return "JOIN_DELTA_DELTA"
	case OpIntegrate:
		return "INTEGRATE"
	case OpDelay:
		return "DELAY"
	case OpReduce:
		return "REDUCE"
	case OpDistinct:
		return "DISTINCT"
	case OpScanTrace:
		return "SCAN_TRACE"
	case OpSeekTrace:
		return "SEEK_TRACE"
	case OpYield:
		return "YIELD"
	case OpJump:
		return "JUMP"
	case OpClearDeltas:
		return "CLEAR_DELTAS"
	default:
		return "UNKNOWN"
	}
}

// Instruction is one step of a compiled DBSP program. Not every field is
// meaningful for every opcode; Func/AggFns/Target carry the operator's
// closures or side tables, and RegA/RegB/RegC/RegOut name the registers
// an opcode reads and writes. See the per-opcode doc comments on the
// op* functions in ops.go for which fields each one consults.
type Instruction struct {
	Opcode Opcode

	RegA   int
	RegB   int
	RegC   int
	RegOut int

	Func    Predicate
	MapFunc MapFunc
	AggFns  []AggregateFunction

	// GroupCols names the physical payload column indices a REDUCE
	// instruction groups by (spec.md §4.12's group_cols); empty means
	// group by primary key, REDUCE's original behavior.
	GroupCols []int

	OutputSchemaID int
	TargetTableID  uint64
	JumpTarget     int
	ChunkLimit     int
	YieldReason    uint64
}

// Filter returns a FILTER instruction: Out = { r in In | pred(r) }.
func Filter(regIn, regOut int, pred Predicate) Instruction {
	return Instruction{Opcode: OpFilter, RegA: regIn, RegOut: regOut, Func: pred}
}

// Map returns a MAP instruction: Out = { (k, fn(v), w) | (k, v, w) in In }.
func Map(regIn, regOut int, fn MapFunc) Instruction {
	return Instruction{Opcode: OpMap, RegA: regIn, RegOut: regOut, MapFunc: fn}
}

// Negate returns a NEGATE instruction: Out = { (k, v, -w) | (k, v, w) in In }.
func Negate(regIn, regOut int) Instruction {
	return Instruction{Opcode: OpNegate, RegA: regIn, RegOut: regOut}
}

// Union returns a UNION instruction: Out = InA ++ InB (consolidation deferred).
func Union(regInA, regInB, regOut int) Instruction {
	return Instruction{Opcode: OpUnion, RegA: regInA, RegB: regInB, RegOut: regOut}
}

// Distinct returns a DISTINCT instruction, which consolidates and clamps
// every positive net weight to 1.
func Distinct(regIn, regOut int) Instruction {
	return Instruction{Opcode: OpDistinct, RegA: regIn, RegOut: regOut}
}

// JoinDeltaTrace returns a JOIN_DELTA_TRACE instruction (index-nested-loop
// join of a delta batch against a trace register, keyed by PK).
func JoinDeltaTrace(regDelta, regTrace, regOut int) Instruction {
	return Instruction{Opcode: OpJoinDeltaTrace, RegA: regDelta, RegB: regTrace, RegOut: regOut}
}

// JoinDeltaDelta returns a JOIN_DELTA_DELTA instruction (sort-merge join
// of two delta batches, keyed by PK).
func JoinDeltaDelta(regA, regB, regOut int) Instruction {
	return Instruction{Opcode: OpJoinDeltaDelta, RegA: regA, RegB: regB, RegOut: regOut}
}

// Reduce returns a REDUCE instruction: groups regIn by groupCols (primary
// key if empty), consults regTrace's persisted group-membership state
// (trace_in) so non-linear aggregates like MIN/MAX stay correct across a
// retraction, applies aggFns to each affected group, and writes a
// balanced retract-old/insert-new delta for every group whose result
// changed to regOut. regTrace also carries trace_out: the last emitted
// result per group, used to build that retraction.
func Reduce(regIn, regTrace, regOut int, groupCols []int, aggFns []AggregateFunction) Instruction {
	return Instruction{Opcode: OpReduce, RegA: regIn, RegB: regTrace, RegOut: regOut, GroupCols: groupCols, AggFns: aggFns}
}

// Delay returns a DELAY instruction (z^-1: the previous step's output of
// regIn, exposed as this step's value of regOut).
func Delay(regIn, regOut int) Instruction {
	return Instruction{Opcode: OpDelay, RegA: regIn, RegOut: regOut}
}

// Integrate returns an INTEGRATE instruction, which commits regIn's
// contents into the persistent table tableID owns.
func Integrate(regIn int, tableID uint64) Instruction {
	return Instruction{Opcode: OpIntegrate, RegA: regIn, TargetTableID: tableID}
}

// SeekTrace returns a SEEK_TRACE instruction, positioning regTrace on every
// match at the primary key found in regKey's first entry.
func SeekTrace(regTrace, regKey int) Instruction {
	return Instruction{Opcode: OpSeekTrace, RegA: regTrace, RegB: regKey}
}

// ScanTrace returns a SCAN_TRACE instruction, draining up to chunkLimit
// (0 means unlimited) of regTrace's pending matches -- set by a prior
// SEEK_TRACE -- into regOut.
func ScanTrace(regTrace, regOut, chunkLimit int) Instruction {
	return Instruction{Opcode: OpScanTrace, RegA: regTrace, RegOut: regOut, ChunkLimit: chunkLimit}
}

// Halt returns a HALT instruction, which stops the interpreter immediately.
func Halt() Instruction { return Instruction{Opcode: OpHalt} }

// Jump returns a JUMP instruction, unconditionally setting pc to target.
func Jump(target int) Instruction { return Instruction{Opcode: OpJump, JumpTarget: target} }

// Yield returns a YIELD instruction publishing regIn as a program output
// with reason NONE; Run keeps executing and returns the last YIELD
// register's contents once it reaches HALT.
func Yield(regIn int) Instruction { return YieldReason(regIn, 0) }

// YieldReason returns a YIELD instruction tagged with one of the
// YIELD_REASON_* codes from spec.md §6 (NONE, BUFFER_FULL, ROW_LIMIT,
// USER), so a caller inspecting Interpreter.LastYieldReason after Run can
// tell why the program stopped producing rows -- a SCAN_TRACE chunk
// limit, a LIMIT clause, or an explicit user-level yield.
func YieldReason(regIn int, reason uint64) Instruction {
	return Instruction{Opcode: OpYield, RegA: regIn, YieldReason: reason}
}

// ClearDeltas returns a CLEAR_DELTAS instruction, which empties every
// DeltaRegister in the register file -- emitted at the top of each
// program to implement the interpreter's per-step delta-clearing
// contract without special-casing it in Run.
func ClearDeltas() Instruction { return Instruction{Opcode: OpClearDeltas} }
