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
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/zset"
)

// opFilter implements FILTER: Out = { (k, v, w) | (k, v, w) in In, pred(v) }.
func opFilter(in, out *DeltaRegister, pred Predicate) {
	out.Clear()
	for _, e := range in.Batch.Entries {
		if pred(e.Row) {
			out.Batch.Append(e.PK, e.Weight, e.Row)
		}
	}
}

// opMap implements MAP: Out = { (k, fn(v), w) | (k, v, w) in In }. The key
// and weight are preserved; only the payload changes.
func opMap(in, out *DeltaRegister, fn MapFunc) error {
	out.Clear()
	for _, e := range in.Batch.Entries {
		newRow, err := fn(e.Row)
		if err != nil {
			return err
		}
		out.Batch.Append(e.PK, e.Weight, newRow)
	}
	return nil
}

// opNegate implements NEGATE: Out = { (k, v, -w) | (k, v, w) in In }.
func opNegate(in, out *DeltaRegister) {
	out.Clear()
	for _, e := range in.Batch.Entries {
		out.Batch.Append(e.PK, -e.Weight, e.Row)
	}
}

// opUnion implements UNION: Out = InA ++ InB. Consolidation is deferred to
// whatever operator next sorts the output (or to Flush/FlushToShard).
func opUnion(a, b, out *DeltaRegister) {
	out.Clear()
	for _, e := range a.Batch.Entries {
		out.Batch.Append(e.PK, e.Weight, e.Row)
	}
	for _, e := range b.Batch.Entries {
		out.Batch.Append(e.PK, e.Weight, e.Row)
	}
}

// opDistinct implements DISTINCT: consolidates the input and clamps every
// surviving positive weight to 1, enforcing set semantics on a multiset
// delta stream. Rows whose consolidated weight is zero or negative are
// dropped -- a retraction of something DISTINCT never emitted is a no-op.
func opDistinct(in, out *DeltaRegister) {
	in.Batch.Sort()
	in.Batch.Consolidate()
	out.Clear()
	for _, e := range in.Batch.Entries {
		if e.Weight > 0 {
			out.Batch.Append(e.PK, 1, e.Row)
		}
	}
}

// opJoinDeltaTrace implements JOIN_DELTA_TRACE: an index-nested-loop join
// of a delta batch against a trace, keyed by primary key. Output weight is
// the algebraic product of the two sides' weights; output payload is the
// delta's columns followed by the trace's columns, per row.Concat.
func opJoinDeltaTrace(delta *DeltaRegister, trace *TraceRegister, out *DeltaRegister) error {
	out.Clear()
	delta.Batch.Sort()
	for _, e := range delta.Batch.Entries {
		if e.Weight == 0 {
			continue
		}
		matches, err := trace.Source.LookupPK(e.PK)
		if err != nil {
			return err
		}
		for _, m := range matches {
			finalWeight := e.Weight * m.Weight
			if finalWeight == 0 {
				continue
			}
			joined, err := row.Concat(e.Row, m.Row, out.Schema)
			if err != nil {
				return err
			}
			out.Batch.Append(e.PK, finalWeight, joined)
		}
	}
	return nil
}

// opJoinDeltaDelta implements JOIN_DELTA_DELTA: a sort-merge join of two
// in-memory delta batches, keyed by primary key. Within a matching key,
// every row of A's run is paired with every row of B's run (the DBSP
// bilinear join's cross product).
func opJoinDeltaDelta(a, b, out *DeltaRegister) error {
	out.Clear()
	a.Batch.Sort()
	b.Batch.Sort()

	ea, eb := a.Batch.Entries, b.Batch.Entries
	i, j := 0, 0
	for i < len(ea) && j < len(eb) {
		c := ea[i].PK.Compare(eb[j].PK)
		switch {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			matchKey := ea[i].PK
			startA := i
			for i < len(ea) && ea[i].PK.Compare(matchKey) == 0 {
				i++
			}
			endA := i
			startB := j
			for j < len(eb) && eb[j].PK.Compare(matchKey) == 0 {
				j++
			}
			endB := j
			for x := startA; x < endA; x++ {
				if ea[x].Weight == 0 {
					continue
				}
				for y := startB; y < endB; y++ {
					finalWeight := ea[x].Weight * eb[y].Weight
					if finalWeight == 0 {
						continue
					}
					joined, err := row.Concat(ea[x].Row, eb[y].Row, out.Schema)
					if err != nil {
						return err
					}
					out.Batch.Append(matchKey, finalWeight, joined)
				}
			}
		}
	}
	return nil
}

// opDelay implements DELAY (z^-1): after this step it copies in's current
// contents into out, so that the NEXT interpreter step sees this step's
// value of in as its value of out. The interpreter is responsible for
// calling opDelay after every other operator in the step has run, and for
// not clearing out via CLEAR_DELTAS's normal sweep (DELAY registers are
// cleared explicitly by the caller before the copy, not implicitly).
func opDelay(in, out *DeltaRegister) {
	out.Batch.Clear()
	out.Batch.Extend(in.Batch)
}

// opSeekTrace implements SEEK_TRACE: positions trace on every live match at
// the primary key of keyReg's first entry, ready for a following SCAN_TRACE
// to drain. A keyReg with no entries positions trace on an empty match set.
func opSeekTrace(trace *TraceRegister, keyReg *DeltaRegister) error {
	trace.pending = nil
	trace.cursorPos = 0
	if keyReg.Batch.Len() == 0 {
		return nil
	}
	pk := keyReg.Batch.Entries[0].PK
	matches, err := trace.Source.LookupPK(pk)
	if err != nil {
		return err
	}
	trace.pending = matches
	trace.pendingPK = pk
	return nil
}

// opScanTrace implements SCAN_TRACE: appends up to limit (0 means
// unlimited) of trace's pending matches to out, advancing the register's
// cursor so a later SCAN_TRACE on the same trace resumes where this call
// left off. Returns the number of rows appended; the interpreter does not
// consult it, and a plan suspends only at an explicit YIELD instruction.
func opScanTrace(trace *TraceRegister, out *DeltaRegister, limit int) int {
	out.Clear()
	n := 0
	for trace.cursorPos < len(trace.pending) {
		if limit > 0 && n >= limit {
			break
		}
		m := trace.pending[trace.cursorPos]
		out.Batch.Append(trace.pendingPK, m.Weight, m.Row)
		trace.cursorPos++
		n++
	}
	return n
}

// IntegrateTarget is the write side of a table an INTEGRATE instruction
// commits a delta batch into. storage/table.PersistentTable and
// storage/table.EphemeralTable both satisfy it.
type IntegrateTarget interface {
	IngestBatch(b *zset.Batch) error
}

// opIntegrate implements INTEGRATE: commits in's delta batch into target,
// which handles WAL logging and MemTable application.
func opIntegrate(in *DeltaRegister, target IntegrateTarget) error {
	return target.IngestBatch(in.Batch)
}

// GroupTraceHashK0/K1 seed the siphash REDUCE uses to turn a row's
// group_cols values into a lookup key (row.PayloadRow.GroupKey). The
// group trace they key is a process-local table.EphemeralTable rebuilt
// fresh on every restart, so unlike storage/table's persisted MemTable
// hash keys there is no need for these to survive one.
const GroupTraceHashK0, GroupTraceHashK1 uint64 = 0x9e3779b97f4a7c15, 0xbf58476d1ce4e5b9

// GroupTrace is the surface a REDUCE instruction's trace register needs
// from its backing table: LookupPK to read a group's current full
// membership back (trace_in's read side) and IngestBatch to persist this
// tick's group-key-tagged delta into it (trace_in's write side).
// storage/table.EphemeralTable satisfies both.
type GroupTrace interface {
	TraceSource
	IntegrateTarget
}

// opReduce implements REDUCE: groups in by groupCols (primary key when
// groupCols is empty), folds this tick's delta into trace under its
// group keys, and for every group the delta touches recomputes aggFns
// from trace's current full live membership rather than adjusting a
// running total. That full rescan is what keeps non-linear aggregates
// like MIN/MAX correct across a retraction: a monotonic running extremum
// can only ever move one way, but a group's true minimum can rise once
// the row that set it is retracted.
//
// trace doubles as trace_out: GroupOutput/SetGroupOutput/ClearGroupOutput
// record the row most recently emitted for each group, so a change in a
// group's aggregate is emitted as a balanced (old row, -1) then
// (new row, +1) pair rather than leaving the stale result live downstream.
// A group whose recomputed result is byte-identical to what was already
// emitted produces no output at all.
func opReduce(in *DeltaRegister, trace *TraceRegister, out *DeltaRegister, groupCols []int, aggFns []AggregateFunction) error {
	out.Clear()
	if in.Batch.Len() == 0 {
		return nil
	}
	backing, ok := trace.Source.(GroupTrace)
	if !ok {
		return &gnitzerr.LayoutError{Msg: "vm: REDUCE trace register's source does not support group ingestion"}
	}

	groupKeyOf := func(pk gtype.U128, r *row.PayloadRow) gtype.U128 {
		if len(groupCols) == 0 {
			return pk
		}
		return r.GroupKey(groupCols, GroupTraceHashK0, GroupTraceHashK1)
	}

	tagged := zset.New(trace.Schema)
	touched := make([]gtype.U128, 0, in.Batch.Len())
	seen := make(map[gtype.U128]bool, in.Batch.Len())
	for _, e := range in.Batch.Entries {
		gk := groupKeyOf(e.PK, e.Row)
		tagged.Append(gk, e.Weight, e.Row)
		if !seen[gk] {
			seen[gk] = true
			touched = append(touched, gk)
		}
	}
	if err := backing.IngestBatch(tagged); err != nil {
		return err
	}

	for _, gk := range touched {
		matches, err := backing.LookupPK(gk)
		if err != nil {
			return err
		}

		prevRow, hadPrev := trace.GroupOutput(gk)

		if len(matches) == 0 {
			if hadPrev {
				out.Batch.Append(gk, -1, prevRow)
				trace.ClearGroupOutput(gk)
			}
			continue
		}

		for _, fn := range aggFns {
			fn.Reset()
		}
		for _, m := range matches {
			for _, fn := range aggFns {
				fn.Step(m.Row, m.Weight)
			}
		}
		newRow := row.New(out.Schema)
		for _, fn := range aggFns {
			if err := fn.Emit(newRow); err != nil {
				return err
			}
		}

		if hadPrev && string(prevRow.ContentKey()) == string(newRow.ContentKey()) {
			continue
		}
		if hadPrev {
			out.Batch.Append(gk, -1, prevRow)
		}
		out.Batch.Append(gk, 1, newRow)
		trace.SetGroupOutput(gk, newRow)
	}
	return nil
}
