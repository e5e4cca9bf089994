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
	"math"

	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/zset"
)

// AggregateFunction is one column of a REDUCE group: it resets at the
// start of each group, folds in every record of the group via Step (with
// that record's algebraic Z-set weight, which may be negative), and
// appends its result to the group's output row exactly once via Emit.
type AggregateFunction interface {
	Reset()
	Step(r *row.PayloadRow, weight int64)
	Emit(out *row.PayloadRow) error
}

// CountAggregate implements COUNT(*): the sum of weights over the group.
type CountAggregate struct{ acc int64 }

func NewCountAggregate() *CountAggregate { return &CountAggregate{} }

func (a *CountAggregate) Reset()                             { a.acc = 0 }
func (a *CountAggregate) Step(r *row.PayloadRow, weight int64) { a.acc += weight }
func (a *CountAggregate) Emit(out *row.PayloadRow) error     { return out.AppendInt(a.acc) }

// SumIntAggregate implements SUM(col) for a signed integer column.
type SumIntAggregate struct {
	colIdx int
	acc    int64
}

func NewSumIntAggregate(colIdx int) *SumIntAggregate { return &SumIntAggregate{colIdx: colIdx} }

func (a *SumIntAggregate) Reset() { a.acc = 0 }
func (a *SumIntAggregate) Step(r *row.PayloadRow, weight int64) {
	a.acc += r.GetIntSigned(a.colIdx) * weight
}
func (a *SumIntAggregate) Emit(out *row.PayloadRow) error { return out.AppendInt(a.acc) }

// SumUintAggregate implements SUM(col) for an unsigned integer column,
// accumulating in uint64 and reinterpreting the bit pattern as signed on
// emission (lossless, matching PayloadRow.AppendInt's storage contract).
type SumUintAggregate struct {
	colIdx int
	acc    uint64
}

func NewSumUintAggregate(colIdx int) *SumUintAggregate { return &SumUintAggregate{colIdx: colIdx} }

func (a *SumUintAggregate) Reset() { a.acc = 0 }
func (a *SumUintAggregate) Step(r *row.PayloadRow, weight int64) {
	val := r.GetIntUnsigned(a.colIdx)
	if weight >= 0 {
		a.acc += val * uint64(weight)
	} else {
		a.acc -= val * uint64(-weight)
	}
}
func (a *SumUintAggregate) Emit(out *row.PayloadRow) error { return out.AppendInt(int64(a.acc)) }

// SumFloatAggregate implements SUM(col) for a floating-point column.
type SumFloatAggregate struct {
	colIdx int
	acc    float64
}

func NewSumFloatAggregate(colIdx int) *SumFloatAggregate { return &SumFloatAggregate{colIdx: colIdx} }

func (a *SumFloatAggregate) Reset() { a.acc = 0 }
func (a *SumFloatAggregate) Step(r *row.PayloadRow, weight int64) {
	a.acc += r.GetFloat(a.colIdx) * float64(weight)
}
func (a *SumFloatAggregate) Emit(out *row.PayloadRow) error { return out.AppendFloat(a.acc) }

// MinIntAggregate implements MIN(col) over a signed integer column.
// Only insertions (weight > 0) can lower the running minimum -- DBSP's
// standard treatment of non-linear aggregates under pure-insertion input.
type MinIntAggregate struct {
	colIdx int
	acc    int64
}

func NewMinIntAggregate(colIdx int) *MinIntAggregate {
	return &MinIntAggregate{colIdx: colIdx, acc: math.MaxInt64}
}

func (a *MinIntAggregate) Reset() { a.acc = math.MaxInt64 }
func (a *MinIntAggregate) Step(r *row.PayloadRow, weight int64) {
	if weight > 0 {
		if v := r.GetIntSigned(a.colIdx); v < a.acc {
			a.acc = v
		}
	}
}
func (a *MinIntAggregate) Emit(out *row.PayloadRow) error { return out.AppendInt(a.acc) }

// MaxIntAggregate implements MAX(col) over a signed integer column.
type MaxIntAggregate struct {
	colIdx int
	acc    int64
}

func NewMaxIntAggregate(colIdx int) *MaxIntAggregate {
	return &MaxIntAggregate{colIdx: colIdx, acc: math.MinInt64}
}

func (a *MaxIntAggregate) Reset() { a.acc = math.MinInt64 }
func (a *MaxIntAggregate) Step(r *row.PayloadRow, weight int64) {
	if weight > 0 {
		if v := r.GetIntSigned(a.colIdx); v > a.acc {
			a.acc = v
		}
	}
}
func (a *MaxIntAggregate) Emit(out *row.PayloadRow) error { return out.AppendInt(a.acc) }

// MinFloatAggregate implements MIN(col) over a floating-point column.
type MinFloatAggregate struct {
	colIdx int
	acc    float64
}

func NewMinFloatAggregate(colIdx int) *MinFloatAggregate {
	return &MinFloatAggregate{colIdx: colIdx, acc: math.Inf(1)}
}

func (a *MinFloatAggregate) Reset() { a.acc = math.Inf(1) }
func (a *MinFloatAggregate) Step(r *row.PayloadRow, weight int64) {
	if weight > 0 {
		if v := r.GetFloat(a.colIdx); v < a.acc {
			a.acc = v
		}
	}
}
func (a *MinFloatAggregate) Emit(out *row.PayloadRow) error { return out.AppendFloat(a.acc) }

// MaxFloatAggregate implements MAX(col) over a floating-point column.
type MaxFloatAggregate struct {
	colIdx int
	acc    float64
}

func NewMaxFloatAggregate(colIdx int) *MaxFloatAggregate {
	return &MaxFloatAggregate{colIdx: colIdx, acc: math.Inf(-1)}
}

func (a *MaxFloatAggregate) Reset() { a.acc = math.Inf(-1) }
func (a *MaxFloatAggregate) Step(r *row.PayloadRow, weight int64) {
	if weight > 0 {
		if v := r.GetFloat(a.colIdx); v > a.acc {
			a.acc = v
		}
	}
}
func (a *MaxFloatAggregate) Emit(out *row.PayloadRow) error { return out.AppendFloat(a.acc) }

// ReduceGroups implements the REDUCE operator: in must already be sorted
// by primary key. It groups consecutive equal keys, resets/steps/emits
// aggFns per group, and appends one +1-weighted output row per distinct
// key to a fresh batch over outputSchema.
func ReduceGroups(in *zset.Batch, outputSchema *schema.Schema, aggFns []AggregateFunction) (*zset.Batch, error) {
	out := zset.New(outputSchema)
	if in.Len() == 0 {
		return out, nil
	}

	for _, fn := range aggFns {
		fn.Reset()
	}
	curPK := in.Entries[0].PK

	for i, e := range in.Entries {
		if i > 0 && e.PK.Compare(curPK) != 0 {
			outRow := row.New(outputSchema)
			for _, fn := range aggFns {
				if err := fn.Emit(outRow); err != nil {
					return nil, err
				}
			}
			out.Append(curPK, 1, outRow)
			curPK = e.PK
			for _, fn := range aggFns {
				fn.Reset()
			}
		}
		for _, fn := range aggFns {
			fn.Step(e.Row, e.Weight)
		}
	}

	outRow := row.New(outputSchema)
	for _, fn := range aggFns {
		if err := fn.Emit(outRow); err != nil {
			return nil, err
		}
	}
	out.Append(curPK, 1, outRow)

	return out, nil
}
