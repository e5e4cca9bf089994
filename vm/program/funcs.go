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

	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/vm"
)

// FuncRegistry resolves the opaque numeric function ids a FILTER or MAP
// instruction carries into real predicate/map logic. Expression
// compilation (turning a SQL WHERE/SELECT clause into a function id) is
// explicitly out of scope (spec.md §1, "SQL parsing... out of scope"), so
// every id currently resolves to a pass-through stub -- a FILTER keeps
// every row and a MAP is the identity. A real expression compiler plugs
// in here without touching vm/program's compilation logic.
type FuncRegistry interface {
	Predicate(funcID uint64) vm.Predicate
	MapFunc(funcID uint64) vm.MapFunc
}

// DefaultFuncRegistry is the pass-through FuncRegistry every Cache uses
// unless given one explicitly.
type DefaultFuncRegistry struct{}

// Predicate always returns a predicate that keeps every row.
func (DefaultFuncRegistry) Predicate(uint64) vm.Predicate {
	return func(*row.PayloadRow) bool { return true }
}

// MapFunc always returns the identity map.
func (DefaultFuncRegistry) MapFunc(uint64) vm.MapFunc {
	return func(in *row.PayloadRow) (*row.PayloadRow, error) { return in, nil }
}

// parseAggSpec decodes a REDUCE instruction's extra column: a
// comma-separated list of "kind:colIdx" tokens (colIdx omitted for
// count, e.g. "count,sum_int:1,max_float:2"), naming one AggregateFunction
// per output column in order. A trailing ";group_cols:<i>,<i>,..." segment
// (parsed separately by parseGroupCols) is ignored here.
func parseAggSpec(extra string) ([]vm.AggregateFunction, error) {
	extra, _, _ = strings.Cut(extra, ";")
	if extra == "" {
		return nil, nil
	}
	parts := strings.Split(extra, ",")
	fns := make([]vm.AggregateFunction, 0, len(parts))
	for _, p := range parts {
		kind, colStr, hasCol := strings.Cut(p, ":")
		var col int
		if hasCol {
			v, err := strconv.Atoi(colStr)
			if err != nil {
				return nil, fmt.Errorf("vm/program: bad aggregate column index %q: %w", colStr, err)
			}
			col = v
		}
		switch kind {
		case "count":
			fns = append(fns, vm.NewCountAggregate())
		case "sum_int":
			fns = append(fns, vm.NewSumIntAggregate(col))
		case "sum_uint":
			fns = append(fns, vm.NewSumUintAggregate(col))
		case "sum_float":
			fns = append(fns, vm.NewSumFloatAggregate(col))
		case "min_int":
			fns = append(fns, vm.NewMinIntAggregate(col))
		case "max_int":
			fns = append(fns, vm.NewMaxIntAggregate(col))
		case "min_float":
			fns = append(fns, vm.NewMinFloatAggregate(col))
		case "max_float":
			fns = append(fns, vm.NewMaxFloatAggregate(col))
		default:
			return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("vm/program: unknown aggregate kind %q", kind)}
		}
	}
	return fns, nil
}
