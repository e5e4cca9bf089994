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

// Package program compiles rows of the _instructions system table into
// ready-to-run vm.Instruction streams and pre-wired vm.RegisterFiles,
// caching the result per view id so a reactive view's program is compiled
// once and replayed on every incoming delta (spec.md §4.14).
package program

import (
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/vm"
)

// Registry resolves the table/view ids an instruction stream refers to
// into live handles. engine.Engine implements this over its open tables
// and materialized views; catalog alone only knows about the nine system
// tables, not user tables, so the engine is the natural home for a real
// implementation.
type Registry interface {
	// HasID reports whether id names a table or view the registry can
	// currently resolve.
	HasID(id uint64) bool
	// SchemaByID returns the schema of the table or view named by id.
	SchemaByID(id uint64) (*schema.Schema, error)
	// TraceSourceByID returns the point-lookup side of the table or view
	// named by id, for JOIN_DELTA_TRACE/SCAN_TRACE/SEEK_TRACE registers
	// bound to it.
	TraceSourceByID(id uint64) (vm.TraceSource, error)
	// IntegrateTargetByID returns the write side of the table named by
	// id, for an INTEGRATE instruction's target.
	IntegrateTargetByID(id uint64) (vm.IntegrateTarget, error)
}
