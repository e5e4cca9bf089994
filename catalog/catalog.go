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

// Package catalog defines the nine system Z-sets GnitzDB uses to
// represent its own DDL as data: schemas, tables, columns, indices,
// views, view dependencies, sequences, compiled VM instructions, and
// live subscriptions. Every CREATE/DROP the engine exposes is itself an
// ingestion into one of these tables -- there is no separate DDL
// execution path (spec.md §7).
package catalog

import (
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
)

// Hardcoded identifiers, matching the bootstrap layout every GnitzDB
// instance starts from.
const (
	SystemSchemaID    uint64 = 1
	PublicSchemaID    uint64 = 2
	FirstUserSchemaID uint64 = 3

	TableSchemas       uint64 = 1
	TableTables        uint64 = 2
	TableViews         uint64 = 3
	TableColumns       uint64 = 4
	TableIndices       uint64 = 5
	TableViewDeps      uint64 = 6
	TableSequences     uint64 = 7
	TableInstructions  uint64 = 8
	TableSubscriptions uint64 = 9
	FirstUserTableID   uint64 = 10

	SeqIDSchemas       uint64 = 1
	SeqIDTables        uint64 = 2
	SeqIDSubscriptions uint64 = 3

	FirstSubscriptionID uint64 = 1

	OwnerKindTable uint64 = 0
	OwnerKindView  uint64 = 1
)

// SchemasSchema describes the _schemas system table: (schema_id, name).
func SchemasSchema() (*schema.Schema, error) {
	return schema.New(TableSchemas, "_schemas", []schema.Column{
		{Name: "schema_id", Type: gtype.U64},
		{Name: "name", Type: gtype.String},
	}, 0)
}

// TablesSchema describes the _tables system table.
func TablesSchema() (*schema.Schema, error) {
	return schema.New(TableTables, "_tables", []schema.Column{
		{Name: "table_id", Type: gtype.U64},
		{Name: "schema_id", Type: gtype.U64},
		{Name: "name", Type: gtype.String},
		{Name: "directory", Type: gtype.String},
		{Name: "pk_col_idx", Type: gtype.U64},
		{Name: "created_lsn", Type: gtype.U64},
	}, 0)
}

// ViewsSchema describes the _views system table.
func ViewsSchema() (*schema.Schema, error) {
	return schema.New(TableViews, "_views", []schema.Column{
		{Name: "view_id", Type: gtype.U64},
		{Name: "schema_id", Type: gtype.U64},
		{Name: "name", Type: gtype.String},
		{Name: "sql_definition", Type: gtype.String},
		{Name: "cache_directory", Type: gtype.String},
		{Name: "created_lsn", Type: gtype.U64},
	}, 0)
}

// ColumnsSchema describes the _columns system table: one row per column
// of any user table or view.
func ColumnsSchema() (*schema.Schema, error) {
	return schema.New(TableColumns, "_columns", []schema.Column{
		{Name: "column_id", Type: gtype.U64},
		{Name: "owner_id", Type: gtype.U64},
		{Name: "owner_kind", Type: gtype.U64},
		{Name: "col_idx", Type: gtype.U64},
		{Name: "name", Type: gtype.String},
		{Name: "type_code", Type: gtype.U64},
		{Name: "is_nullable", Type: gtype.U64},
		{Name: "fk_table_id", Type: gtype.U64},
		{Name: "fk_col_idx", Type: gtype.U64},
	}, 0)
}

// IndicesSchema describes the _indices system table.
func IndicesSchema() (*schema.Schema, error) {
	return schema.New(TableIndices, "_indices", []schema.Column{
		{Name: "index_id", Type: gtype.U64},
		{Name: "owner_id", Type: gtype.U64},
		{Name: "owner_kind", Type: gtype.U64},
		{Name: "source_col_idx", Type: gtype.U64},
		{Name: "name", Type: gtype.String},
		{Name: "is_unique", Type: gtype.U64},
		{Name: "cache_directory", Type: gtype.String},
	}, 0)
}

// ViewDepsSchema describes the _view_deps system table: the dependency
// graph edges the reactive executor's cascade walks.
func ViewDepsSchema() (*schema.Schema, error) {
	return schema.New(TableViewDeps, "_view_deps", []schema.Column{
		{Name: "dep_id", Type: gtype.U64},
		{Name: "view_id", Type: gtype.U64},
		{Name: "dep_view_id", Type: gtype.U64},
		{Name: "dep_table_id", Type: gtype.U64},
	}, 0)
}

// SequencesSchema describes the _sequences system table backing internal
// ID allocators.
func SequencesSchema() (*schema.Schema, error) {
	return schema.New(TableSequences, "_sequences", []schema.Column{
		{Name: "seq_id", Type: gtype.U64},
		{Name: "next_val", Type: gtype.U64},
	}, 0)
}

// InstructionsSchema describes the _instructions system table: one row
// per compiled DBSP instruction of a view's program, in program order.
// operand_a/b/c/d carry the opcode's register numbers, table id, or
// numeric literal (jump target, yield reason) depending on opcode; extra
// carries the variable-width text that doesn't fit a fixed u64 slot
// (REDUCE's aggregate spec with its optional group_cols list, a
// FILTER/MAP function id, SCAN_TRACE's chunk limit). vm/program documents
// the per-opcode field mapping.
func InstructionsSchema() (*schema.Schema, error) {
	return schema.New(TableInstructions, "_instructions", []schema.Column{
		{Name: "instruction_id", Type: gtype.U64},
		{Name: "program_id", Type: gtype.U64},
		{Name: "seq", Type: gtype.U64},
		{Name: "opcode", Type: gtype.U64},
		{Name: "operand_a", Type: gtype.U64},
		{Name: "operand_b", Type: gtype.U64},
		{Name: "operand_c", Type: gtype.U64},
		{Name: "operand_d", Type: gtype.U64},
		{Name: "extra", Type: gtype.String},
	}, 0)
}

// SubscriptionsSchema describes the _subscriptions system table: one row
// per live client subscription to a view, used by the reactive executor
// to target cascade output.
func SubscriptionsSchema() (*schema.Schema, error) {
	return schema.New(TableSubscriptions, "_subscriptions", []schema.Column{
		{Name: "subscription_id", Type: gtype.U64},
		{Name: "view_id", Type: gtype.U64},
		{Name: "client_id", Type: gtype.U64},
		{Name: "created_lsn", Type: gtype.U64},
	}, 0)
}

// PackColumnID packs an owner id and column index into the _columns
// table's u64 primary key, as (owner_id << 9) | col_idx -- matching the
// bootstrap layout's fixed 9-bit column-index field.
func PackColumnID(ownerID uint64, colIdx uint64) uint64 {
	return (ownerID << 9) | (colIdx & 0x1ff)
}

// InstructionRow is the decoded form of one _instructions row. Every
// opcode uses a fixed subset of the four operand slots; the rest are
// zero and ignored by the interpreter -- see vm/program for the
// per-opcode field mapping.
type InstructionRow struct {
	InstructionID uint64
	ProgramID     uint64
	Seq           uint64
	Opcode        uint64
	OperandA      uint64
	OperandB      uint64
	OperandC      uint64
	OperandD      uint64
	Extra         string
}

// DecodeInstructionRow reads an InstructionRow out of a PayloadRow built
// against InstructionsSchema.
func DecodeInstructionRow(instructionID uint64, r *row.PayloadRow) InstructionRow {
	return InstructionRow{
		InstructionID: instructionID,
		ProgramID:     r.GetIntUnsigned(1),
		Seq:           r.GetIntUnsigned(2),
		Opcode:        r.GetIntUnsigned(3),
		OperandA:      r.GetIntUnsigned(4),
		OperandB:      r.GetIntUnsigned(5),
		OperandC:      r.GetIntUnsigned(6),
		OperandD:      r.GetIntUnsigned(7),
		Extra:         r.GetOwnStr(8),
	}
}

// EncodeInstructionRow packs ir into a fresh PayloadRow against s (which
// must be InstructionsSchema()).
func EncodeInstructionRow(s *schema.Schema, ir InstructionRow) (*row.PayloadRow, error) {
	r := row.New(s)
	for _, v := range []uint64{ir.ProgramID, ir.Seq, ir.Opcode, ir.OperandA, ir.OperandB, ir.OperandC, ir.OperandD} {
		if err := r.AppendInt(int64(v)); err != nil {
			return nil, err
		}
	}
	if err := r.AppendString(ir.Extra); err != nil {
		return nil, err
	}
	return r, nil
}
