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

package catalog

import (
	"fmt"
	"path/filepath"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/zset"
)

// defaultMemCapacity bounds each system table's MemTable before it must
// flush to a shard. System tables are small and long-lived, so a modest
// fixed budget is enough.
const defaultMemCapacity = 4 << 20

// Store holds the nine system tables that back GnitzDB's own catalog.
// It is opened once per data directory and referenced by every DDL
// operation the engine exposes.
type Store struct {
	Schemas       *table.PersistentTable
	Tables        *table.PersistentTable
	Views         *table.PersistentTable
	Columns       *table.PersistentTable
	Indices       *table.PersistentTable
	ViewDeps      *table.PersistentTable
	Sequences     *table.PersistentTable
	Instructions  *table.PersistentTable
	Subscriptions *table.PersistentTable
}

// Open opens (creating if absent) every system table under
// dataDir/system/, then seeds the catalog's bootstrap rows -- the system
// and public schemas, the nine system tables' own _tables rows, and the
// three sequence counters -- if they are not already present.
func Open(dataDir string, k0, k1 uint64) (*Store, error) {
	open := func(name, dirName string, schemaFn func() (*schema.Schema, error)) (*table.PersistentTable, error) {
		sc, err := schemaFn()
		if err != nil {
			return nil, fmt.Errorf("catalog.Open: %s: %w", name, err)
		}
		t, err := table.Open(filepath.Join(dataDir, "system", dirName), sc, defaultMemCapacity, k0, k1)
		if err != nil {
			return nil, fmt.Errorf("catalog.Open: %s: %w", name, err)
		}
		return t, nil
	}

	var st Store
	var err error
	if st.Schemas, err = open("_schemas", "schemas", SchemasSchema); err != nil {
		return nil, err
	}
	if st.Tables, err = open("_tables", "tables", TablesSchema); err != nil {
		return nil, err
	}
	if st.Views, err = open("_views", "views", ViewsSchema); err != nil {
		return nil, err
	}
	if st.Columns, err = open("_columns", "columns", ColumnsSchema); err != nil {
		return nil, err
	}
	if st.Indices, err = open("_indices", "indices", IndicesSchema); err != nil {
		return nil, err
	}
	if st.ViewDeps, err = open("_view_deps", "view_deps", ViewDepsSchema); err != nil {
		return nil, err
	}
	if st.Sequences, err = open("_sequences", "sequences", SequencesSchema); err != nil {
		return nil, err
	}
	if st.Instructions, err = open("_instructions", "instructions", InstructionsSchema); err != nil {
		return nil, err
	}
	if st.Subscriptions, err = open("_subscriptions", "subscriptions", SubscriptionsSchema); err != nil {
		return nil, err
	}

	if err := st.bootstrapRows(); err != nil {
		return nil, fmt.Errorf("catalog.Open: bootstrap: %w", err)
	}
	return &st, nil
}

// bootstrapRows ingests the fixed rows every fresh GnitzDB instance starts
// from: the system and public schemas, the nine system tables' own
// catalog entries, and the three sequence counters seeded past the IDs this
// bootstrap itself consumes. It checks for the system schema row first and
// does nothing if already present, so Open is idempotent across restarts.
func (s *Store) bootstrapRows() error {
	schemasSchema, err := SchemasSchema()
	if err != nil {
		return err
	}
	probe := row.New(schemasSchema)
	if err := probe.AppendString("system"); err != nil {
		return err
	}
	w, err := s.Schemas.GetWeight(gtype.FromU64(SystemSchemaID), probe)
	if err != nil {
		return err
	}
	if w > 0 {
		return nil
	}

	systemRow := row.New(schemasSchema)
	if err := systemRow.AppendString("system"); err != nil {
		return err
	}
	if err := ingestOne(s.Schemas, schemasSchema, SystemSchemaID, systemRow); err != nil {
		return err
	}
	publicRow := row.New(schemasSchema)
	if err := publicRow.AppendString("public"); err != nil {
		return err
	}
	if err := ingestOne(s.Schemas, schemasSchema, PublicSchemaID, publicRow); err != nil {
		return err
	}

	tablesSchema, err := TablesSchema()
	if err != nil {
		return err
	}
	sysTables := []struct {
		id   uint64
		name string
		dir  string
	}{
		{TableSchemas, "_schemas", "schemas"},
		{TableTables, "_tables", "tables"},
		{TableViews, "_views", "views"},
		{TableColumns, "_columns", "columns"},
		{TableIndices, "_indices", "indices"},
		{TableViewDeps, "_view_deps", "view_deps"},
		{TableSequences, "_sequences", "sequences"},
		{TableInstructions, "_instructions", "instructions"},
		{TableSubscriptions, "_subscriptions", "subscriptions"},
	}
	for _, def := range sysTables {
		r := row.New(tablesSchema)
		if err := r.AppendInt(int64(SystemSchemaID)); err != nil {
			return err
		}
		if err := r.AppendString(def.name); err != nil {
			return err
		}
		if err := r.AppendString(filepath.Join("system", def.dir)); err != nil {
			return err
		}
		if err := r.AppendInt(0); err != nil {
			return err
		}
		if err := r.AppendInt(0); err != nil {
			return err
		}
		if err := ingestOne(s.Tables, tablesSchema, def.id, r); err != nil {
			return err
		}
	}

	seqSchema, err := SequencesSchema()
	if err != nil {
		return err
	}
	seeds := []struct {
		id   uint64
		next uint64
	}{
		{SeqIDSchemas, FirstUserSchemaID},
		{SeqIDTables, FirstUserTableID},
		{SeqIDSubscriptions, FirstSubscriptionID},
	}
	for _, sd := range seeds {
		r := row.New(seqSchema)
		if err := r.AppendInt(int64(sd.next)); err != nil {
			return err
		}
		if err := ingestOne(s.Sequences, seqSchema, sd.id, r); err != nil {
			return err
		}
	}
	return nil
}

func ingestOne(t *table.PersistentTable, sc *schema.Schema, pk uint64, r *row.PayloadRow) error {
	b := zset.New(sc)
	b.Append(gtype.FromU64(pk), 1, r)
	return t.IngestBatch(b)
}

// Close releases every system table's WAL handle.
func (s *Store) Close() error {
	var first error
	for _, t := range []*table.PersistentTable{
		s.Schemas, s.Tables, s.Views, s.Columns, s.Indices,
		s.ViewDeps, s.Sequences, s.Instructions, s.Subscriptions,
	} {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
