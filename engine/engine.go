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

// Package engine wires every layer -- the catalog's system tables, every
// open user table and materialized view, the compiled-program cache, and
// the reactive executor -- into one embeddable database handle. It is the
// only package that knows how to turn a row in _tables or _views into a
// live schema.Schema and an open storage/table.PersistentTable, which is
// why vm/program.Registry, vm.IntegrateTargets, and ipc.SchemaResolver are
// all implemented here rather than in catalog: catalog alone only knows
// about its own nine system tables, never a user's.
package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/gnitzdb/gnitz/catalog"
	"github.com/gnitzdb/gnitz/exec"
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/vm"
	"github.com/gnitzdb/gnitz/vm/program"
	"github.com/gnitzdb/gnitz/zset"
)

// Engine is an embeddable GnitzDB instance: the nine system tables plus
// every user table and materialized view currently open, a program cache
// compiling views' _instructions rows on demand, and a reactive executor
// cascading deltas through the view dependency graph.
type Engine struct {
	dataDir string
	memCap  int64
	k0, k1  uint64

	Catalog  *catalog.Store
	Programs *program.Cache
	Cascade  *exec.Executor

	mu     sync.RWMutex
	tables map[uint64]*table.PersistentTable
	names  map[string]uint64 // "schema_name.table_name" -> id, DDL existence checks
}

// Open opens (bootstrapping if this is a fresh data directory) the
// catalog's system tables under cfg.DataDir, reopens every user table and
// view named by _tables/_views, and wires a program.Cache and
// exec.Executor (capped at cfg.CascadeMaxDepth) over the result. k0/k1
// seed every table's MemTable hash index (siphash keys); the caller
// generates them once and persists them alongside cfg.DataDir so restarts
// reopen the same hash layout.
func Open(cfg Config, k0, k1 uint64, broadcast exec.Broadcaster, logger *log.Logger) (*Engine, error) {
	store, err := catalog.Open(cfg.DataDir, k0, k1)
	if err != nil {
		return nil, fmt.Errorf("engine.Open: %w", err)
	}

	e := &Engine{
		dataDir: cfg.DataDir,
		memCap:  cfg.MemTableCapacityBytes,
		k0:      k0,
		k1:      k1,
		Catalog: store,
		tables:  make(map[uint64]*table.PersistentTable),
		names:   make(map[string]uint64),
	}
	if e.memCap <= 0 {
		e.memCap = DefaultConfig().MemTableCapacityBytes
	}

	if err := e.reopenSystemTables(); err != nil {
		store.Close()
		return nil, fmt.Errorf("engine.Open: %w", err)
	}
	if err := e.reopenUserTables(); err != nil {
		e.Close()
		return nil, fmt.Errorf("engine.Open: %w", err)
	}

	e.Programs = program.NewCache(e, store.Instructions, store.ViewDeps, e.memCap)
	e.Cascade = exec.New(e.Programs, e, store.ViewDeps, store.Subscriptions, broadcast, logger)
	if cfg.CascadeMaxDepth > 0 {
		e.Cascade.MaxDepth = cfg.CascadeMaxDepth
	}
	return e, nil
}

// reopenSystemTables registers the nine already-open system tables under
// their fixed ids, so FILTER/JOIN/SCAN_TRACE instructions can name a
// system table (e.g. a view that reacts to _subscriptions) exactly like
// any user table.
func (e *Engine) reopenSystemTables() error {
	sys := []struct {
		id uint64
		t  *table.PersistentTable
	}{
		{catalog.TableSchemas, e.Catalog.Schemas},
		{catalog.TableTables, e.Catalog.Tables},
		{catalog.TableViews, e.Catalog.Views},
		{catalog.TableColumns, e.Catalog.Columns},
		{catalog.TableIndices, e.Catalog.Indices},
		{catalog.TableViewDeps, e.Catalog.ViewDeps},
		{catalog.TableSequences, e.Catalog.Sequences},
		{catalog.TableInstructions, e.Catalog.Instructions},
		{catalog.TableSubscriptions, e.Catalog.Subscriptions},
	}
	for _, s := range sys {
		e.tables[s.id] = s.t
	}
	return nil
}

// reopenUserTables walks _tables and _views for every row with an id past
// the system range, reconstructs its schema from the matching _columns
// rows, and reopens its PersistentTable at the directory the catalog row
// names. Grounded on gnitz/catalog/engine.py's _rebuild_registry, which
// performs the same reconstruction on daemon startup.
func (e *Engine) reopenUserTables() error {
	cur, err := e.Catalog.Tables.CreateCursor()
	if err != nil {
		return fmt.Errorf("engine: scanning _tables: %w", err)
	}
	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return fmt.Errorf("engine: scanning _tables: %w", err)
		}
		if !ok {
			break
		}
		if weight <= 0 {
			continue
		}
		tid := pk.Lo
		if tid < catalog.FirstUserTableID {
			continue
		}
		schemaID := r.GetIntUnsigned(1)
		name := r.GetOwnStr(2)
		directory := r.GetOwnStr(3)
		pkColIdx := int(r.GetIntUnsigned(4))

		schemaName, err := e.schemaNameByID(schemaID)
		if err != nil {
			return err
		}
		if err := e.reopenOne(tid, schemaName+"."+name, name, directory, pkColIdx, catalog.OwnerKindTable); err != nil {
			return err
		}
	}

	cur, err = e.Catalog.Views.CreateCursor()
	if err != nil {
		return fmt.Errorf("engine: scanning _views: %w", err)
	}
	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return fmt.Errorf("engine: scanning _views: %w", err)
		}
		if !ok {
			break
		}
		if weight <= 0 {
			continue
		}
		vid := pk.Lo
		schemaID := r.GetIntUnsigned(1)
		name := r.GetOwnStr(2)
		directory := r.GetOwnStr(4)

		schemaName, err := e.schemaNameByID(schemaID)
		if err != nil {
			return err
		}
		if err := e.reopenOne(vid, schemaName+"."+name, name, directory, 0, catalog.OwnerKindView); err != nil {
			return err
		}
	}
	return nil
}

// schemaNameByID looks up a _schemas row by id. Called during startup
// rebuild only, so a full scan per table/view is an acceptable cost.
func (e *Engine) schemaNameByID(id uint64) (string, error) {
	cur, err := e.Catalog.Schemas.CreateCursor()
	if err != nil {
		return "", err
	}
	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		if weight <= 0 || pk.Lo != id {
			continue
		}
		return r.GetOwnStr(1), nil
	}
	return "", &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: schema %d not found", id)}
}

// schemaIDByName is schemaNameByID's inverse, used by CreateTable/
// CreateView to resolve the caller's schema name into the id _tables/
// _views rows actually key on.
func (e *Engine) schemaIDByName(name string) (uint64, error) {
	cur, err := e.Catalog.Schemas.CreateCursor()
	if err != nil {
		return 0, err
	}
	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if weight <= 0 {
			continue
		}
		if r.GetOwnStr(1) == name {
			return pk.Lo, nil
		}
	}
	return 0, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: schema not found: %s", name)}
}

// CreateSchema ingests a new row into _schemas and allocates its id off
// _sequences -- the same "DDL as data" pattern CreateTable/CreateView
// follow, grounded on gnitz/catalog/engine.py's create_schema. public
// and system are bootstrapped directly into _schemas (catalog.Open's
// bootstrapRows) and never go through this path.
func (e *Engine) CreateSchema(name string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.schemaIDByName(name); err == nil {
		return 0, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: schema already exists: %s", name)}
	}

	sid, err := e.allocateID(catalog.SeqIDSchemas)
	if err != nil {
		return 0, fmt.Errorf("engine: CreateSchema %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Join(e.dataDir, name), 0755); err != nil {
		return 0, fmt.Errorf("engine: CreateSchema %s: %w", name, err)
	}

	sc, err := catalog.SchemasSchema()
	if err != nil {
		return 0, err
	}
	r := row.New(sc)
	if err := r.AppendString(name); err != nil {
		return 0, err
	}
	if err := ingestOne(e.Catalog.Schemas, sc, sid, r); err != nil {
		return 0, fmt.Errorf("engine: CreateSchema %s: %w", name, err)
	}
	return sid, nil
}

func (e *Engine) reopenOne(id uint64, qualified, name, directory string, pkColIdx int, ownerKind uint64) error {
	cols, err := e.loadColumns(id, ownerKind)
	if err != nil {
		return fmt.Errorf("engine: columns of %d (%s): %w", id, qualified, err)
	}
	sc, err := schema.New(id, name, cols, pkColIdx)
	if err != nil {
		return fmt.Errorf("engine: schema of %d (%s): %w", id, qualified, err)
	}
	t, err := table.Open(directory, sc, e.memCap, e.k0, e.k1)
	if err != nil {
		return fmt.Errorf("engine: opening %d (%s): %w", id, qualified, err)
	}
	e.tables[id] = t
	e.names[qualified] = id
	return nil
}

// loadColumns reads ownerID's columns out of _columns, ordered by
// col_idx, reconstructing each one's FK annotation if present.
func (e *Engine) loadColumns(ownerID, ownerKind uint64) ([]schema.Column, error) {
	cur, err := e.Catalog.Columns.CreateCursor()
	if err != nil {
		return nil, err
	}
	type decoded struct {
		idx uint64
		col schema.Column
	}
	var found []decoded
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
		if r.GetIntUnsigned(1) != ownerID {
			continue
		}
		if r.GetIntUnsigned(2) != ownerKind {
			continue
		}
		colIdx := r.GetIntUnsigned(3)
		col := schema.Column{
			Name:     r.GetOwnStr(4),
			Type:     gtype.Code(r.GetIntUnsigned(5)),
			Nullable: r.GetIntUnsigned(6) != 0,
		}
		if fkTable := r.GetIntUnsigned(7); fkTable != 0 {
			col.FK = &schema.FK{TableID: fkTable, ColIdx: int(r.GetIntUnsigned(8))}
		}
		found = append(found, decoded{idx: colIdx, col: col})
	}
	if len(found) == 0 {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: owner %d has no _columns rows", ownerID)}
	}
	cols := make([]schema.Column, len(found))
	for _, d := range found {
		if int(d.idx) >= len(cols) {
			return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: owner %d col_idx %d out of range", ownerID, d.idx)}
		}
		cols[d.idx] = d.col
	}
	return cols, nil
}

// HasID implements vm/program.Registry.
func (e *Engine) HasID(id uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tables[id]
	return ok
}

// SchemaByID implements vm/program.Registry.
func (e *Engine) SchemaByID(id uint64) (*schema.Schema, error) {
	t, err := e.tableByID(id)
	if err != nil {
		return nil, err
	}
	return t.Schema(), nil
}

// TraceSourceByID implements vm/program.Registry.
func (e *Engine) TraceSourceByID(id uint64) (vm.TraceSource, error) {
	return e.tableByID(id)
}

// IntegrateTargetByID implements vm/program.Registry.
func (e *Engine) IntegrateTargetByID(id uint64) (vm.IntegrateTarget, error) {
	return e.tableByID(id)
}

// Table implements vm.IntegrateTargets, consumed directly by
// vm.Interpreter.Run's INTEGRATE opcode dispatch.
func (e *Engine) Table(tableID uint64) (vm.IntegrateTarget, error) {
	return e.tableByID(tableID)
}

func (e *Engine) tableByID(id uint64) (*table.PersistentTable, error) {
	e.mu.RLock()
	t, ok := e.tables[id]
	e.mu.RUnlock()
	if !ok {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: no table or view with id %d", id)}
	}
	return t, nil
}

// CreateTable ingests a new row into _tables and one row per column into
// _columns -- DDL as data, per the catalog's own design -- allocates a
// fresh id off _sequences, opens the table's PersistentTable at
// dataDir/<schemaName>/<tableName>_<id>, and registers it for
// immediate use. schemaName/tableName are not validated for identifier
// syntax; the caller is expected to have already done so (spec.md's SQL
// front end is out of scope here, per its Non-goals).
func (e *Engine) CreateTable(schemaName, tableName string, cols []schema.Column, pkColIdx int) (*table.PersistentTable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	qualified := schemaName + "." + tableName
	if _, exists := e.names[qualified]; exists {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: table already exists: %s", qualified)}
	}
	schemaID, err := e.schemaIDByName(schemaName)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateTable %s: %w", qualified, err)
	}

	tid, err := e.allocateID(catalog.SeqIDTables)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateTable %s: %w", qualified, err)
	}
	directory := filepath.Join(e.dataDir, schemaName, fmt.Sprintf("%s_%d", tableName, tid))

	sc, err := schema.New(tid, tableName, cols, pkColIdx)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateTable %s: %w", qualified, err)
	}
	t, err := table.Open(directory, sc, e.memCap, e.k0, e.k1)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateTable %s: %w", qualified, err)
	}

	if err := e.writeTableRecord(tid, schemaID, tableName, directory, pkColIdx, cols); err != nil {
		t.Close()
		return nil, fmt.Errorf("engine: CreateTable %s: %w", qualified, err)
	}

	e.tables[tid] = t
	e.names[qualified] = tid
	return t, nil
}

// CreateView ingests a new row into _views and its output columns into
// _columns, opens a PersistentTable to hold the view's materialized
// output (its TraceSource for downstream JOIN_DELTA_TRACE/SEEK_TRACE
// instructions), and records the dependency edges viewDeps names in
// _view_deps so the reactive executor's cascade can find it. The view's
// compiled program itself is expected to already be present (or to be
// ingested right after) as _instructions rows under the same id --
// CreateView only wires the catalog and storage side, not the program
// compiler, matching vm/program.Cache's lazy on-demand compilation.
func (e *Engine) CreateView(schemaName, viewName string, cols []schema.Column, deps []ViewDep) (*table.PersistentTable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	qualified := schemaName + "." + viewName
	if _, exists := e.names[qualified]; exists {
		return nil, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: view already exists: %s", qualified)}
	}
	schemaID, err := e.schemaIDByName(schemaName)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateView %s: %w", qualified, err)
	}

	vid, err := e.allocateID(catalog.SeqIDTables)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateView %s: %w", qualified, err)
	}
	directory := filepath.Join(e.dataDir, schemaName, fmt.Sprintf("%s_%d", viewName, vid))

	sc, err := schema.New(vid, viewName, cols, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateView %s: %w", qualified, err)
	}
	t, err := table.Open(directory, sc, e.memCap, e.k0, e.k1)
	if err != nil {
		return nil, fmt.Errorf("engine: CreateView %s: %w", qualified, err)
	}

	if err := e.writeViewRecord(vid, schemaID, viewName, directory, cols); err != nil {
		t.Close()
		return nil, fmt.Errorf("engine: CreateView %s: %w", qualified, err)
	}
	if err := e.writeViewDeps(vid, deps); err != nil {
		t.Close()
		return nil, fmt.Errorf("engine: CreateView %s: %w", qualified, err)
	}

	e.tables[vid] = t
	e.names[qualified] = vid
	e.Programs.Invalidate(vid)
	return t, nil
}

// ViewDep is one edge CreateView writes into _view_deps: viewID depends
// on whichever of UpstreamView/UpstreamTable is non-zero.
type ViewDep struct {
	UpstreamView  uint64
	UpstreamTable uint64
}

func (e *Engine) writeTableRecord(tid, schemaID uint64, name, directory string, pkColIdx int, cols []schema.Column) error {
	sc, err := catalog.TablesSchema()
	if err != nil {
		return err
	}
	r := row.New(sc)
	if err := r.AppendInt(int64(schemaID)); err != nil {
		return err
	}
	if err := r.AppendString(name); err != nil {
		return err
	}
	if err := r.AppendString(directory); err != nil {
		return err
	}
	if err := r.AppendInt(int64(pkColIdx)); err != nil {
		return err
	}
	if err := r.AppendInt(0); err != nil {
		return err
	}
	if err := ingestOne(e.Catalog.Tables, sc, tid, r); err != nil {
		return err
	}
	return e.writeColumnRecords(tid, catalog.OwnerKindTable, cols)
}

func (e *Engine) writeViewRecord(vid, schemaID uint64, name, directory string, cols []schema.Column) error {
	sc, err := catalog.ViewsSchema()
	if err != nil {
		return err
	}
	r := row.New(sc)
	if err := r.AppendInt(int64(schemaID)); err != nil {
		return err
	}
	if err := r.AppendString(name); err != nil {
		return err
	}
	if err := r.AppendString(""); err != nil { // sql_definition: unused, programs are compiled instruction streams
		return err
	}
	if err := r.AppendString(directory); err != nil {
		return err
	}
	if err := r.AppendInt(0); err != nil {
		return err
	}
	if err := ingestOne(e.Catalog.Views, sc, vid, r); err != nil {
		return err
	}
	return e.writeColumnRecords(vid, catalog.OwnerKindView, cols)
}

func (e *Engine) writeColumnRecords(ownerID, ownerKind uint64, cols []schema.Column) error {
	sc, err := catalog.ColumnsSchema()
	if err != nil {
		return err
	}
	b := zset.New(sc)
	for i, col := range cols {
		r := row.New(sc)
		fkTable, fkCol := uint64(0), uint64(0)
		if col.FK != nil {
			fkTable, fkCol = col.FK.TableID, uint64(col.FK.ColIdx)
		}
		for _, v := range []uint64{ownerID, ownerKind, uint64(i)} {
			if err := r.AppendInt(int64(v)); err != nil {
				return err
			}
		}
		if err := r.AppendString(col.Name); err != nil {
			return err
		}
		nullable := uint64(0)
		if col.Nullable {
			nullable = 1
		}
		for _, v := range []uint64{uint64(col.Type), nullable, fkTable, fkCol} {
			if err := r.AppendInt(int64(v)); err != nil {
				return err
			}
		}
		b.Append(gtype.FromU64(catalog.PackColumnID(ownerID, uint64(i))), 1, r)
	}
	return e.Catalog.Columns.IngestBatch(b)
}

func (e *Engine) writeViewDeps(vid uint64, deps []ViewDep) error {
	if len(deps) == 0 {
		return nil
	}
	sc, err := catalog.ViewDepsSchema()
	if err != nil {
		return err
	}
	depID, err := e.allocateID(catalog.SeqIDTables)
	if err != nil {
		return err
	}
	b := zset.New(sc)
	for _, d := range deps {
		r := row.New(sc)
		for _, v := range []uint64{vid, d.UpstreamView, d.UpstreamTable} {
			if err := r.AppendInt(int64(v)); err != nil {
				return err
			}
		}
		b.Append(gtype.FromU64(depID), 1, r)
		depID++
	}
	return e.Catalog.ViewDeps.IngestBatch(b)
}

func ingestOne(t *table.PersistentTable, sc *schema.Schema, pk uint64, r *row.PayloadRow) error {
	b := zset.New(sc)
	b.Append(gtype.FromU64(pk), 1, r)
	return t.IngestBatch(b)
}

// allocateID bumps seqID in _sequences and returns the id it hands out,
// mirroring gnitz/catalog/engine.py's Engine._advance_sequence (retract
// the old counter row, append the new one -- the sequence table is
// itself a Z-set, so allocation is just another delta).
func (e *Engine) allocateID(seqID uint64) (uint64, error) {
	sc, err := catalog.SequencesSchema()
	if err != nil {
		return 0, err
	}
	cur, err := e.Catalog.Sequences.CreateCursor()
	if err != nil {
		return 0, err
	}
	var next uint64
	found := false
	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if weight <= 0 || pk.Lo != seqID {
			continue
		}
		next = r.GetIntUnsigned(1)
		found = true
	}
	if !found {
		return 0, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: sequence %d not bootstrapped", seqID)}
	}

	b := zset.New(sc)
	oldRow := row.New(sc)
	if err := oldRow.AppendInt(int64(next)); err != nil {
		return 0, err
	}
	b.Append(gtype.FromU64(seqID), -1, oldRow)
	newRow := row.New(sc)
	if err := newRow.AppendInt(int64(next + 1)); err != nil {
		return 0, err
	}
	b.Append(gtype.FromU64(seqID), 1, newRow)
	if err := e.Catalog.Sequences.IngestBatch(b); err != nil {
		return 0, err
	}
	return next, nil
}

// Subscribe ingests a new row into _subscriptions recording clientID's
// interest in viewID, allocating its id off the dedicated
// catalog.SeqIDSubscriptions sequence (subscriptions churn far more than
// tables/views, so they get their own counter rather than sharing
// SeqIDTables). cmd/gnitzd calls this from a SUBSCRIBE request; the
// executor's cascade picks up the new row on the next Evaluate that
// reaches viewID.
func (e *Engine) Subscribe(viewID, clientID uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tables[viewID]; !ok {
		return 0, &gnitzerr.LayoutError{Msg: fmt.Sprintf("engine: Subscribe: no view with id %d", viewID)}
	}
	subID, err := e.allocateID(catalog.SeqIDSubscriptions)
	if err != nil {
		return 0, fmt.Errorf("engine: Subscribe: %w", err)
	}

	sc, err := catalog.SubscriptionsSchema()
	if err != nil {
		return 0, err
	}
	r := row.New(sc)
	if err := r.AppendInt(int64(viewID)); err != nil {
		return 0, err
	}
	if err := r.AppendInt(int64(clientID)); err != nil {
		return 0, err
	}
	if err := r.AppendInt(0); err != nil {
		return 0, err
	}
	if err := ingestOne(e.Catalog.Subscriptions, sc, subID, r); err != nil {
		return 0, fmt.Errorf("engine: Subscribe: %w", err)
	}
	return subID, nil
}

// Close closes every open table and view plus the nine system tables.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for id, t := range e.tables {
		if id < catalog.FirstUserTableID {
			continue // owned by e.Catalog, closed below
		}
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := e.Catalog.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
