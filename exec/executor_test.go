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

package exec

import (
	"fmt"
	"testing"

	"github.com/gnitzdb/gnitz/catalog"
	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/row"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/vm"
	"github.com/gnitzdb/gnitz/vm/program"
	"github.com/gnitzdb/gnitz/zset"
)

const testOrdersID = 100
const testViewID = 200

func ordersSchema(t *testing.T) *schema.Schema {
	t.Helper()
	cols := []schema.Column{
		{Name: "order_id", Type: gtype.U64},
		{Name: "amount", Type: gtype.I64},
	}
	s, err := schema.New(testOrdersID, "orders", cols, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// fanRegistry resolves every schema a test fixture needs by id, standing
// in for engine.Engine's program.Registry implementation.
type fanRegistry struct {
	schemas map[uint64]*schema.Schema
}

func (f *fanRegistry) HasID(id uint64) bool { _, ok := f.schemas[id]; return ok }

func (f *fanRegistry) SchemaByID(id uint64) (*schema.Schema, error) {
	s, ok := f.schemas[id]
	if !ok {
		return nil, fmt.Errorf("fanRegistry: unknown id %d", id)
	}
	return s, nil
}

func (f *fanRegistry) TraceSourceByID(id uint64) (vm.TraceSource, error) {
	return nil, fmt.Errorf("fanRegistry: no trace source for %d", id)
}

func (f *fanRegistry) IntegrateTargetByID(id uint64) (vm.IntegrateTarget, error) {
	return nil, fmt.Errorf("fanRegistry: no integrate target for %d", id)
}

// recordingBroadcaster captures every Broadcast call and optionally
// reports some clients as unreachable.
type recordingBroadcaster struct {
	calls       []broadcastCall
	unreachable map[uint64]bool
}

type broadcastCall struct {
	viewID    uint64
	batchLen  int
	clientIDs []uint64
}

func (b *recordingBroadcaster) Broadcast(viewID uint64, batch *zset.Batch, clientIDs []uint64) []uint64 {
	b.calls = append(b.calls, broadcastCall{viewID: viewID, batchLen: batch.Len(), clientIDs: append([]uint64{}, clientIDs...)})
	var failed []uint64
	for _, id := range clientIDs {
		if b.unreachable[id] {
			failed = append(failed, id)
		}
	}
	return failed
}

func putInstruction(t *testing.T, instructions *table.PersistentTable, ir catalog.InstructionRow) {
	t.Helper()
	s, err := catalog.InstructionsSchema()
	if err != nil {
		t.Fatal(err)
	}
	r, err := catalog.EncodeInstructionRow(s, ir)
	if err != nil {
		t.Fatal(err)
	}
	b := zset.New(s)
	b.Append(gtype.FromU64(ir.InstructionID), 1, r)
	if err := instructions.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
}

func putViewDep(t *testing.T, viewDeps *table.PersistentTable, depID, viewID, depViewID, depTableID uint64) {
	t.Helper()
	s, err := catalog.ViewDepsSchema()
	if err != nil {
		t.Fatal(err)
	}
	r := row.New(s)
	if err := r.AppendInt(int64(viewID)); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(int64(depViewID)); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(int64(depTableID)); err != nil {
		t.Fatal(err)
	}
	b := zset.New(s)
	b.Append(gtype.FromU64(depID), 1, r)
	if err := viewDeps.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
}

func putSubscription(t *testing.T, subs *table.PersistentTable, subID, viewID, clientID uint64) {
	t.Helper()
	s := subs.Schema()
	r := row.New(s)
	if err := r.AppendInt(int64(viewID)); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(int64(clientID)); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(0); err != nil {
		t.Fatal(err)
	}
	b := zset.New(s)
	b.Append(gtype.FromU64(subID), 1, r)
	if err := subs.IngestBatch(b); err != nil {
		t.Fatal(err)
	}
}

func mkOrderRow(t *testing.T, s *schema.Schema, amount int64) *row.PayloadRow {
	t.Helper()
	r := row.New(s)
	if err := r.AppendInt(amount); err != nil {
		t.Fatal(err)
	}
	return r
}

// testFixture wires a program.Cache with one pass-through view (id
// testViewID) depending on the orders base table, plus _subscriptions.
type testFixture struct {
	orders        *table.PersistentTable
	instructions  *table.PersistentTable
	viewDeps      *table.PersistentTable
	subscriptions *table.PersistentTable
	programs      *program.Cache
	broadcaster   *recordingBroadcaster
}

func newTestFixture(t *testing.T, viewSchema *schema.Schema, selfLoop bool) *testFixture {
	t.Helper()

	orders, err := table.Open(t.TempDir(), ordersSchema(t), 1<<20, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	instrSchema, err := catalog.InstructionsSchema()
	if err != nil {
		t.Fatal(err)
	}
	instructions, err := table.Open(t.TempDir(), instrSchema, 1<<20, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	depsSchema, err := catalog.ViewDepsSchema()
	if err != nil {
		t.Fatal(err)
	}
	viewDeps, err := table.Open(t.TempDir(), depsSchema, 1<<20, 5, 6)
	if err != nil {
		t.Fatal(err)
	}
	subsSchema, err := catalog.SubscriptionsSchema()
	if err != nil {
		t.Fatal(err)
	}
	subscriptions, err := table.Open(t.TempDir(), subsSchema, 1<<20, 7, 8)
	if err != nil {
		t.Fatal(err)
	}

	if selfLoop {
		putViewDep(t, viewDeps, 1, testViewID, testViewID, 0)
	} else {
		putViewDep(t, viewDeps, 1, testViewID, 0, testOrdersID)
	}

	reg := &fanRegistry{schemas: map[uint64]*schema.Schema{
		testOrdersID: ordersSchema(t),
		testViewID:   viewSchema,
	}}
	programs := program.NewCache(reg, instructions, viewDeps, 1<<20)

	putInstruction(t, instructions, catalog.InstructionRow{InstructionID: 1, ProgramID: testViewID, Seq: 0, Opcode: uint64(vm.OpClearDeltas)})
	putInstruction(t, instructions, catalog.InstructionRow{InstructionID: 2, ProgramID: testViewID, Seq: 1, Opcode: uint64(vm.OpFilter), OperandA: 0, OperandC: 1})
	putInstruction(t, instructions, catalog.InstructionRow{InstructionID: 3, ProgramID: testViewID, Seq: 2, Opcode: uint64(vm.OpYield), OperandA: 1})
	putInstruction(t, instructions, catalog.InstructionRow{InstructionID: 4, ProgramID: testViewID, Seq: 3, Opcode: uint64(vm.OpHalt)})

	return &testFixture{
		orders:        orders,
		instructions:  instructions,
		viewDeps:      viewDeps,
		subscriptions: subscriptions,
		programs:      programs,
		broadcaster:   &recordingBroadcaster{unreachable: map[uint64]bool{}},
	}
}

func (f *testFixture) executor(t *testing.T) *Executor {
	return New(f.programs, nil, f.viewDeps, f.subscriptions, f.broadcaster, nil)
}

func TestEvaluateCascadesThroughDependentView(t *testing.T) {
	f := newTestFixture(t, ordersSchema(t), false)
	putSubscription(t, f.subscriptions, 1, testViewID, 42)
	e := f.executor(t)

	delta := zset.New(ordersSchema(t))
	delta.Append(gtype.FromU64(1), 1, mkOrderRow(t, ordersSchema(t), 10))

	if err := e.Evaluate(testOrdersID, delta); err != nil {
		t.Fatal(err)
	}

	if len(f.broadcaster.calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(f.broadcaster.calls))
	}
	call := f.broadcaster.calls[0]
	if call.viewID != testViewID {
		t.Fatalf("viewID = %d, want %d", call.viewID, testViewID)
	}
	if call.batchLen != 1 {
		t.Fatalf("batchLen = %d, want 1", call.batchLen)
	}
	if len(call.clientIDs) != 1 || call.clientIDs[0] != 42 {
		t.Fatalf("clientIDs = %v, want [42]", call.clientIDs)
	}
}

func TestEvaluateSkipsTargetsWithNoDependents(t *testing.T) {
	f := newTestFixture(t, ordersSchema(t), false)
	e := f.executor(t)

	delta := zset.New(ordersSchema(t))
	delta.Append(gtype.FromU64(1), 1, mkOrderRow(t, ordersSchema(t), 10))

	if err := e.Evaluate(999, delta); err != nil {
		t.Fatal(err)
	}
	if len(f.broadcaster.calls) != 0 {
		t.Fatalf("len(calls) = %d, want 0", len(f.broadcaster.calls))
	}
}

func TestEvaluateRespectsMaxDepth(t *testing.T) {
	f := newTestFixture(t, ordersSchema(t), true)
	putSubscription(t, f.subscriptions, 1, testViewID, 42)
	e := f.executor(t)
	e.MaxDepth = 1

	delta := zset.New(ordersSchema(t))
	delta.Append(gtype.FromU64(1), 1, mkOrderRow(t, ordersSchema(t), 10))

	if err := e.Evaluate(testViewID, delta); err != nil {
		t.Fatal(err)
	}
	if len(f.broadcaster.calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2 (depths 0 and 1 processed, depth 2 dropped)", len(f.broadcaster.calls))
	}
}

func TestBroadcastDisconnectsUnreachableClient(t *testing.T) {
	f := newTestFixture(t, ordersSchema(t), false)
	putSubscription(t, f.subscriptions, 1, testViewID, 7)
	f.broadcaster.unreachable[7] = true
	e := f.executor(t)

	delta := zset.New(ordersSchema(t))
	delta.Append(gtype.FromU64(1), 1, mkOrderRow(t, ordersSchema(t), 10))

	if err := e.Evaluate(testOrdersID, delta); err != nil {
		t.Fatal(err)
	}

	w, err := f.subscriptions.GetWeight(gtype.FromU64(1), subscriptionRow(t, f.subscriptions.Schema(), testViewID, 7))
	if err != nil {
		t.Fatal(err)
	}
	if w != 0 {
		t.Fatalf("subscription weight = %d, want 0 after disconnect retraction", w)
	}
}

func TestDisconnectRetractsOwnedSubscriptions(t *testing.T) {
	f := newTestFixture(t, ordersSchema(t), false)
	putSubscription(t, f.subscriptions, 1, testViewID, 7)
	putSubscription(t, f.subscriptions, 2, testViewID, 8)
	e := f.executor(t)

	if err := e.Disconnect(7); err != nil {
		t.Fatal(err)
	}

	w7, err := f.subscriptions.GetWeight(gtype.FromU64(1), subscriptionRow(t, f.subscriptions.Schema(), testViewID, 7))
	if err != nil {
		t.Fatal(err)
	}
	if w7 != 0 {
		t.Fatalf("client 7 subscription weight = %d, want 0", w7)
	}

	w8, err := f.subscriptions.GetWeight(gtype.FromU64(2), subscriptionRow(t, f.subscriptions.Schema(), testViewID, 8))
	if err != nil {
		t.Fatal(err)
	}
	if w8 != 1 {
		t.Fatalf("client 8 subscription weight = %d, want 1 (untouched)", w8)
	}
}

func subscriptionRow(t *testing.T, s *schema.Schema, viewID, clientID uint64) *row.PayloadRow {
	t.Helper()
	r := row.New(s)
	if err := r.AppendInt(int64(viewID)); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(int64(clientID)); err != nil {
		t.Fatal(err)
	}
	if err := r.AppendInt(0); err != nil {
		t.Fatal(err)
	}
	return r
}
