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

// Package exec implements the reactive executor: the dependency-graph
// cascade that, given a delta landing on a base table or view, walks
// _view_deps to find every downstream view, runs each one's compiled
// program against the delta, and fans the result out to subscribers and
// onward through the graph. It holds no socket or transport state; the
// daemon that owns client connections (cmd/gnitzd) drives Evaluate from
// its accept/read loop and supplies a Broadcaster to fan results out.
package exec

import (
	"fmt"
	"log"

	"github.com/gnitzdb/gnitz/catalog"
	"github.com/gnitzdb/gnitz/storage/table"
	"github.com/gnitzdb/gnitz/vm"
	"github.com/gnitzdb/gnitz/vm/program"
	"github.com/gnitzdb/gnitz/zset"
)

// DefaultMaxDepth caps the cascade's breadth-first walk, guarding against
// a cyclic or pathologically deep view dependency graph.
const DefaultMaxDepth = 64

// Broadcaster fans a view's output batch out to every currently
// subscribed client. Implementations receive every id in clientIDs in one
// call, deliver batch to each, and return the subset that could not be
// reached (a closed socket, typically) so Executor can retract their
// subscriptions.
type Broadcaster interface {
	Broadcast(viewID uint64, batch *zset.Batch, clientIDs []uint64) []uint64
}

// Executor runs the reactive cascade. It is safe to share across
// concurrent calls to Evaluate only if Programs, the view/subscription
// tables, and Broadcast are themselves safe for concurrent use; the
// daemon that owns Executor is expected to serialize calls per the
// single-writer-per-table discipline storage/table already assumes.
type Executor struct {
	Programs      *program.Cache
	Targets       vm.IntegrateTargets
	ViewDeps      *table.PersistentTable
	Subscriptions *table.PersistentTable
	Broadcast     Broadcaster
	MaxDepth      int
	Logger        *log.Logger
}

// New returns an Executor ready to evaluate cascades. subscriptions and
// broadcast may be nil for a node that never serves live subscribers
// (e.g. a batch-ingestion-only worker); the executor then still runs
// views for their side effects (INTEGRATE into downstream tables) but
// skips fan-out.
func New(programs *program.Cache, targets vm.IntegrateTargets, viewDeps, subscriptions *table.PersistentTable, broadcast Broadcaster, logger *log.Logger) *Executor {
	return &Executor{
		Programs:      programs,
		Targets:       targets,
		ViewDeps:      viewDeps,
		Subscriptions: subscriptions,
		Broadcast:     broadcast,
		MaxDepth:      DefaultMaxDepth,
		Logger:        logger,
	}
}

type cascadeItem struct {
	targetID uint64
	batch    *zset.Batch
	depth    int
}

// Evaluate drives the cascade starting at targetID: every view that
// depends (directly or transitively) on targetID has its program run
// against the delta, with each view's output broadcast to subscribers
// and queued as the next tier's input.
func (e *Executor) Evaluate(targetID uint64, delta *zset.Batch) error {
	queue := []cascadeItem{{targetID: targetID, batch: delta, depth: 0}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if item.depth > e.MaxDepth {
			if e.Logger != nil {
				e.Logger.Printf("exec: cascade from target %d exceeded max depth %d, dropping", item.targetID, e.MaxDepth)
			}
			continue
		}

		views, err := e.dependentViews(item.targetID)
		if err != nil {
			return fmt.Errorf("exec: dependent views of %d: %w", item.targetID, err)
		}

		for _, viewID := range views {
			plan, err := e.Programs.Get(viewID)
			if err != nil {
				return fmt.Errorf("exec: compile view %d: %w", viewID, err)
			}
			if plan == nil {
				continue
			}

			interp := vm.New(plan.Program, plan.Registers, e.Targets)
			out, err := interp.Run(item.batch)
			if err != nil {
				return fmt.Errorf("exec: run view %d: %w", viewID, err)
			}
			if out == nil || out.Len() == 0 {
				continue
			}

			cloned := cloneBatch(out)
			if err := e.broadcastDelta(viewID, cloned); err != nil {
				return fmt.Errorf("exec: broadcast view %d: %w", viewID, err)
			}
			queue = append(queue, cascadeItem{targetID: viewID, batch: cloned, depth: item.depth + 1})
		}
	}
	return nil
}

// dependentViews returns every view id with a positive-weight _view_deps
// edge naming targetID as either its upstream view or its upstream base
// table, deduplicated.
func (e *Executor) dependentViews(targetID uint64) ([]uint64, error) {
	if e.ViewDeps == nil {
		return nil, nil
	}
	cur, err := e.ViewDeps.CreateCursor()
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool)
	var out []uint64
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
		viewID := r.GetIntUnsigned(1)
		depViewID := r.GetIntUnsigned(2)
		depTableID := r.GetIntUnsigned(3)
		if (depViewID == targetID || depTableID == targetID) && !seen[viewID] {
			seen[viewID] = true
			out = append(out, viewID)
		}
	}
	return out, nil
}

// broadcastDelta fans batch out to every client subscribed to viewID,
// retracting the subscription of any client Broadcast reports as
// unreachable.
func (e *Executor) broadcastDelta(viewID uint64, batch *zset.Batch) error {
	if e.Subscriptions == nil || e.Broadcast == nil {
		return nil
	}

	clientIDs, err := e.subscriberClientIDs(viewID)
	if err != nil {
		return err
	}
	if len(clientIDs) == 0 {
		return nil
	}

	for _, clientID := range e.Broadcast.Broadcast(viewID, batch, clientIDs) {
		if err := e.Disconnect(clientID); err != nil {
			if e.Logger != nil {
				e.Logger.Printf("exec: disconnect cleanup for client %d: %v", clientID, err)
			}
		}
	}
	return nil
}

func (e *Executor) subscriberClientIDs(viewID uint64) ([]uint64, error) {
	cur, err := e.Subscriptions.CreateCursor()
	if err != nil {
		return nil, err
	}
	var out []uint64
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
		v := r.GetIntUnsigned(1)
		if v != viewID {
			continue
		}
		out = append(out, r.GetIntUnsigned(2))
	}
	return out, nil
}

// Disconnect converts a client's departure into an algebraic retraction
// against _subscriptions: every positive-weight subscription row owned
// by clientID is negated, ingested, and re-evaluated through the
// cascade, since a view counting active subscribers can itself change as
// a result.
func (e *Executor) Disconnect(clientID uint64) error {
	if e.Subscriptions == nil {
		return nil
	}

	cur, err := e.Subscriptions.CreateCursor()
	if err != nil {
		return err
	}
	subsSchema := e.Subscriptions.Schema()
	retract := zset.New(subsSchema)

	for {
		pk, weight, r, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if weight <= 0 {
			continue
		}
		if r.GetIntUnsigned(2) != clientID {
			continue
		}
		retract.Append(pk, -weight, r)
	}
	if retract.Len() == 0 {
		return nil
	}

	if err := e.Subscriptions.IngestBatch(retract); err != nil {
		return fmt.Errorf("exec: retract subscriptions for client %d: %w", clientID, err)
	}
	return e.Evaluate(catalog.TableSubscriptions, retract)
}

// cloneBatch returns a copy of b's entry slice so the caller can hand out
// an immutable snapshot that survives the source register's next Clear.
func cloneBatch(b *zset.Batch) *zset.Batch {
	out := &zset.Batch{Schema: b.Schema}
	out.Entries = append(out.Entries[:0:0], b.Entries...)
	return out
}
