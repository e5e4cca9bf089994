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

//go:build linux || freebsd || openbsd || netbsd || solaris || aix || dragonfly
// +build linux freebsd openbsd netbsd solaris aix dragonfly

package ipc

import (
	"fmt"
	"testing"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/schema"
	"github.com/gnitzdb/gnitz/usock"
	"github.com/gnitzdb/gnitz/zset"
)

type singleSchemaResolver struct {
	id uint64
	s  *schema.Schema
}

func (r singleSchemaResolver) HasID(id uint64) bool { return id == r.id }

func (r singleSchemaResolver) SchemaByID(id uint64) (*schema.Schema, error) {
	if id != r.id {
		return nil, fmt.Errorf("unknown id %d", id)
	}
	return r.s, nil
}

func TestSendBatchAndReceivePayloadRoundTrip(t *testing.T) {
	s := ordersSchema(t)
	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkOrderRow(t, s, "alice", 500))

	outer, inner, err := usock.SocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer outer.Close()
	defer inner.Close()

	if err := SendBatch(outer, 7, b, StatusOK, "", 42); err != nil {
		t.Fatal(err)
	}

	payload, err := ReceivePayload(inner, singleSchemaResolver{id: 7, s: s})
	if err != nil {
		t.Fatal(err)
	}
	defer payload.Close()

	if payload.Header.Status != StatusOK {
		t.Fatalf("Status = %d, want StatusOK", payload.Header.Status)
	}
	if payload.TargetID != 7 {
		t.Fatalf("TargetID = %d, want 7", payload.TargetID)
	}
	if payload.ClientID != 42 {
		t.Fatalf("ClientID = %d, want 42", payload.ClientID)
	}
	if payload.Batch == nil || len(payload.Batch.Entries) != 1 {
		t.Fatalf("Batch = %+v, want 1 entry", payload.Batch)
	}
	if payload.Batch.Entries[0].Row.GetOwnStr(1) != "alice" {
		t.Fatal("round-tripped row customer mismatch")
	}
}

func TestSendErrorAndReceivePayloadRoundTrip(t *testing.T) {
	outer, inner, err := usock.SocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer outer.Close()
	defer inner.Close()

	if err := SendError(outer, "boom", 9, 0); err != nil {
		t.Fatal(err)
	}

	payload, err := ReceivePayload(inner, singleSchemaResolver{})
	if err != nil {
		t.Fatal(err)
	}
	defer payload.Close()

	if payload.Header.Status != StatusError {
		t.Fatalf("Status = %d, want StatusError", payload.Header.Status)
	}
	if payload.ErrorMsg != "boom" {
		t.Fatalf("ErrorMsg = %q, want boom", payload.ErrorMsg)
	}
	if payload.Batch != nil {
		t.Fatal("Batch should be nil for a zero-row message")
	}
}

func TestReceivePayloadRejectsUnknownTarget(t *testing.T) {
	s := ordersSchema(t)
	b := zset.New(s)
	b.Append(gtype.FromU64(1), 1, mkOrderRow(t, s, "alice", 500))

	outer, inner, err := usock.SocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer outer.Close()
	defer inner.Close()

	if err := SendBatch(outer, 99, b, StatusOK, "", 0); err != nil {
		t.Fatal(err)
	}

	if _, err := ReceivePayload(inner, singleSchemaResolver{id: 7, s: s}); err == nil {
		t.Fatal("expected error for a target id the resolver doesn't know")
	}
}
