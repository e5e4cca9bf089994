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

import "testing"

func TestDefaultFuncRegistryPredicateKeepsEverything(t *testing.T) {
	pred := DefaultFuncRegistry{}.Predicate(42)
	if !pred(nil) {
		t.Fatal("pass-through predicate rejected a row, want always-true")
	}
}

func TestDefaultFuncRegistryMapFuncIsIdentity(t *testing.T) {
	mf := DefaultFuncRegistry{}.MapFunc(42)
	out, err := mf(nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatalf("identity map of nil returned %v, want nil", out)
	}
}

func TestParseAggSpecEmptyReturnsNil(t *testing.T) {
	fns, err := parseAggSpec("")
	if err != nil {
		t.Fatal(err)
	}
	if fns != nil {
		t.Fatalf("parseAggSpec(\"\") = %v, want nil", fns)
	}
}

func TestParseAggSpecParsesMixedTokens(t *testing.T) {
	fns, err := parseAggSpec("count,sum_int:1,max_float:2")
	if err != nil {
		t.Fatal(err)
	}
	if len(fns) != 3 {
		t.Fatalf("len(fns) = %d, want 3", len(fns))
	}
}

func TestParseAggSpecRejectsUnknownKind(t *testing.T) {
	if _, err := parseAggSpec("bogus_kind:0"); err == nil {
		t.Fatal("expected error for unknown aggregate kind")
	}
}

func TestParseAggSpecRejectsBadColumnIndex(t *testing.T) {
	if _, err := parseAggSpec("sum_int:notanumber"); err == nil {
		t.Fatal("expected error for malformed column index")
	}
}

func TestParseFuncIDDefaultsToZero(t *testing.T) {
	if got := parseFuncID(""); got != 0 {
		t.Fatalf("parseFuncID(\"\") = %d, want 0", got)
	}
	if got := parseFuncID("func:7"); got != 7 {
		t.Fatalf("parseFuncID(\"func:7\") = %d, want 7", got)
	}
}

func TestParseChunkLimitDefaultsToZero(t *testing.T) {
	if got := parseChunkLimit(""); got != 0 {
		t.Fatalf("parseChunkLimit(\"\") = %d, want 0", got)
	}
	if got := parseChunkLimit("limit:3"); got != 3 {
		t.Fatalf("parseChunkLimit(\"limit:3\") = %d, want 3", got)
	}
}
