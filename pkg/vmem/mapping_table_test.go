// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmem

import (
	"testing"

	"github.com/rplstr/hiillos/pkg/hostarch"
)

func pageMapping(start hostarch.Addr, pages int) Mapping {
	return Mapping{VaddrPage: start.Page(), Pages: pages}
}

func TestMappingTableInsertRemove(t *testing.T) {
	var tb mappingTable
	tb.append(pageMapping(0x1000, 1))
	tb.append(pageMapping(0x3000, 1))

	tb.insertAt(1, pageMapping(0x2000, 1))
	if tb.len() != 3 {
		t.Fatalf("len = %d, want 3", tb.len())
	}
	for i, want := range []hostarch.Addr{0x1000, 0x2000, 0x3000} {
		if got := tb.at(i).Start(); got != want {
			t.Errorf("at(%d).Start() = %s, want %s", i, got, want)
		}
	}

	tb.removeAt(1)
	if tb.len() != 2 {
		t.Fatalf("len after remove = %d, want 2", tb.len())
	}
	if tb.at(1).Start() != 0x3000 {
		t.Errorf("at(1).Start() = %s, want 0x3000", tb.at(1).Start())
	}
}

func TestMappingTableFind(t *testing.T) {
	var tb mappingTable
	tb.append(pageMapping(0x1000, 1)) // [0x1000, 0x2000)
	tb.append(pageMapping(0x4000, 2)) // [0x4000, 0x6000)

	cases := []struct {
		v     hostarch.Addr
		index int
		found bool
	}{
		{0x500, 0, true},
		{0x1000, 0, true},
		{0x1fff, 0, true},
		{0x2000, 1, true},
		{0x3fff, 1, true},
		{0x4000, 1, true},
		{0x5fff, 1, true},
		{0x6000, 2, false},
		{0x7000, 2, false},
	}
	for _, c := range cases {
		idx, found := tb.find(c.v)
		if idx != c.index || found != c.found {
			t.Errorf("find(%s) = (%d, %v), want (%d, %v)", c.v, idx, found, c.index, c.found)
		}
	}
}

func TestMappingTableCheckInvariantsLockedPanicsOnOverlap(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("checkInvariantsLocked did not panic on overlapping mappings")
		}
	}()
	var tb mappingTable
	tb.m = []Mapping{
		pageMapping(0x1000, 2), // [0x1000, 0x3000)
		pageMapping(0x2000, 1), // [0x2000, 0x3000), overlaps the previous
	}
	tb.checkInvariantsLocked()
}
