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
	"fmt"
	"sort"

	"github.com/rplstr/hiillos/pkg/hostarch"
)

// mappingTable is an ordered sequence of Mapping values, sorted and
// non-overlapping (§3 invariants 1-2, §4.2). The teacher's equivalent
// (pkg/sentry/mm's pmaSet/vmaSet) is a generated balanced segment tree,
// because gVisor's address spaces can hold many thousands of pmas; §9's
// design notes explicitly say the expected population here is only tens
// of mappings per process, for which "a sorted dynamic array with
// binary-search lookup... is preferred over a tree", so that is what this
// table is: find is O(log n) via sort.Search, insert/remove are O(n)
// slice edits. The table never merges adjacent, compatible mappings, by
// design (§4.2) — this keeps unmap's case analysis exact and predictable
// at the cost of the table not being maximally compact.
type mappingTable struct {
	m []Mapping
}

// len returns the number of mappings in the table.
func (t *mappingTable) len() int {
	return len(t.m)
}

// at returns the mapping at index i.
func (t *mappingTable) at(i int) Mapping {
	return t.m[i]
}

// setAt replaces the mapping at index i.
func (t *mappingTable) setAt(i int, m Mapping) {
	t.m[i] = m
}

// find returns the index of the first mapping whose End() > v, and true,
// or (len(t.m), false) if every mapping ends at or before v. The returned
// index is a candidate only: since v may fall in a gap between two
// mappings, callers must additionally check mapping.Overlaps(v, 1) before
// treating v as mapped (§4.4).
func (t *mappingTable) find(v hostarch.Addr) (int, bool) {
	i := sort.Search(len(t.m), func(i int) bool {
		return t.m[i].End() > v
	})
	return i, i < len(t.m)
}

// insertAt inserts m at index i, shifting subsequent mappings up by one.
// The caller is responsible for choosing an i that preserves sort order
// and non-overlap (§4.2).
func (t *mappingTable) insertAt(i int, m Mapping) {
	t.m = append(t.m, Mapping{})
	copy(t.m[i+1:], t.m[i:])
	t.m[i] = m
}

// removeAt deletes the mapping at index i, shifting subsequent mappings
// down by one.
func (t *mappingTable) removeAt(i int) {
	copy(t.m[i:], t.m[i+1:])
	t.m[len(t.m)-1] = Mapping{}
	t.m = t.m[:len(t.m)-1]
}

// append adds m after every existing mapping. The caller is responsible
// for ensuring m starts at or after the last mapping's End().
func (t *mappingTable) append(m Mapping) {
	t.m = append(t.m, m)
}

// checkInvariantsLocked panics if invariants 1-4 of §3 do not hold. Called
// at the exit of Vmem.Map and Vmem.Unmap when checkInvariants is true.
func (t *mappingTable) checkInvariantsLocked() {
	var prevEnd hostarch.Addr
	for i, m := range t.m {
		if m.Pages < 1 {
			panic(fmt.Sprintf("mapping %d has pages=%d, want >= 1", i, m.Pages))
		}
		if !hostarch.UserSpace.IsSupersetOf(m.Range()) {
			panic(fmt.Sprintf("mapping %d range %s escapes user space %s", i, m.Range(), hostarch.UserSpace))
		}
		if i > 0 && m.Start() < prevEnd {
			panic(fmt.Sprintf("mapping %d starts at %s before mapping %d ends at %s", i, m.Start(), i-1, prevEnd))
		}
		prevEnd = m.End()
	}
}
