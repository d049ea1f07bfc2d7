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

// Package vmem implements a virtual memory object: an ordered,
// concurrency-safe catalog of virtual-address mappings backed by
// reference-counted Frame objects, coupled to a HalVmem for lazy,
// fault-driven hardware page-table population.
package vmem

import (
	"fmt"

	"github.com/rplstr/hiillos/pkg/frame"
	"github.com/rplstr/hiillos/pkg/hostarch"
)

// Mapping describes one contiguous virtual range backed by a window
// inside one Frame (§3, §4.1). It has pure value semantics: copying a
// Mapping does not affect the underlying Frame's reference count, so
// callers must be deliberate about when a Mapping is duplicated (see
// Vmem.unmapLocked case 4, which clones a Mapping and explicitly takes a
// new Frame reference for the clone).
type Mapping struct {
	// Frame is the owning reference to the backing Frame.
	Frame frame.Frame

	// FrameFirstPage is the index of the first page inside Frame that this
	// mapping exposes.
	FrameFirstPage int

	// Pages is the length of the range in PageSize pages. Every mapping
	// stored in the table has Pages >= 1 (§3 invariant 3): unmapLocked
	// removes a fully covered slot directly rather than zeroing it.
	Pages int

	// VaddrPage is the base virtual address of the range, as a page
	// number.
	VaddrPage hostarch.PageNr

	// Rights are the mapping's access permissions.
	Rights hostarch.AccessType

	// Flags carries mapping attributes meaningful at installation time.
	Flags hostarch.MappingFlags
}

// Start returns the mapping's base virtual address.
func (m Mapping) Start() hostarch.Addr {
	return hostarch.PageAddr(m.VaddrPage)
}

// End returns the address just past the mapping's range.
func (m Mapping) End() hostarch.Addr {
	return m.Start() + hostarch.Addr(m.Pages)*hostarch.PageSize
}

// Range returns the mapping's range as a hostarch.AddrRange.
func (m Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.Start(), End: m.End()}
}

// Overlaps returns true if the mapping shares at least one byte with
// [v, v+pages*PageSize).
func (m Mapping) Overlaps(v hostarch.Addr, pages int) bool {
	n := hostarch.Addr(pages) * hostarch.PageSize
	return m.Start() < v+n && v < m.End()
}

// IsEmpty returns true if the mapping covers no pages (Pages == 0). No
// mapping stored in the table is ever empty.
func (m Mapping) IsEmpty() bool {
	return m.Pages == 0
}

// String implements fmt.Stringer, used by Vmem.DebugString.
func (m Mapping) String() string {
	return fmt.Sprintf("%s %s frame=%p+%d", m.Range(), m.Rights, m.Frame, m.FrameFirstPage)
}
