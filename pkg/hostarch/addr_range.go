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

package hostarch

import "fmt"

// AddrRange is a half-open range of virtual addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the size of ar in bytes.
func (ar AddrRange) Length() Addr {
	return ar.End - ar.Start
}

// IsPageAligned returns true if both ends of ar are page-aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// Contains returns true if addr is in ar.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// Overlaps returns true if ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// IsSupersetOf returns true if ar contains every address in other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(ar.Start), uintptr(ar.End))
}

// UserSpace describes the canonical, mappable range of user virtual
// addresses. Address 0 (the null page) is reserved as a guard against null
// pointer dereferences and is never assigned to a mapping.
var UserSpace = AddrRange{
	Start: 0x1000,
	End:   0x8000_0000_0000,
}

// FromUser validates that addr lies within UserSpace and returns it
// unchanged. It corresponds to the Virt.from_user constructor of the
// external Virt/Phys address types (§6); this module treats those types
// as plain hostarch.Addr values rather than introducing a distinct
// wrapper, since Go has no analog of the arithmetic-hiding newtypes the
// original source uses them for.
func FromUser(addr Addr) (Addr, bool) {
	if addr < UserSpace.Start || addr >= UserSpace.End {
		return 0, false
	}
	return addr, true
}
