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

// AccessType specifies memory access types. This mirrors the shape of
// gVisor's usermem.AccessType; it lives in hostarch (rather than the vmem
// package) so that both the vmem and hal packages can refer to it without
// creating an import cycle between the two.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

// NoAccess, Read, ReadWrite, ReadExecute, and AnyAccess are common
// AccessType values.
var (
	NoAccess    = AccessType{}
	Read        = AccessType{Read: true}
	ReadWrite   = AccessType{Read: true, Write: true}
	ReadExecute = AccessType{Read: true, Execute: true}
	AnyAccess   = AccessType{Read: true, Write: true, Execute: true}
)

// SupersetOf returns true if at grants every permission other grants.
func (at AccessType) SupersetOf(other AccessType) bool {
	if !at.Read && other.Read {
		return false
	}
	if !at.Write && other.Write {
		return false
	}
	if !at.Execute && other.Execute {
		return false
	}
	return true
}

// Intersect returns the access permitted by both at and other.
func (at AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:    at.Read && other.Read,
		Write:   at.Write && other.Write,
		Execute: at.Execute && other.Execute,
	}
}

// String implements fmt.Stringer.
func (at AccessType) String() string {
	buf := [3]byte{'-', '-', '-'}
	if at.Read {
		buf[0] = 'r'
	}
	if at.Write {
		buf[1] = 'w'
	}
	if at.Execute {
		buf[2] = 'x'
	}
	return string(buf[:])
}

// MappingFlags carries mapping attributes that are meaningful outside of
// rights, currently only the fixed/hint placement selector consumed by
// Vmem.Map (§4.3).
type MappingFlags struct {
	// Fixed selects fixed placement (install at exactly the requested
	// address, displacing any overlap) over hint placement (search for a
	// gap, preferring one at or after the requested address).
	Fixed bool
}
