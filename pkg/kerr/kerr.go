// Copyright 2021 The gVisor Authors.
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

// Package kerr holds the named error values surfaced by the address-space
// API. It is a trimmed form of gVisor's pkg/errors: an *Error wraps a
// message and is comparable with ==, but this module has no syscall layer
// to map errors onto, so unlike pkg/errors/linuxerr it does not carry an
// errno.
package kerr

// Error is a named, comparable error value.
type Error struct {
	message string
}

// New creates a new *Error.
func New(message string) *Error {
	return &Error{message: message}
}

// Error implements error.
func (e *Error) Error() string { return e.message }

// The error kinds surfaced outward by the address-space API (§6).
var (
	// InvalidArgument indicates a malformed argument, e.g. pages == 0.
	InvalidArgument = New("invalid argument")

	// InvalidAddress indicates a well-formed but disallowed address, e.g.
	// vaddr == 0 passed to fixed placement.
	InvalidAddress = New("invalid address")

	// OutOfBounds indicates a range that escapes user space, overflows, or
	// exceeds the backing frame's page count.
	OutOfBounds = New("address range out of bounds")

	// OutOfMemory indicates that a kernel allocation (a Vmem, a hardware
	// page-table root) could not be satisfied.
	OutOfMemory = New("out of memory")

	// OutOfVirtualMemory indicates that hint placement found no
	// sufficiently large gap.
	OutOfVirtualMemory = New("out of virtual memory")

	// NotMapped indicates a page fault at an address with no covering
	// mapping.
	NotMapped = New("address not mapped")

	// ReadFault indicates a page fault that requested a read but the
	// covering mapping does not permit it.
	ReadFault = New("read fault")

	// WriteFault indicates a page fault that requested a write but the
	// covering mapping does not permit it.
	WriteFault = New("write fault")

	// ExecFault indicates a page fault that requested execution but the
	// covering mapping does not permit it.
	ExecFault = New("exec fault")
)
