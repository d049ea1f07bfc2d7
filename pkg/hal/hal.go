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

// Package hal declares HalVmem: the hardware page-table object a Vmem
// drives to actually install translations on the CPU (§6). One HalVmem
// owns exactly one page-table root, mirroring gVisor's own
// pkg/sentry/platform/ring0/pagetables.PageTables (one instance per
// address space). A real implementation — allocating page-table pages,
// walking and encoding architecture-specific PTEs, switching CR3,
// flushing the TLB — is explicitly out of scope for this module (§1) and
// is not ported here. See haltest for the map-backed fake this module's
// tests drive instead.
package hal

import "github.com/rplstr/hiillos/pkg/hostarch"

// Factory allocates fresh HalVmem instances, standing in for whatever
// arch-specific bootstrap (allocating the root page, copying in the
// kernel half of the address space) a real hardware page table needs
// before it can be switched to.
type Factory interface {
	// New allocates a page-table root and returns a HalVmem owning it,
	// with the kernel half already copied in (the "init" step of §4.3's
	// start()). Fails with an allocator error if no page is available.
	New() (HalVmem, error)
}

// HalVmem is the hardware page-table object owned by exactly one Vmem.
type HalVmem interface {
	// Root returns the physical page number of this page table's root,
	// i.e. the value a Vmem publishes as its cr3 (§3, §4.3).
	Root() hostarch.PhysPage

	// SwitchTo loads this page table's root on the current CPU (the
	// architectural CR3 load).
	SwitchTo()

	// MapFrame installs a PTE mapping virt to phys with the given rights.
	MapFrame(phys hostarch.PhysPage, virt hostarch.Addr, rights hostarch.AccessType, flags hostarch.MappingFlags)

	// UnmapFrame removes any PTE mapping virt. It is fallible in a real
	// implementation (e.g. a lazily unpopulated intermediate table
	// level); failures here are logged and swallowed by the caller (§7),
	// not propagated.
	UnmapFrame(virt hostarch.Addr) error

	// FlushTLBAddr flushes the TLB entry for virt on the current CPU
	// only. This module does not perform cross-CPU shootdown (§9); a
	// multiprocessor build must additionally IPI every CPU with this
	// page table loaded before a caller of Unmap may safely observe the
	// unmap as complete.
	FlushTLBAddr(virt hostarch.Addr)

	// Release tears down this page table, freeing its pages. Called once,
	// from the owning Vmem's last DecRef.
	Release()
}
