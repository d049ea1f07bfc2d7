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

// Package haltest provides a map-backed HalVmem fake for this module's own
// tests and for cmd/vmemdemo, standing in for a real architecture-specific
// page-table walker (out of scope per §1).
package haltest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rplstr/hiillos/pkg/hal"
	"github.com/rplstr/hiillos/pkg/hostarch"
)

type pte struct {
	phys   hostarch.PhysPage
	rights hostarch.AccessType
}

var nextRoot atomic.Uint64

// Factory hands out fresh HalVmem fakes, each with its own independent PTE
// map, the way a real arch bootstrap hands out fresh page-table roots.
type Factory struct{}

// NewFactory returns a hal.Factory backed by in-memory PTE maps.
func NewFactory() Factory {
	return Factory{}
}

// New implements hal.Factory.
func (Factory) New() (hal.HalVmem, error) {
	root := hostarch.PhysPage(nextRoot.Add(1))
	return &HalVmem{root: root, entries: make(map[hostarch.Addr]pte)}, nil
}

// HalVmem is a software-only stand-in for one hardware page table: PTEs are
// kept in a Go map keyed by page-aligned virtual address rather than
// encoded into real page-table pages.
type HalVmem struct {
	mu      sync.Mutex
	root    hostarch.PhysPage
	entries map[hostarch.Addr]pte

	// active records whether SwitchTo has ever been called on this fake,
	// for assertions in tests. It is never cleared.
	active atomic.Bool
	// flushed counts FlushTLBAddr calls, so tests can assert a fault or
	// unmap actually requested a flush.
	flushed atomic.Uint64
}

// Root implements hal.HalVmem.
func (h *HalVmem) Root() hostarch.PhysPage {
	return h.root
}

// SwitchTo implements hal.HalVmem.
func (h *HalVmem) SwitchTo() {
	h.active.Store(true)
}

// MapFrame implements hal.HalVmem.
func (h *HalVmem) MapFrame(phys hostarch.PhysPage, virt hostarch.Addr, rights hostarch.AccessType, flags hostarch.MappingFlags) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[virt.RoundDown()] = pte{phys: phys, rights: rights}
}

// UnmapFrame implements hal.HalVmem.
func (h *HalVmem) UnmapFrame(virt hostarch.Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := virt.RoundDown()
	if _, ok := h.entries[key]; !ok {
		return fmt.Errorf("haltest: no PTE installed at %v", key)
	}
	delete(h.entries, key)
	return nil
}

// FlushTLBAddr implements hal.HalVmem.
func (h *HalVmem) FlushTLBAddr(virt hostarch.Addr) {
	h.flushed.Add(1)
}

// Release implements hal.HalVmem.
func (h *HalVmem) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// Lookup returns the PTE installed at virt, for use in tests.
func (h *HalVmem) Lookup(virt hostarch.Addr) (hostarch.PhysPage, hostarch.AccessType, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[virt.RoundDown()]
	return e.phys, e.rights, ok
}

// FlushCount returns the number of FlushTLBAddr calls observed so far.
func (h *HalVmem) FlushCount() uint64 {
	return h.flushed.Load()
}

var (
	_ hal.Factory = Factory{}
	_ hal.HalVmem = (*HalVmem)(nil)
)
