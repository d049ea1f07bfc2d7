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
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/rplstr/hiillos/pkg/frame/frametest"
	"github.com/rplstr/hiillos/pkg/hal/haltest"
	"github.com/rplstr/hiillos/pkg/hostarch"
	"github.com/rplstr/hiillos/pkg/kerr"
)

func newTestVmem(t *testing.T) *Vmem {
	t.Helper()
	v, err := New(haltest.NewFactory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return v
}

func TestMapFillAndHoleSplit(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(16)

	if _, err := v.Map(f, 0, 0x10000, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 1: %v", err)
	}
	if _, err := v.Map(f.Clone().(*frametest.Frame), 4, 0x14000, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 2: %v", err)
	}

	if err := v.Unmap(0x12000, 2); err != nil {
		t.Fatalf("unmap: %v", err)
	}

	want := []hostarch.AddrRange{
		{Start: 0x10000, End: 0x12000},
		{Start: 0x14000, End: 0x18000},
	}
	if v.mappings.len() != len(want) {
		t.Fatalf("got %d mappings, want %d: %s", v.mappings.len(), len(want), v.DebugString())
	}
	for i, r := range want {
		if got := v.mappings.at(i).Range(); got != r {
			t.Errorf("mapping %d = %s, want %s", i, got, r)
		}
	}
}

func TestUnmapInteriorHoleClonesFrame(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(16)

	if _, err := v.Map(f, 0, 0x20000, 8, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := v.Unmap(0x22000, 4); err != nil {
		t.Fatalf("unmap: %v", err)
	}

	if v.mappings.len() != 2 {
		t.Fatalf("got %d mappings, want 2: %s", v.mappings.len(), v.DebugString())
	}
	first := v.mappings.at(0)
	second := v.mappings.at(1)
	if first.Range() != (hostarch.AddrRange{Start: 0x20000, End: 0x22000}) || first.FrameFirstPage != 0 {
		t.Errorf("first mapping = %+v", first)
	}
	if second.Range() != (hostarch.AddrRange{Start: 0x26000, End: 0x28000}) || second.FrameFirstPage != 6 {
		t.Errorf("second mapping = %+v", second)
	}
	if got := f.RefCount(); got != 2 {
		t.Errorf("frame refcount = %d, want 2", got)
	}
}

func TestMapFixedReplace(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(16)

	if _, err := v.Map(f, 0, 0x30000, 2, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 1: %v", err)
	}
	if _, err := v.Map(f.Clone(), 8, 0x30000, 2, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 2: %v", err)
	}

	if v.mappings.len() != 1 {
		t.Fatalf("got %d mappings, want 1", v.mappings.len())
	}
	m := v.mappings.at(0)
	if m.Range() != (hostarch.AddrRange{Start: 0x30000, End: 0x32000}) || m.FrameFirstPage != 8 {
		t.Errorf("mapping = %+v", m)
	}
	// The first mapping's reference was released on replacement; only the
	// clone backing the surviving mapping remains.
	if got := f.RefCount(); got != 1 {
		t.Errorf("frame refcount after replace = %d, want 1", got)
	}
}

func TestMapHintFindsGapAfterHint(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(16)

	if _, err := v.Map(frametest.New(1), 0, 0x1000, 1, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 1: %v", err)
	}
	if _, err := v.Map(frametest.New(1), 0, 0x100000, 1, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 2: %v", err)
	}

	got, err := v.Map(f, 0, 0x5000, 2, hostarch.ReadWrite, hostarch.MappingFlags{})
	if err != nil {
		t.Fatalf("map hint: %v", err)
	}
	if got != 0x2000 {
		t.Errorf("hint placement = %s, want 0x2000", got)
	}
}

func TestMapHintExhaustion(t *testing.T) {
	v := newTestVmem(t)
	tail := hostarch.UserSpace.End - hostarch.PageSize
	if _, err := v.Map(frametest.New(1), 0, hostarch.UserSpace.Start, 1, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}
	// frametest allocates its pages eagerly, so the synthetic mapping over
	// [UserSpace.Start, tail) is made by widening the one-page mapping in
	// place rather than by backing it with a frame of that size.
	v.mu.Lock()
	m := v.mappings.at(0)
	m.Pages = int((tail - hostarch.UserSpace.Start) / hostarch.PageSize)
	v.mappings.setAt(0, m)
	v.mu.Unlock()

	_, err := v.Map(frametest.New(1), 0, 0, 1, hostarch.ReadWrite, hostarch.MappingFlags{})
	if !errors.Is(err, kerr.OutOfVirtualMemory) && err != kerr.OutOfVirtualMemory {
		t.Fatalf("map hint on exhausted space: err = %v, want OutOfVirtualMemory", err)
	}
}

func TestPageFaultPermissionAndInstall(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(1)

	if _, err := v.Map(f, 0, 0x40000, 1, hostarch.ReadExecute, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := v.PageFault(FaultWrite, 0x40000); err != kerr.WriteFault {
		t.Fatalf("page_fault(write) = %v, want WriteFault", err)
	}

	if err := v.PageFault(FaultRead, 0x40000); err != nil {
		t.Fatalf("page_fault(read): %v", err)
	}
	if got := f.PageHitCount(0); got != 1 {
		t.Errorf("PageHit(0) called %d times, want 1", got)
	}

	st := v.hal.Load()
	if st == nil {
		t.Fatal("vmem not started")
	}
	h := st.hal.(*haltest.HalVmem)
	if _, _, ok := h.Lookup(0x40000); !ok {
		t.Error("PTE was not installed after fault")
	}
}

func TestPageFaultNotMapped(t *testing.T) {
	v := newTestVmem(t)
	if err := v.PageFault(FaultRead, 0x50000); err != kerr.NotMapped {
		t.Fatalf("page_fault on unmapped address = %v, want NotMapped", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(4)

	if _, err := v.Map(f, 0, 0x60000, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}

	want := bytes.Repeat([]byte{0xAB}, 100)
	if _, err := v.Write(0x60010, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 100)
	if _, err := v.Read(0x60010, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back %x, want %x", got, want)
	}
}

func TestReadWriteAcrossMappingsRequiresContiguity(t *testing.T) {
	v := newTestVmem(t)

	if _, err := v.Map(frametest.New(4), 0, 0x70000, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 1: %v", err)
	}
	// Leave a hole at [0x74000, 0x76000) before the next mapping.
	if _, err := v.Map(frametest.New(4), 0, 0x76000, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map 2: %v", err)
	}

	buf := make([]byte, hostarch.PageSize*8)
	if _, err := v.Read(0x70000, buf); err != kerr.InvalidAddress {
		t.Fatalf("read across a gap = %v, want InvalidAddress", err)
	}
}

func TestUnmapIdempotent(t *testing.T) {
	v := newTestVmem(t)
	f := frametest.New(4)
	if _, err := v.Map(f, 0, 0x80000, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := v.Unmap(0x80000, 4); err != nil {
		t.Fatalf("unmap 1: %v", err)
	}
	if err := v.Unmap(0x80000, 4); err != nil {
		t.Fatalf("unmap 2: %v", err)
	}
	if v.mappings.len() != 0 {
		t.Errorf("mappings after double unmap: %d, want 0", v.mappings.len())
	}
}

func TestMapBoundaries(t *testing.T) {
	v := newTestVmem(t)

	last := hostarch.UserSpace.End - hostarch.PageSize
	if _, err := v.Map(frametest.New(1), 0, last, 1, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map last page: %v", err)
	}

	if _, err := v.Map(frametest.New(2), 0, last, 2, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != kerr.OutOfBounds {
		t.Fatalf("map spanning past user space = %v, want OutOfBounds", err)
	}

	if _, err := v.Map(frametest.New(1), 0, 0, 1, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != kerr.InvalidAddress {
		t.Fatalf("map at vaddr=0 fixed = %v, want InvalidAddress", err)
	}

	if _, err := v.Map(frametest.New(1), 0, 0x90000, 0, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != kerr.InvalidArgument {
		t.Fatalf("map with pages=0 = %v, want InvalidArgument", err)
	}
}

func TestRandomizedMapUnmapPreservesInvariants(t *testing.T) {
	v := newTestVmem(t)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		vaddr := hostarch.Addr(rng.IntN(64)) * 0x10000
		pages := 1 + rng.IntN(4)
		if rng.IntN(2) == 0 {
			v.Map(frametest.New(8), 0, vaddr, pages, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true})
		} else {
			v.Unmap(vaddr, pages)
		}
	}

	v.mu.Lock()
	v.mappings.checkInvariantsLocked()
	n := v.mappings.len()
	for i := 0; i < n; i++ {
		m := v.mappings.at(i)
		if m.Pages < 1 {
			t.Errorf("mapping %d has pages=%d", i, m.Pages)
		}
		if !hostarch.UserSpace.IsSupersetOf(m.Range()) {
			t.Errorf("mapping %d escapes user space: %s", i, m.Range())
		}
	}
	v.mu.Unlock()
}

func TestFindMatchesOverlapsContract(t *testing.T) {
	v := newTestVmem(t)
	if _, err := v.Map(frametest.New(4), 0, 0x1000, 2, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}
	if _, err := v.Map(frametest.New(4), 0, 0x5000, 2, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true}); err != nil {
		t.Fatalf("map: %v", err)
	}

	cases := []struct {
		addr    hostarch.Addr
		wantHit bool
	}{
		{0x1000, true},
		{0x3000, false}, // gap
		{0x5000, true},
		{0x6fff, true},
		{0x7000, false}, // past the last mapping's end
	}
	for _, c := range cases {
		idx, found := v.mappings.find(c.addr)
		hit := found && v.mappings.at(idx).Overlaps(c.addr, 1)
		if hit != c.wantHit {
			t.Errorf("find(%s) hit = %v, want %v", c.addr, hit, c.wantHit)
		}
	}
}
