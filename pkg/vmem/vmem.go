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
	"strings"
	"sync/atomic"

	"github.com/rplstr/hiillos/pkg/frame"
	"github.com/rplstr/hiillos/pkg/hal"
	"github.com/rplstr/hiillos/pkg/hostarch"
	"github.com/rplstr/hiillos/pkg/kerr"
	"github.com/rplstr/hiillos/pkg/log"
	"github.com/rplstr/hiillos/pkg/refcount"
	"github.com/rplstr/hiillos/pkg/xsync"
)

// halState bundles a started Vmem's hardware page table with the cr3 value
// it publishes, so SwitchTo can read both without taking mu (§5: "All
// public operations except clone/switch_to acquire self.lock").
type halState struct {
	hal hal.HalVmem
	cr3 hostarch.PhysPage
}

// Vmem is one address space: an ordered, non-overlapping catalog of
// virtual-memory mappings, together with the hardware page-table root
// used to install them lazily on first access (§3).
type Vmem struct {
	refs       refcount.AtomicRefCount
	halFactory hal.Factory

	mu       xsync.Mutex
	mappings mappingTable
	hal      atomic.Pointer[halState]

	curPages       uint64
	maxPages       uint64
	mapCalls       uint64
	unmapCalls     uint64
	pageFaultCalls uint64
}

// New allocates a fresh Vmem with no mappings and cr3 = 0 (§4.3 init). The
// hardware page table is not allocated until Start is called. factory
// stands in for the slab allocator of §6: in this Go rendition allocation
// is backed by the garbage collector rather than a fallible bump allocator,
// so the error return exists for interface fidelity with §4.3 but is never
// produced by this implementation.
func New(factory hal.Factory) (*Vmem, error) {
	v := &Vmem{halFactory: factory}
	v.refs.Init()
	return v, nil
}

// Clone increments the reference count and returns the same Vmem identity
// (§4.3 clone, capability sharing). Never fails.
func (v *Vmem) Clone() *Vmem {
	v.refs.IncRef()
	return v
}

// Release decrements the reference count. On the last drop, every
// mapping's frame reference is released, the hardware page table (if
// allocated) is torn down, and the Vmem itself becomes unusable (§4.3
// deinit). Idempotent across the refcount protocol: only the call that
// observes the count reach zero performs work.
func (v *Vmem) Release() {
	if !v.refs.DecRef() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < v.mappings.len(); i++ {
		v.mappings.at(i).Frame.Release()
	}
	v.mappings = mappingTable{}
	if st := v.hal.Load(); st != nil {
		st.hal.Release()
	}
}

// Start allocates the hardware page-table root on first call; subsequent
// calls are no-ops (§4.3 start).
func (v *Vmem) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hal.Load() != nil {
		return nil
	}
	h, err := v.halFactory.New()
	if err != nil {
		return kerr.OutOfMemory
	}
	v.hal.Store(&halState{hal: h, cr3: h.Root()})
	return nil
}

// SwitchTo loads this Vmem's page-table root on the current CPU.
// Precondition: Start has been called. Does not acquire mu (§5).
func (v *Vmem) SwitchTo() {
	st := v.hal.Load()
	if st == nil {
		panic("vmem: switch_to called before start")
	}
	st.hal.SwitchTo()
}

// Cr3 returns the physical page number of the page-table root, or 0 if
// Start has not yet been called (§3 invariant 6).
func (v *Vmem) Cr3() hostarch.PhysPage {
	if st := v.hal.Load(); st != nil {
		return st.cr3
	}
	return 0
}

// Map registers a new mapping of f's pages [frameFirstPage, frameFirstPage
// + pages) at vaddr, with the given rights and flags (§4.3 map). f is
// consumed: on success the Vmem owns a reference to it; on any failure
// after acceptance the reference is released exactly once, mirroring the
// errdefer cleanup rule of §7.
func (v *Vmem) Map(f frame.Frame, frameFirstPage int, vaddr hostarch.Addr, pages int, rights hostarch.AccessType, flags hostarch.MappingFlags) (hostarch.Addr, error) {
	if pages == 0 {
		return 0, kerr.InvalidArgument
	}
	if !vaddr.IsPageAligned() {
		panic(fmt.Sprintf("vmem: map called with unaligned vaddr %s", vaddr))
	}
	// Bounded against [0, UserSpace.End), not [UserSpace.Start,
	// UserSpace.End): §4.3 deliberately checks map's range against the
	// lower bound 0, not the reserved null-guard page, so that vaddr == 0
	// survives this check and falls through to mapFixedLocked's own
	// InvalidAddress rejection instead of being reported as OutOfBounds
	// here (see §8's boundary cases).
	end, ok := vaddr.AddLength(uint64(pages) * hostarch.PageSize)
	if !ok || end > hostarch.UserSpace.End {
		return 0, kerr.OutOfBounds
	}

	f.Lock()
	pageCount := f.PageCount()
	f.Unlock()
	if frameFirstPage+pages > pageCount {
		return 0, kerr.OutOfBounds
	}

	m := Mapping{
		Frame:          f,
		FrameFirstPage: frameFirstPage,
		Pages:          pages,
		VaddrPage:      vaddr.Page(),
		Rights:         rights,
		Flags:          flags,
	}

	v.mu.Lock()
	var out hostarch.Addr
	var err error
	if flags.Fixed {
		out, err = v.mapFixedLocked(m)
	} else {
		out, err = v.mapHintLocked(vaddr, m)
	}
	if err == nil {
		if logObjStats {
			v.mapCalls++
			v.curPages += uint64(pages)
			if v.curPages > v.maxPages {
				v.maxPages = v.curPages
			}
		}
	}
	v.checkInvariantsLocked()
	v.mu.Unlock()

	if err != nil {
		f.Release()
		return 0, err
	}
	if logObjCalls {
		log.Debugf("vmem: map(vaddr=%s, pages=%d, fixed=%v) = %s", vaddr, pages, flags.Fixed, out)
	}
	return out, nil
}

// mapFixedLocked installs m at exactly m.Start(), displacing any
// overlapping mapping entirely (§4.3, Open Question 2: a from-scratch
// implementation could split the overlapping mapping instead of replacing
// it whole; this preserves the source's simpler, observable behavior).
func (v *Vmem) mapFixedLocked(m Mapping) (hostarch.Addr, error) {
	vaddr := m.Start()
	if vaddr == 0 {
		return 0, kerr.InvalidAddress
	}

	idx, found := v.mappings.find(vaddr)
	if !found {
		v.mappings.append(m)
		return vaddr, nil
	}

	existing := v.mappings.at(idx)
	switch {
	case existing.Overlaps(vaddr, m.Pages):
		existing.Frame.Release()
		if logObjStats {
			v.curPages -= uint64(existing.Pages)
		}
		v.mappings.setAt(idx, m)
		// Later mappings that m also overlaps are displaced as well.
		for idx+1 < v.mappings.len() && v.mappings.at(idx+1).Overlaps(vaddr, m.Pages) {
			next := v.mappings.at(idx + 1)
			next.Frame.Release()
			if logObjStats {
				v.curPages -= uint64(next.Pages)
			}
			v.mappings.removeAt(idx + 1)
		}
	case existing.Start() < vaddr:
		v.mappings.insertAt(idx+1, m)
	default:
		v.mappings.insertAt(idx, m)
	}
	return vaddr, nil
}

// mapHintLocked searches for the first gap larger than m.Pages pages to
// hold m, preferring gaps at or above vaddr before wrapping to search
// gaps below it (§4.3 mapHint). The search requires the candidate gap to
// be strictly larger than the requested size, not merely large enough:
// without that the scenario in §8 ("hint exhaustion" against a
// single-page trailing gap) would wrongly succeed. This mirrors the kind
// of off-by-one the rest of this spec explicitly preserves elsewhere and
// is recorded as such rather than silently "fixed".
func (v *Vmem) mapHintLocked(vaddr hostarch.Addr, m Mapping) (hostarch.Addr, error) {
	if v.mappings.len() == 0 {
		m.VaddrPage = vaddr.Page()
		return v.mapFixedLocked(m)
	}

	need := hostarch.Addr(m.Pages) * hostarch.PageSize

	// mid is the index of the mapping immediately before the gap that
	// contains (or follows) vaddr; -1 means that gap is the one before
	// the very first mapping. mid is also -1 when vaddr lies past every
	// mapping, so the forward scan then starts at the bottom of user space.
	mid := -1
	if idx, found := v.mappings.find(vaddr); found {
		mid = idx - 1
	}

	for i := mid; i < v.mappings.len(); i++ {
		var start hostarch.Addr
		if i < 0 {
			start = hostarch.UserSpace.Start
		} else {
			start = v.mappings.at(i).End()
		}
		var limit hostarch.Addr
		if i+1 < v.mappings.len() {
			limit = v.mappings.at(i + 1).Start()
		} else {
			limit = hostarch.UserSpace.End
		}
		if limit-start > need {
			m.VaddrPage = start.Page()
			return v.mapFixedLocked(m)
		}
	}

	prevEnd := hostarch.UserSpace.Start
	for i := 0; i <= mid; i++ {
		start := v.mappings.at(i).Start()
		if start-prevEnd > need {
			m.VaddrPage = prevEnd.Page()
			return v.mapFixedLocked(m)
		}
		prevEnd = v.mappings.at(i).End()
	}

	return 0, kerr.OutOfVirtualMemory
}

// Unmap removes [vaddr, vaddr+pages*PageSize) from the address space
// (§4.3 unmap). A zero-length range is a no-op.
func (v *Vmem) Unmap(vaddr hostarch.Addr, pages int) error {
	if !vaddr.IsPageAligned() {
		panic(fmt.Sprintf("vmem: unmap called with unaligned vaddr %s", vaddr))
	}
	if pages == 0 {
		return nil
	}
	// Bounded as in map (§4.3): against [0, UserSpace.End), not
	// [UserSpace.Start, UserSpace.End).
	end, ok := vaddr.AddLength(uint64(pages) * hostarch.PageSize)
	if !ok || end > hostarch.UserSpace.End {
		return kerr.OutOfBounds
	}

	v.mu.Lock()
	removed := v.unmapLocked(vaddr, end)
	if logObjStats {
		v.unmapCalls++
		if removed > v.curPages {
			removed = v.curPages
		}
		v.curPages -= removed
	}
	v.checkInvariantsLocked()
	st := v.hal.Load()
	v.mu.Unlock()

	if st != nil {
		for p := 0; p < pages; p++ {
			addr := vaddr + hostarch.Addr(p)*hostarch.PageSize
			if err := st.hal.UnmapFrame(addr); err != nil {
				log.Warningf("vmem: unmap_frame(%s) failed (propagated as a log line, not an error, per §7): %v", addr, err)
			}
			st.hal.FlushTLBAddr(addr)
		}
	}
	if logObjCalls {
		log.Debugf("vmem: unmap(vaddr=%s, pages=%d)", vaddr, pages)
	}
	return nil
}

// unmapLocked implements the case analysis of §4.3's unmap table and
// returns the number of pages actually removed from the table, for stat
// accounting. Case 2's predicate is the corrected "B strictly covers A"
// rather than the tautological a_end <= a_end read literally off the
// source (§9 Open Question 4).
func (v *Vmem) unmapLocked(b, bEnd hostarch.Addr) uint64 {
	i, found := v.mappings.find(b)
	if !found {
		return 0
	}

	var removed uint64
	for i < v.mappings.len() {
		m := v.mappings.at(i)
		a, aEnd := m.Start(), m.End()

		if aEnd <= b || bEnd <= a {
			// case 0: disjoint.
			return removed
		}

		switch {
		case b <= a && bEnd >= aEnd:
			// case 2: B covers all of M.
			m.Frame.Release()
			v.mappings.removeAt(i)
			removed += uint64(m.Pages)
			continue

		case b <= a:
			// case 1: B covers the prefix of M.
			shift := hostarch.PageNr((bEnd - a) / hostarch.PageSize)
			removed += uint64(shift)
			m.Pages -= int(shift)
			m.FrameFirstPage += int(shift)
			m.VaddrPage += shift
			v.mappings.setAt(i, m)
			return removed

		case bEnd >= aEnd:
			// case 3: B covers the suffix of M.
			cut := uint64((aEnd - b) / hostarch.PageSize)
			removed += cut
			m.Pages -= int(cut)
			v.mappings.setAt(i, m)
			i++
			continue

		default:
			// case 4: B strictly inside M. M is split into a prefix that
			// keeps the original frame reference and a suffix that clones
			// it, sharing the backing frame with an incremented refcount.
			clone := m
			clone.Frame = m.Frame.Clone()

			cut := uint64((aEnd - b) / hostarch.PageSize)
			removed += uint64((bEnd - b) / hostarch.PageSize)
			m.Pages -= int(cut)
			v.mappings.setAt(i, m)

			shift := hostarch.PageNr((bEnd - a) / hostarch.PageSize)
			clone.Pages -= int(shift)
			clone.FrameFirstPage += int(shift)
			clone.VaddrPage += shift
			v.mappings.insertAt(i+1, clone)
			return removed
		}
	}
	return removed
}

// Read copies len(dest) bytes starting at vaddr into dest, tunneling
// through the backing frames without requiring this Vmem to be active on
// any CPU (§4.3 read).
func (v *Vmem) Read(vaddr hostarch.Addr, dest []byte) (int, error) {
	return v.transferLocked(vaddr, dest, func(f frame.Frame, off int64, b []byte) (int, error) {
		return f.ReadAt(off, b)
	})
}

// Write copies len(src) bytes from src to vaddr, tunneling through the
// backing frames (§4.3 write).
func (v *Vmem) Write(vaddr hostarch.Addr, src []byte) (int, error) {
	return v.transferLocked(vaddr, src, func(f frame.Frame, off int64, b []byte) (int, error) {
		return f.WriteAt(off, b)
	})
}

// transferLocked implements the shared body of read and write: compute
// the covered mapping range via dataLocked, then walk it copying through
// each mapping's frame in turn.
func (v *Vmem) transferLocked(vaddr hostarch.Addr, buf []byte, do func(frame.Frame, int64, []byte) (int, error)) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	begin, end, err := v.dataLocked(vaddr, len(buf))
	if err != nil {
		return 0, err
	}

	var total int
	remaining := buf
	for i := begin; i < end; i++ {
		m := v.mappings.at(i)
		var offset hostarch.Addr
		if i == begin {
			offset = vaddr - m.Start()
		}
		avail := int(hostarch.Addr(m.Pages)*hostarch.PageSize - offset)
		limit := avail
		if limit > len(remaining) {
			limit = len(remaining)
		}
		byteOffset := int64(m.FrameFirstPage)*hostarch.PageSize + int64(offset)
		n, err := do(m.Frame, byteOffset, remaining[:limit])
		total += n
		if err != nil {
			return total, err
		}
		remaining = remaining[limit:]
		if len(remaining) == 0 {
			break
		}
	}
	return total, nil
}

// dataLocked is the lock-held helper of §4.3's read/write contract: it
// returns the half-open index range [begin, end) of mappings covering
// [vaddr, vaddr+length), failing InvalidAddress if either endpoint falls
// outside a mapping or if the covering mappings are not contiguous.
func (v *Vmem) dataLocked(vaddr hostarch.Addr, length int) (begin, end int, err error) {
	if v.mappings.len() == 0 {
		return 0, 0, kerr.InvalidAddress
	}

	idx, found := v.mappings.find(vaddr)
	if !found || !v.mappings.at(idx).Overlaps(vaddr, 1) {
		return 0, 0, kerr.InvalidAddress
	}

	stop := vaddr + hostarch.Addr(length)
	last := idx
	for v.mappings.at(last).End() < stop {
		if last+1 >= v.mappings.len() || v.mappings.at(last+1).Start() != v.mappings.at(last).End() {
			return 0, 0, kerr.InvalidAddress
		}
		last++
	}
	return idx, last + 1, nil
}

// checkInvariantsLocked walks the mapping table's invariants when
// checkInvariants is enabled. Called at the exit of every public method
// that mutates the table.
func (v *Vmem) checkInvariantsLocked() {
	if checkInvariants {
		v.mappings.checkInvariantsLocked()
	}
}

// Stats is a snapshot of the LOG_OBJ_STATS counters (§6). curPages and
// maxPages are a resident-set-size style accounting absent from the
// distilled contract but present in the teacher's own address-space
// manager; mapCalls/unmapCalls/pageFaultCalls are a simple per-Vmem call
// count, useful for the same reason gVisor keeps MemoryManager.curRSS.
type Stats struct {
	CurPages       uint64
	MaxPages       uint64
	MapCalls       uint64
	UnmapCalls     uint64
	PageFaultCalls uint64
}

// Stats returns a snapshot of this Vmem's call and accounting counters.
func (v *Vmem) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		CurPages:       v.curPages,
		MaxPages:       v.maxPages,
		MapCalls:       v.mapCalls,
		UnmapCalls:     v.unmapCalls,
		PageFaultCalls: v.pageFaultCalls,
	}
}

// DebugString renders the mapping table one line per mapping, in the
// style of a /proc/[pid]/maps dump.
func (v *Vmem) DebugString() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "cr3=%s mappings=%d\n", v.Cr3(), v.mappings.len())
	for i := 0; i < v.mappings.len(); i++ {
		fmt.Fprintf(&b, "  %s\n", v.mappings.at(i))
	}
	return b.String()
}
