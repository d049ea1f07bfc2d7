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

// Package frametest provides an in-memory Frame double for use in this
// module's own tests and in cmd/vmemdemo, standing in for the real
// slab-backed, copy-on-write Frame object that is out of scope for this
// module (§1). It performs no copy-on-write fork on PageHit: full
// write-path COW is explicitly reserved as future work by the spec's
// Non-goals, so the double simply hands back the page it already owns.
package frametest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rplstr/hiillos/pkg/frame"
	"github.com/rplstr/hiillos/pkg/hostarch"
)

var nextFrameID atomic.Uint64

// Frame is a fixed-size, refcounted, in-memory backing store.
type Frame struct {
	mu    sync.Mutex
	id    uint64
	pages int
	data  []byte
	refs  int64

	// pageHits counts PageHit calls per logical page, for tests that
	// assert lazy materialization only happens once per page.
	pageHits []int
}

// New creates a Frame with the given number of PageSize pages, all zeroed,
// with a single outstanding reference.
func New(pages int) *Frame {
	return &Frame{
		id:       nextFrameID.Add(1),
		pages:    pages,
		data:     make([]byte, pages*hostarch.PageSize),
		refs:     1,
		pageHits: make([]int, pages),
	}
}

// Lock implements frame.Frame.Lock.
func (f *Frame) Lock() { f.mu.Lock() }

// Unlock implements frame.Frame.Unlock.
func (f *Frame) Unlock() { f.mu.Unlock() }

// PageCount implements frame.Frame.PageCount.
func (f *Frame) PageCount() int { return f.pages }

// ReadAt implements frame.Frame.ReadAt.
func (f *Frame) ReadAt(byteOffset int64, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if byteOffset < 0 || int(byteOffset) > len(f.data) {
		return 0, fmt.Errorf("frametest: offset %d out of range", byteOffset)
	}
	n := copy(dst, f.data[byteOffset:])
	return n, nil
}

// WriteAt implements frame.Frame.WriteAt.
func (f *Frame) WriteAt(byteOffset int64, src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if byteOffset < 0 || int(byteOffset) > len(f.data) {
		return 0, fmt.Errorf("frametest: offset %d out of range", byteOffset)
	}
	n := copy(f.data[byteOffset:], src)
	return n, nil
}

// PageHit implements frame.Frame.PageHit. The returned PhysPage encodes
// this frame's identity so tests can assert which frame backed a fault
// without needing a real MMU.
func (f *Frame) PageHit(pageIndex int, writeIntent bool) (hostarch.PhysPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pageIndex < 0 || pageIndex >= f.pages {
		return 0, fmt.Errorf("frametest: page index %d out of range [0, %d)", pageIndex, f.pages)
	}
	f.pageHits[pageIndex]++
	return hostarch.PhysPage(f.id<<32 | uint64(pageIndex)), nil
}

// PageHitCount returns the number of times PageHit has been called for
// pageIndex, for use in tests asserting lazy-materialization behavior.
func (f *Frame) PageHitCount(pageIndex int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageHits[pageIndex]
}

// Clone implements frame.Frame.Clone.
func (f *Frame) Clone() frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	return f
}

// Release implements frame.Frame.Release.
func (f *Frame) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	if f.refs < 0 {
		panic("frametest: released frame with no outstanding references")
	}
}

// RefCount returns the current reference count, for use in tests.
func (f *Frame) RefCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

var _ frame.Frame = (*Frame)(nil)
