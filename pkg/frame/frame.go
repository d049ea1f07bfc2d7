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

// Package frame declares the Frame interface: the external, refcounted
// physical-page container that Mapping records hold windows into (§6).
// Its implementation — the slab allocator backing it, its per-page
// refcount, and its copy-on-write accounting — is out of scope for this
// module (§1); only the surface the address-space API consumes is
// declared here. See frametest for the in-memory double used by this
// module's own tests.
package frame

import "github.com/rplstr/hiillos/pkg/hostarch"

// Frame is a shareable, reference-counted container of physical pages.
// Implementations must be safe for concurrent use by multiple Vmems.
type Frame interface {
	// Lock acquires the frame's own lock. The address-space API takes this
	// lock only to validate frame_first_page+pages against PageCount; it
	// never holds a Vmem lock and a Frame lock from two different frames
	// nested, and never calls back into a Vmem while holding it.
	Lock()

	// Unlock releases the lock taken by Lock.
	Unlock()

	// PageCount returns the number of pages backing this frame. Callers
	// must hold Lock.
	PageCount() int

	// ReadAt copies len(dst) bytes starting at byteOffset into dst,
	// returning the number of bytes copied.
	ReadAt(byteOffset int64, dst []byte) (int, error)

	// WriteAt copies len(src) bytes from src to byteOffset.
	WriteAt(byteOffset int64, src []byte) (int, error)

	// PageHit returns the physical page number backing logical page
	// pageIndex. If writeIntent is true, the frame may perform a
	// copy-on-write fork before returning, so that the caller may install
	// a writable PTE for the returned page without the fault resolver
	// itself needing to know whether a copy occurred.
	PageHit(pageIndex int, writeIntent bool) (hostarch.PhysPage, error)

	// Clone increments the frame's shared reference count and returns the
	// same Frame identity, mirroring Vmem.Clone's capability-sharing
	// semantics.
	Clone() Frame

	// Release decrements the frame's shared reference count, freeing the
	// frame's own resources on the last release.
	Release()
}
