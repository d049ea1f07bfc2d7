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

// Package refcount provides AtomicRefCount, a trimmed version of gVisor's
// pkg/refs.AtomicRefCount. This module's own capability/epoch refcount
// machinery (§1) and the shared Frame refcount (§6) are both external
// collaborators in the full kernel; AtomicRefCount stands in for the Vmem
// capability refcount (the frametest double keeps its own mutex-guarded
// count). Weak references, which pkg/refs supports
// for its own callers (e.g. dentry caches), have no user here and are
// dropped.
package refcount

import "sync/atomic"

// AtomicRefCount is an atomic reference count with a floor of 1: a freshly
// constructed AtomicRefCount has one reference outstanding, matching a
// Vmem or Frame's refcount at creation time.
type AtomicRefCount struct {
	// refCount holds the number of references directly, so the zero value
	// has none outstanding; construct via Init.
	refCount int64
}

// Init sets the reference count to 1.
func (r *AtomicRefCount) Init() {
	atomic.StoreInt64(&r.refCount, 1)
}

// ReadRefs returns the current number of references. The result is racy
// unless the caller provides external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return atomic.LoadInt64(&r.refCount)
}

// IncRef increments the reference count.
func (r *AtomicRefCount) IncRef() {
	if v := atomic.AddInt64(&r.refCount, 1); v <= 1 {
		panic("IncRef called on a reference count that reached zero")
	}
}

// DecRef decrements the reference count and returns true if this was the
// last reference (the count reached zero). Callers that receive true own
// the sole remaining path to the object and must release it.
func (r *AtomicRefCount) DecRef() bool {
	switch v := atomic.AddInt64(&r.refCount, -1); {
	case v < 0:
		panic("DecRef called on a reference count that was already zero")
	case v == 0:
		return true
	default:
		return false
	}
}
