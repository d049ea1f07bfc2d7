// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package xsync provides thin aliases over the standard sync package,
// matching the shape of gVisor's pkg/sync/aliases.go. The generated
// checklocks lock-order validator that the teacher layers on top of these
// aliases is a build-time lint tool wired into gVisor's own CI pipeline;
// it has no runtime behavior of its own, so it is not reproduced here.
package xsync

import "sync"

// Mutex is an alias of sync.Mutex.
//
// The Vmem lock (§5) is documented as a short-critical-section spinlock
// rather than a blocking mutex: every public Vmem method holds it for O(log
// n) lookups and O(1)-to-O(n) slice edits, never across a blocking call.
// The Go runtime does not expose a raw spinlock primitive to userspace
// code, and sync.Mutex already degrades to spinning for the very short
// hold times this lock sees before falling back to parking, so it is the
// idiomatic stand-in.
type Mutex = sync.Mutex

// RWMutex is an alias of sync.RWMutex.
type RWMutex = sync.RWMutex

// Locker is an alias of sync.Locker.
type Locker = sync.Locker
