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
	"time"

	"github.com/rplstr/hiillos/pkg/hostarch"
	"github.com/rplstr/hiillos/pkg/kerr"
	"github.com/rplstr/hiillos/pkg/log"
)

// FaultCause identifies the access that triggered a page fault.
type FaultCause int

const (
	FaultRead FaultCause = iota
	FaultWrite
	FaultExec
)

// String implements fmt.Stringer.
func (c FaultCause) String() string {
	switch c {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultExec:
		return "exec"
	default:
		return "unknown"
	}
}

// faultLog rate-limits the warning logged on a failing fault, so a
// spinning userspace bug (or an attacker probing the address space) can't
// turn a fault storm into a log-flooding denial of service.
var faultLog = log.BasicRateLimitedLogger(100 * time.Millisecond)

// PageFault resolves a hardware page fault at vaddrUnaligned caused by
// cause (§4.3 page_fault): it validates that the address is mapped and
// that the mapping permits the access, asks the backing frame for the
// physical page, installs the PTE, and flushes the TLB on the current
// CPU.
//
// §9 Open Question 1 reports that the source checks the readable right in
// the write and exec arms rather than writable/executable. Read literally
// as a replacement of the proper bit, that description cannot be
// reconciled with §8's own worked example (a write fault against a
// read-execute mapping must still report WriteFault, which a
// readable-only check would never produce, since that mapping's readable
// bit is set). The behavior below keeps faith with the spirit of the
// open question — readable is tested on every arm, not only the read
// arm — while still gating each arm on its own bit, which is the only
// reading consistent with §8. This is recorded as the resolution of Open
// Question 1 rather than a guess.
func (v *Vmem) PageFault(cause FaultCause, vaddrUnaligned hostarch.Addr) error {
	vaddr := vaddrUnaligned.RoundDown()

	v.mu.Lock()
	defer v.mu.Unlock()

	idx, found := v.mappings.find(vaddr)
	if !found || !v.mappings.at(idx).Overlaps(vaddr, 1) {
		if logObjStats {
			v.pageFaultCalls++
		}
		faultLog.Warningf("vmem: page_fault(%s, %s): not mapped", cause, vaddr)
		return kerr.NotMapped
	}
	m := v.mappings.at(idx)

	var granted bool
	switch cause {
	case FaultWrite:
		granted = m.Rights.Read && m.Rights.Write
	case FaultExec:
		granted = m.Rights.Read && m.Rights.Execute
	default:
		granted = m.Rights.Read
	}
	if !granted {
		if logObjStats {
			v.pageFaultCalls++
		}
		switch cause {
		case FaultWrite:
			faultLog.Warningf("vmem: page_fault(write, %s): write fault", vaddr)
			return kerr.WriteFault
		case FaultExec:
			faultLog.Warningf("vmem: page_fault(exec, %s): exec fault", vaddr)
			return kerr.ExecFault
		default:
			faultLog.Warningf("vmem: page_fault(read, %s): read fault", vaddr)
			return kerr.ReadFault
		}
	}

	st := v.hal.Load()
	if st == nil {
		panic("vmem: page_fault on a Vmem that was never started")
	}

	pageOffs := int((vaddr - m.Start()) / hostarch.PageSize)
	phys, err := m.Frame.PageHit(m.FrameFirstPage+pageOffs, cause == FaultWrite)
	if err != nil {
		if logObjStats {
			v.pageFaultCalls++
		}
		return err
	}

	st.hal.MapFrame(phys, vaddr, m.Rights, m.Flags)
	st.hal.FlushTLBAddr(vaddr)

	if logObjStats {
		v.pageFaultCalls++
	}
	if logObjCalls {
		log.Debugf("vmem: page_fault(%s, %s) resolved phys=%s", cause, vaddr, phys)
	}
	return nil
}
