// Copyright 2026 The Stealthbp Authors.
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

package shadowbp

// PageSize is the guest page size the engine shadows. DdiMon-style
// stealth breakpoints only make sense at the architectural page
// granularity of the SLAT.
const PageSize = 4096

// SLATEntry is a single second-level page-table leaf entry covering one
// guest-physical page. Implementations come from the out-of-scope SLAT
// library; the engine only ever mutates the entry for the page it is
// currently shadowing.
type SLATEntry interface {
	// SetPermissions sets the exec/read/write bits of the entry.
	SetPermissions(exec, read, write bool)
	// SetFrame repoints the entry at the given host physical frame
	// number.
	SetFrame(pfn uintptr)
}

// SLAT is the second-level address translation library. It is consumed
// only through this interface; its implementation (EPT/NPT walking,
// TLB shootdown) is out of scope for this core.
type SLAT interface {
	// LeafEntry returns the leaf entry mapping guestPhysAddr.
	LeafEntry(guestPhysAddr uintptr) (SLATEntry, error)
	// InvalidateAll flushes every cached SLAT translation on every
	// logical processor.
	InvalidateAll()
}

// AddressTranslator resolves host virtual addresses (of shadow pages)
// to host physical addresses and physical frame numbers, the way the
// out-of-scope platform memory manager does.
type AddressTranslator interface {
	PhysicalAddress(hostVA uintptr) (uintptr, error)
	FrameNumber(hostPA uintptr) uintptr
}

// GuestMemory grants the VMM its direct, identity-mapped view of
// guest-physical memory. It is used only while allocating a fresh
// shadow pair for a newly tracked page, to seed both shadow pages.
type GuestMemory interface {
	ReadPage(guestVA uintptr) ([PageSize]byte, error)
}

// AddressSpace is the raw page-table-root register (CR3 on x86). It is
// distinct from the VMCS's cached host-CR3 field: it is what a pre/post
// handler invocation actually flips so it can dereference guest user
// memory, and what gets restored on every exit path.
type AddressSpace interface {
	CurrentRoot() uintptr
	SetRoot(uintptr)
}

// VMCS is the virtual-machine control structure field accessors the
// engine needs: the guest's page-table root, the guest stack pointer,
// the guest interrupt-enable flag, and the processor-based execution
// controls that carry the monitor-trap-flag bit.
type VMCS interface {
	GuestCR3() uintptr
	GuestRSP() uintptr
	GuestRFlags() uint64
	SetGuestRFlags(uint64)
	ExecControls() uint32
	SetExecControls(uint32)
}

// ThreadIdentity reports the guest-observable identity of the thread
// currently executing, used as a Post record's owner key.
type ThreadIdentity interface {
	CurrentThreadID() uint64
}

// CacheInvalidator flushes every CPU's data caches, distinct from
// SLAT.InvalidateAll's TLB shootdown. Required after every 0xCC embed
// so that subsequent instruction fetches through the SLAT observe the
// trap byte rather than a stale cache line. It is optional: when
// Config.Cache is nil the flush after an embed is skipped.
type CacheInvalidator interface {
	InvalidateDataCaches()
}

// PageAllocator provides non-paged, page-aligned scratch buffers for
// shadow pages. A real implementation bug-checks the host on
// allocation failure, since it is too deep in the VMM to recover from;
// here any error Allocate returns becomes a *FatalError and the
// installer bug-checks on it.
type PageAllocator interface {
	Allocate() (*ShadowPage, error)
}
