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

// Package simguest is an in-process fake of the collaborators
// shadowbp.Engine consumes: a SLAT, an address translator, guest
// memory, a VMCS, the raw address-space root register, and thread
// identity. It stands in for the out-of-scope SLAT library and VM-call
// dispatch glue so the state machine in package shadowbp can be driven
// end to end without real VMX/EPT hardware.
//
// Guest pages and shadow pages are both ordinary page-aligned Go
// buffers; PhysicalAddress is the identity function and FrameNumber is
// a plain shift, so a frame number always round-trips back to the
// buffer it came from.
package simguest

import (
	"sync"
	"unsafe"

	"github.com/shadowbp/stealthbp/shadowbp"
)

const (
	pageSize  = shadowbp.PageSize
	pageShift = 12
)

func pageOf(addr uintptr) uintptr   { return addr &^ uintptr(pageSize-1) }
func offsetOf(addr uintptr) uintptr { return addr & uintptr(pageSize-1) }

// allocPage returns a fresh page-aligned pageSize buffer and its host
// virtual address.
func allocPage() (buf []byte, addr uintptr) {
	raw := make([]byte, 2*pageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(pageSize-1)) &^ uintptr(pageSize-1)
	off := aligned - base
	return raw[off : off+pageSize], aligned
}

func bytesAt(addr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), pageSize)
}

type fakeEntry struct {
	exec, read, write bool
	frame             uintptr
}

// entryHandle implements shadowbp.SLATEntry over a single fakeEntry.
type entryHandle struct{ e *fakeEntry }

func (h entryHandle) SetPermissions(exec, read, write bool) {
	h.e.exec, h.e.read, h.e.write = exec, read, write
}
func (h entryHandle) SetFrame(pfn uintptr) { h.e.frame = pfn }

// Harness implements every collaborator interface in shadowbp, plus
// a handful of test/demo helpers (NewGuestPage, GuestRead,
// SetCurrentThread) for driving and observing the engine.
type Harness struct {
	mu sync.Mutex

	guestPages map[uintptr][]byte // page-aligned guest VA -> backing buffer
	entries    map[uintptr]*fakeEntry

	currentRoot   uintptr
	guestCR3      uintptr
	guestRSP      uintptr
	guestRFlags   uint64
	execControls  uint32
	currentThread uint64

	invalidations      int
	cacheInvalidations int
}

// New returns a Harness with the guest's CR3 fixed at an arbitrary
// non-zero value and the VMM's CR3 (the initial "current root")
// distinct from it, the way a real boot would leave them.
func New() *Harness {
	return &Harness{
		guestPages:  make(map[uintptr][]byte),
		entries:     make(map[uintptr]*fakeEntry),
		currentRoot: 0x1000,
		guestCR3:    0x2000,
		guestRFlags: 1 << 9, // IF set, matching a running guest thread
	}
}

// NewGuestPage allocates a guest page seeded with content (zero-padded
// or truncated to pageSize) and returns its address, for use as a
// PatchRecord target.
func (h *Harness) NewGuestPage(content []byte) uintptr {
	buf, addr := allocPage()
	n := copy(buf, content)
	for ; n < pageSize; n++ {
		buf[n] = 0
	}
	h.mu.Lock()
	h.guestPages[addr] = buf
	h.mu.Unlock()
	return addr
}

// GuestRead returns the byte a guest load of addr would currently
// observe: the exec shadow's, the rw shadow's, or the real guest
// page's, depending on which frame the SLAT entry for addr's page is
// currently pointed at.
func (h *Harness) GuestRead(addr uintptr) byte {
	page := pageOf(addr)
	h.mu.Lock()
	e := h.entries[page]
	h.mu.Unlock()
	if e == nil {
		return h.rawGuestByte(addr)
	}
	return bytesAt(e.frame << pageShift)[offsetOf(addr)]
}

func (h *Harness) rawGuestByte(addr uintptr) byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guestPages[pageOf(addr)][offsetOf(addr)]
}

// SetCurrentThread changes the thread identity CurrentThreadID
// reports, simulating a different guest thread executing.
func (h *Harness) SetCurrentThread(tid uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentThread = tid
}

// SetGuestRSP sets the value GuestRSP() reports.
func (h *Harness) SetGuestRSP(rsp uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guestRSP = rsp
}

// Invalidations reports how many times InvalidateAll was called, for
// assertions that SLAT mutation is always followed by a flush.
func (h *Harness) Invalidations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalidations
}
