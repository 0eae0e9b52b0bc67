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

package simguest

import "github.com/shadowbp/stealthbp/shadowbp"

// LeafEntry implements shadowbp.SLAT.
func (h *Harness) LeafEntry(guestPhysAddr uintptr) (shadowbp.SLATEntry, error) {
	page := pageOf(guestPhysAddr)
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[page]
	if !ok {
		e = &fakeEntry{}
		h.entries[page] = e
	}
	return entryHandle{e}, nil
}

// InvalidateAll implements shadowbp.SLAT.
func (h *Harness) InvalidateAll() {
	h.mu.Lock()
	h.invalidations++
	h.mu.Unlock()
}

// PhysicalAddress implements shadowbp.AddressTranslator. Host virtual
// and host physical addresses coincide in this harness.
func (h *Harness) PhysicalAddress(hostVA uintptr) (uintptr, error) {
	return hostVA, nil
}

// FrameNumber implements shadowbp.AddressTranslator.
func (h *Harness) FrameNumber(hostPA uintptr) uintptr {
	return hostPA >> pageShift
}

// ReadPage implements shadowbp.GuestMemory.
func (h *Harness) ReadPage(guestVA uintptr) ([shadowbp.PageSize]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out [shadowbp.PageSize]byte
	page, ok := h.guestPages[pageOf(guestVA)]
	if !ok {
		return out, errUnknownGuestPage(guestVA)
	}
	copy(out[:], page)
	return out, nil
}

// CurrentRoot implements shadowbp.AddressSpace.
func (h *Harness) CurrentRoot() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentRoot
}

// SetRoot implements shadowbp.AddressSpace.
func (h *Harness) SetRoot(root uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentRoot = root
}

// GuestCR3 implements shadowbp.VMCS.
func (h *Harness) GuestCR3() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guestCR3
}

// GuestRSP implements shadowbp.VMCS.
func (h *Harness) GuestRSP() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guestRSP
}

// GuestRFlags implements shadowbp.VMCS.
func (h *Harness) GuestRFlags() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guestRFlags
}

// SetGuestRFlags implements shadowbp.VMCS.
func (h *Harness) SetGuestRFlags(flags uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guestRFlags = flags
}

// ExecControls implements shadowbp.VMCS.
func (h *Harness) ExecControls() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execControls
}

// SetExecControls implements shadowbp.VMCS.
func (h *Harness) SetExecControls(v uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execControls = v
}

// CurrentThreadID implements shadowbp.ThreadIdentity.
func (h *Harness) CurrentThreadID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentThread
}

// InvalidateDataCaches implements shadowbp.CacheInvalidator.
func (h *Harness) InvalidateDataCaches() {
	h.mu.Lock()
	h.cacheInvalidations++
	h.mu.Unlock()
}

type errUnknownGuestPageErr struct{ addr uintptr }

func (e errUnknownGuestPageErr) Error() string {
	return "simguest: no guest page registered covering the given address"
}

func errUnknownGuestPage(addr uintptr) error {
	return errUnknownGuestPageErr{addr: addr}
}
