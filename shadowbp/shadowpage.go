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

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ShadowPage is a non-pageable, page-aligned 4 KiB buffer owning one
// copy of a guest page. Two exist per tracked guest page: the exec
// copy (carries the trap byte) and the rw copy (pristine). The buffer
// itself provides no synchronization; callers serialize access through
// the Registry lock.
type ShadowPage struct {
	buf     []byte // over-allocated backing slice
	aligned uintptr
}

// Bytes returns the page-aligned PageSize-byte view of the buffer.
func (p *ShadowPage) Bytes() []byte {
	off := p.aligned - uintptr(unsafe.Pointer(&p.buf[0]))
	return p.buf[off : off+PageSize]
}

// Addr returns the host virtual address of the page-aligned buffer,
// for passing to an AddressTranslator.
func (p *ShadowPage) Addr() uintptr {
	return p.aligned
}

// defaultAllocator is the PageAllocator used when a Config doesn't
// supply one. It mlocks each page so it cannot be paged out from under
// a VM-exit handler; mlock failure (e.g. running unprivileged, or a
// missing RLIMIT_MEMLOCK) is not fatal: it is passed to onMlockFail
// when that is set, and is otherwise ignored.
type defaultAllocator struct {
	onMlockFail func(error)
}

// NewPageAllocator returns the default non-paged, page-aligned
// ShadowPage allocator. Its Allocate never returns an error.
func NewPageAllocator() PageAllocator {
	return &defaultAllocator{}
}

func (a *defaultAllocator) Allocate() (*ShadowPage, error) {
	// Over-allocate by one page so we can find a page-aligned window
	// inside the slice; Go does not otherwise guarantee the alignment
	// a real non-paged pool allocator would give for free.
	buf := make([]byte, 2*PageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + PageSize - 1) &^ uintptr(PageSize-1)
	p := &ShadowPage{buf: buf, aligned: aligned}

	if err := unix.Mlock(p.Bytes()); err != nil {
		if a.onMlockFail != nil {
			a.onMlockFail(err)
		}
	}
	return p, nil
}

// copyGuestPage fills both halves of a freshly allocated shadow pair
// with the contents of the guest page containing addr.
func copyGuestPage(mem GuestMemory, addr uintptr, exec, rw *ShadowPage) error {
	page, err := mem.ReadPage(addr)
	if err != nil {
		return errors.Wrapf(err, "reading guest page for %#x", addr)
	}
	copy(exec.Bytes(), page[:])
	copy(rw.Bytes(), page[:])
	return nil
}
