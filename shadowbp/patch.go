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

import "github.com/pkg/errors"

// BreakpointType classifies a PatchRecord as firing on function entry
// (Pre) or function return (Post).
type BreakpointType int

const (
	Pre BreakpointType = iota
	Post
)

func (t BreakpointType) String() string {
	if t == Pre {
		return "pre"
	}
	return "post"
}

// Parameters is a captured copy of a guest call site's arguments,
// threaded from a Pre handler into the eventual Post handler.
type Parameters map[string]uint64

// Clone returns an independent copy, so that overwriting a duplicate
// Post's captured parameters never aliases the caller's map.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// HandlerArgs is what a pre/post handler sees. It runs with the
// guest's address-space root already active.
type HandlerArgs struct {
	Record   *PatchRecord
	CPU      int
	GuestRSP uintptr
}

// Handler is a pre or post breakpoint callback. It executes outside
// the Registry lock and with the guest's CR3 loaded; any panic it
// raises propagates to the VM-exit dispatcher as a host bug check.
type Handler func(args HandlerArgs)

// shadowPair is the pair of shadow pages a tracked guest page shares
// across every PatchRecord on it. It is held by pointer so that
// sharing is pointer identity, not a copy.
type shadowPair struct {
	exec, rw             *ShadowPage
	execFrame, rwFrame   uintptr
	guestPage            uintptr // page-aligned guest VA
	guestFrame           uintptr // frame number of the real guest page, for Disable
}

// PatchRecord is one breakpoint's state.
type PatchRecord struct {
	Address     uintptr
	Type        BreakpointType
	Handler     Handler
	PostHandler Handler // only meaningful on Pre records
	HasOwner    bool
	OwnerThread uint64 // only meaningful on Post records
	Parameters  Parameters
	Name        string // truncated to at most maxNameLen bytes

	pair *shadowPair

	// seq is a diagnostic install-order sequence number assigned by
	// Registry.Insert; it carries no invariant and is not exported, so
	// neither the CLI's status output nor the tests read it.
	seq uint64
}

// maxNameLen bounds PatchRecord.Name, mirroring the fixed-size
// char array the original DdiMon-style PatchInformation::name used
// for diagnostics.
const maxNameLen = 31

func boundName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// ExecShadow and RWShadow expose the shared shadow pages for tests and
// diagnostics; they are the bytes a guest execution vs. a guest
// read/write of Address would actually see.
func (r *PatchRecord) ExecShadow() *ShadowPage { return r.pair.exec }
func (r *PatchRecord) RWShadow() *ShadowPage   { return r.pair.rw }
func (r *PatchRecord) ExecFrame() uintptr      { return r.pair.execFrame }
func (r *PatchRecord) RWFrame() uintptr        { return r.pair.rwFrame }
func (r *PatchRecord) GuestPage() uintptr      { return r.pair.guestPage }
func (r *PatchRecord) GuestFrame() uintptr     { return r.pair.guestFrame }

func pageOf(addr uintptr) uintptr {
	return addr &^ uintptr(PageSize-1)
}

func pageOffset(addr uintptr) uintptr {
	return addr & uintptr(PageSize-1)
}

// newShadowPair allocates a fresh exec/rw pair for the page containing
// addr and seeds both with the guest page's current contents.
func newShadowPair(addr uintptr, alloc PageAllocator, mem GuestMemory, xlate AddressTranslator) (*shadowPair, error) {
	exec, err := alloc.Allocate()
	if err != nil {
		return nil, &FatalError{Reason: "shadow page allocation failed: " + err.Error()}
	}
	rw, err := alloc.Allocate()
	if err != nil {
		return nil, &FatalError{Reason: "shadow page allocation failed: " + err.Error()}
	}
	if err := copyGuestPage(mem, addr, exec, rw); err != nil {
		return nil, errors.Wrap(err, "seeding shadow pair")
	}

	execPA, err := xlate.PhysicalAddress(exec.Addr())
	if err != nil {
		return nil, errors.Wrap(err, "translating exec shadow page")
	}
	rwPA, err := xlate.PhysicalAddress(rw.Addr())
	if err != nil {
		return nil, errors.Wrap(err, "translating rw shadow page")
	}
	guestPage := pageOf(addr)
	guestPA, err := xlate.PhysicalAddress(guestPage)
	if err != nil {
		return nil, errors.Wrap(err, "translating guest page")
	}

	return &shadowPair{
		exec:       exec,
		rw:         rw,
		execFrame:  xlate.FrameNumber(execPA),
		rwFrame:    xlate.FrameNumber(rwPA),
		guestPage:  guestPage,
		guestFrame: xlate.FrameNumber(guestPA),
	}, nil
}

// embedTrap overwrites the byte at addr's page offset within the exec
// shadow with 0xCC. The cache invalidation that must follow is the
// caller's responsibility (Engine.pairFor), since it is a global, not
// per-page, operation.
func embedTrap(pair *shadowPair, addr uintptr) {
	pair.exec.Bytes()[pageOffset(addr)] = 0xCC
}
