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

package shadowbp_test

import (
	"context"
	"testing"

	"github.com/shadowbp/stealthbp/shadowbp"
	"github.com/shadowbp/stealthbp/simguest"
)

func mustNewEngine(t *testing.T, overrides shadowbp.Config) (*simguest.Harness, *shadowbp.Engine) {
	t.Helper()
	h, eng, err := simguest.NewEngine(overrides)
	if err != nil {
		t.Fatalf("simguest.NewEngine() error = %v", err)
	}
	return h, eng
}

func recoverFatal(t *testing.T) *shadowbp.FatalError {
	t.Helper()
	r := recover()
	if r == nil {
		t.Fatalf("expected a panic carrying *shadowbp.FatalError, got none")
	}
	fe, ok := r.(*shadowbp.FatalError)
	if !ok {
		t.Fatalf("panic value = %#v (%T), want *shadowbp.FatalError", r, r)
	}
	return fe
}

func TestOnBreakpointFiresPreHandlerAndArmsSingleStep(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	addr := h.NewGuestPage([]byte{0x55, 0x48, 0x89, 0xE5})

	var fired int
	if _, err := eng.InstallPre(addr, func(shadowbp.HandlerArgs) { fired++ }, nil, "probe"); err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	disp := eng.OnBreakpoint(0, addr, shadowbp.Passive)
	if disp != shadowbp.Handled {
		t.Fatalf("OnBreakpoint() = %v, want Handled", disp)
	}
	if fired != 1 {
		t.Fatalf("pre handler fired %d times, want 1", fired)
	}

	// Single-step is now armed: a guest data read of addr must observe
	// the original byte, not the trap, because execution switched to
	// the rw view.
	if got := h.GuestRead(addr); got != 0x55 {
		t.Fatalf("GuestRead(addr) during single-step = %#x, want original byte 0x55", got)
	}
}

func TestOnBreakpointNotOursWhenInactive(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	addr := h.NewGuestPage([]byte{0x90})
	if _, err := eng.InstallPre(addr, func(shadowbp.HandlerArgs) {}, nil, "probe"); err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	eng.Terminate(context.Background())

	if disp := eng.OnBreakpoint(0, addr, shadowbp.Passive); disp != shadowbp.NotOurs {
		t.Fatalf("OnBreakpoint() after Terminate = %v, want NotOurs", disp)
	}
}

func TestOnBreakpointNotOursForUnknownAddress(t *testing.T) {
	_, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	if disp := eng.OnBreakpoint(0, 0xdeadbeef, shadowbp.Passive); disp != shadowbp.NotOurs {
		t.Fatalf("OnBreakpoint(unknown) = %v, want NotOurs", disp)
	}
}

func TestOnBreakpointNotOursWhenGuestOwnsTheTrap(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	addr := h.NewGuestPage([]byte{0x90, 0x90})
	rec, err := eng.InstallPre(addr, func(shadowbp.HandlerArgs) {}, nil, "probe")
	if err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	// Simulate the guest itself poking a real 0xCC into the rw view at
	// the same address after our shadow pair was seeded.
	rec.RWShadow().Bytes()[0] = 0xCC

	if disp := eng.OnBreakpoint(0, addr, shadowbp.Passive); disp != shadowbp.NotOurs {
		t.Fatalf("OnBreakpoint(guest-owned trap) = %v, want NotOurs", disp)
	}
}

func TestOnBreakpointAboveDispatchLevelIsFatal(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	addr := h.NewGuestPage([]byte{0x90})
	if _, err := eng.InstallPre(addr, func(shadowbp.HandlerArgs) {}, nil, "probe"); err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}

	defer func() {
		if fe := recover(); fe == nil {
			t.Fatalf("expected a panic carrying *shadowbp.FatalError, got none")
		} else if ferr, ok := fe.(*shadowbp.FatalError); !ok {
			t.Fatalf("panic value = %#v (%T), want *shadowbp.FatalError", fe, fe)
		} else if ferr.Reason == "" {
			t.Fatalf("FatalError.Reason is empty")
		}
	}()
	eng.OnBreakpoint(0, addr, shadowbp.DeviceIRQL)
}

func TestPostFiresOnOwningThreadAndConsumesOnlyItsOwnRecord(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	entryAddr := h.NewGuestPage([]byte{0x55})
	returnAddr := entryAddr + 1 // same page as the entry probe

	var postFired int
	var capturedParams shadowbp.Parameters
	preInfo, err := eng.InstallPre(entryAddr, func(args shadowbp.HandlerArgs) {
		if err := eng.InstallAndEnablePost(returnAddr, args.Record, shadowbp.Parameters{"arg0": 7}); err != nil {
			t.Fatalf("InstallAndEnablePost() error = %v", err)
		}
	}, func(args shadowbp.HandlerArgs) {
		postFired++
		capturedParams = args.Record.Parameters
	}, "probe")
	if err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.SetCurrentThread(99)
	if disp := eng.OnBreakpoint(0, entryAddr, shadowbp.Passive); disp != shadowbp.Handled {
		t.Fatalf("OnBreakpoint(entry) = %v, want Handled", disp)
	}
	eng.OnMonitorTrapFlag(0) // retire the pre's single-step

	if disp := eng.OnBreakpoint(0, returnAddr, shadowbp.Passive); disp != shadowbp.Handled {
		t.Fatalf("OnBreakpoint(return) = %v, want Handled", disp)
	}
	if postFired != 1 {
		t.Fatalf("post handler fired %d times, want 1", postFired)
	}
	if capturedParams["arg0"] != 7 {
		t.Fatalf("captured params = %v, want arg0=7", capturedParams)
	}

	// Post consumed its own record; since the pre record is still on
	// the page, the page must remain shadowed (not disabled).
	if got := len(eng.Snapshot()); got != 1 {
		t.Fatalf("registry has %d records after post fires, want 1 (pre only)", got)
	}
	_ = preInfo
}

func TestPostOnDifferentThreadSingleStepsWithoutConsumingIt(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	entryAddr := h.NewGuestPage([]byte{0x55})

	preInfo, err := eng.InstallPre(entryAddr, func(shadowbp.HandlerArgs) {}, func(shadowbp.HandlerArgs) {
		t.Fatalf("post handler must not run for a different thread's hit")
	}, "probe")
	if err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	returnAddr := entryAddr + 2
	h.SetCurrentThread(1)
	if err := eng.InstallAndEnablePost(returnAddr, preInfo, shadowbp.Parameters{"a": 1}); err != nil {
		t.Fatalf("InstallAndEnablePost() error = %v", err)
	}

	h.SetCurrentThread(2) // a different thread hits the same return site
	disp := eng.OnBreakpoint(0, returnAddr, shadowbp.Passive)
	if disp != shadowbp.Handled {
		t.Fatalf("OnBreakpoint(foreign thread) = %v, want Handled", disp)
	}

	found := false
	for _, rec := range eng.Snapshot() {
		if rec.Address == returnAddr {
			found = true
		}
	}
	if !found {
		t.Fatalf("post record for returnAddr was consumed by a non-owning thread's hit")
	}

	eng.OnMonitorTrapFlag(0) // retire the single-step so the slot isn't left armed
}

func TestDuplicatePostInstallOverwritesParametersInPlace(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	entryAddr := h.NewGuestPage([]byte{0x55})
	returnAddr := entryAddr + 2

	preInfo, err := eng.InstallPre(entryAddr, func(shadowbp.HandlerArgs) {}, func(shadowbp.HandlerArgs) {}, "probe")
	if err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	h.SetCurrentThread(5)
	if err := eng.InstallAndEnablePost(returnAddr, preInfo, shadowbp.Parameters{"a": 1}); err != nil {
		t.Fatalf("first InstallAndEnablePost() error = %v", err)
	}
	before := len(eng.Snapshot())

	if err := eng.InstallAndEnablePost(returnAddr, preInfo, shadowbp.Parameters{"a": 2}); err != nil {
		t.Fatalf("second InstallAndEnablePost() error = %v", err)
	}
	after := len(eng.Snapshot())
	if before != after {
		t.Fatalf("duplicate post install changed record count: before=%d after=%d", before, after)
	}

	var params shadowbp.Parameters
	for _, rec := range eng.Snapshot() {
		if rec.Address == returnAddr {
			params = rec.Parameters
		}
	}
	if params["a"] != 2 {
		t.Fatalf("duplicate post install did not overwrite params in place: got %v", params)
	}
}

func TestOnMonitorTrapFlagRestoresExecViewAndInterruptFlag(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	addr := h.NewGuestPage([]byte{0x7f})
	if _, err := eng.InstallPre(addr, func(shadowbp.HandlerArgs) {}, nil, "probe"); err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}

	eng.OnBreakpoint(0, addr, shadowbp.Passive) // arms single-step, clears IF

	eng.OnMonitorTrapFlag(0)

	if got := h.GuestRead(addr); got != 0xCC {
		t.Fatalf("GuestRead(addr) after MTF retire = %#x, want 0xCC (exec view restored)", got)
	}
	if h.GuestRFlags()&(1<<9) == 0 {
		t.Fatalf("guest RFLAGS.IF after MTF retire is clear, want it restored to set")
	}
}

func TestOnMonitorTrapFlagOnEmptySlotIsFatal(t *testing.T) {
	_, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	defer recoverFatal(t)
	eng.OnMonitorTrapFlag(0)
}

func TestOnSLATViolationArmsSingleStepForTrackedPage(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	addr := h.NewGuestPage([]byte{0x42})
	if _, err := eng.InstallPre(addr, func(shadowbp.HandlerArgs) {}, nil, "probe"); err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	disp := eng.OnSLATViolation(0, addr)
	if disp != shadowbp.Handled {
		t.Fatalf("OnSLATViolation(tracked page) = %v, want Handled", disp)
	}
	if got := h.GuestRead(addr); got != 0x42 {
		t.Fatalf("GuestRead(addr) after SLAT violation = %#x, want original byte 0x42", got)
	}
	eng.OnMonitorTrapFlag(0)
}

func TestOnSLATViolationNotOursForUntrackedPage(t *testing.T) {
	_, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	if disp := eng.OnSLATViolation(0, 0x900000); disp != shadowbp.NotOurs {
		t.Fatalf("OnSLATViolation(untracked) = %v, want NotOurs", disp)
	}
}

// TestInstallingASecondRecordOnAnAlreadyShadowedPageStillEmbedsItsOwnTrap
// guards against reusing a page's shadow pair without re-embedding the
// trap byte for the new address: each address on a shared page needs
// its own 0xCC, not just the first one installed.
func TestInstallingASecondRecordOnAnAlreadyShadowedPageStillEmbedsItsOwnTrap(t *testing.T) {
	h, eng := mustNewEngine(t, shadowbp.Config{Processors: 1})
	entryAddr := h.NewGuestPage([]byte{0x55, 0x90, 0x90, 0x90})
	returnAddr := entryAddr + 2

	preInfo, err := eng.InstallPre(entryAddr, func(shadowbp.HandlerArgs) {}, func(shadowbp.HandlerArgs) {}, "probe")
	if err != nil {
		t.Fatalf("InstallPre() error = %v", err)
	}
	if err := eng.InstallAndEnablePost(returnAddr, preInfo, shadowbp.Parameters{}); err != nil {
		t.Fatalf("InstallAndEnablePost() error = %v", err)
	}

	post := preInfo // same shared pair
	if got := post.ExecShadow().Bytes()[0]; got != 0xCC {
		t.Fatalf("entry offset exec shadow byte = %#x, want 0xCC", got)
	}
	if got := post.ExecShadow().Bytes()[2]; got != 0xCC {
		t.Fatalf("reused pair's exec shadow at the second address = %#x, want 0xCC", got)
	}
	if got := post.RWShadow().Bytes()[2]; got == 0xCC {
		t.Fatalf("rw shadow carries the trap byte at the reused address")
	}
}
