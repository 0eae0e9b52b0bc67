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
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// InterruptLevel models the guest/VMM interrupt-request level a VM
// exit was taken at. EventHandler.OnBreakpoint refuses to run a
// handler above Dispatch: the engine cannot safely touch guest memory
// or block from a level that high.
type InterruptLevel int

const (
	Passive InterruptLevel = iota
	APC
	Dispatch
	DeviceIRQL
)

// monitorTrapFlagBit is the processor-based VM-execution-controls bit
// that requests a VM exit after the next guest instruction retires
// (Intel SDM: bit 27, "monitor trap flag").
const monitorTrapFlagBit uint32 = 1 << 27

// guestInterruptFlagBit is RFLAGS.IF.
const guestInterruptFlagBit uint64 = 1 << 9

// EventHandler composes the Registry and ShadowEngine into the full
// #BP / MTF / SLAT-violation state machine.
type EventHandler struct {
	registry *Registry
	engine   *ShadowEngine
	vmcs     VMCS
	addrSp   AddressSpace
	threads  ThreadIdentity
	procs    *procTable
	log      *logrus.Entry

	active atomic.Bool
}

// NewEventHandler wires the state machine's collaborators together.
func NewEventHandler(registry *Registry, engine *ShadowEngine, vmcs VMCS, addrSp AddressSpace, threads ThreadIdentity, numProcessors int, log *logrus.Entry) *EventHandler {
	return &EventHandler{
		registry: registry,
		engine:   engine,
		vmcs:     vmcs,
		addrSp:   addrSp,
		threads:  threads,
		procs:    newProcTable(numProcessors),
		log:      log,
	}
}

// SetActive flips whether the handler considers itself to have a live
// Registry; OnBreakpoint and OnSLATViolation return NotOurs while this
// is false. OnMonitorTrapFlag does not consult it.
func (h *EventHandler) SetActive(v bool) { h.active.Store(v) }

// withGuestAddressSpace saves the VMM's current address-space root,
// loads the guest's (read from the VMCS), runs fn, and restores the
// saved root on every exit path including a panic propagating through
// fn. The swap is unconditional even when the handler body looks
// trivial enough to skip it.
func (h *EventHandler) withGuestAddressSpace(fn func()) {
	prev := h.addrSp.CurrentRoot()
	h.addrSp.SetRoot(h.vmcs.GuestCR3())
	defer h.addrSp.SetRoot(prev)
	fn()
}

// armSingleStep switches rec's page to the rw shadow and arms MTF so
// the guest executes exactly one (patched) instruction cleanly before
// the next MTF exit restores the exec view. Used by all three state
// machine transitions into STEPPING.
func (h *EventHandler) armSingleStep(cpu int, rec *PatchRecord) {
	if err := h.engine.EnableRW(rec); err != nil {
		bugCheck(h.log, "SLAT programming failed arming single-step: "+err.Error(), logrus.Fields{"addr": rec.Address, "cpu": cpu})
	}
	flags := h.vmcs.GuestRFlags()
	savedIF := flags&guestInterruptFlagBit != 0
	if err := h.procs.slot(cpu).arm(rec, savedIF); err != nil {
		bugCheck(h.log, err.(*FatalError).Reason, logrus.Fields{"addr": rec.Address, "cpu": cpu})
	}
	h.vmcs.SetGuestRFlags(flags &^ guestInterruptFlagBit)
	h.vmcs.SetExecControls(h.vmcs.ExecControls() | monitorTrapFlagBit)
}

// OnBreakpoint is the #BP VM-exit entry point.
func (h *EventHandler) OnBreakpoint(cpu int, guestAddr uintptr, level InterruptLevel) Disposition {
	if !h.active.Load() {
		return NotOurs
	}
	info := h.registry.FindByAddress(guestAddr)
	if info == nil {
		return NotOurs
	}
	if info.pair.rw.Bytes()[pageOffset(guestAddr)] == 0xCC {
		// The guest itself installed a real breakpoint here.
		return NotOurs
	}
	if level > Dispatch {
		bugCheck(h.log, "#BP taken above dispatch level", logrus.Fields{"addr": guestAddr, "cpu": cpu, "level": level})
	}

	h.withGuestAddressSpace(func() {
		args := HandlerArgs{Record: info, CPU: cpu, GuestRSP: h.vmcs.GuestRSP()}

		switch info.Type {
		case Pre:
			info.Handler(args)
			h.armSingleStep(cpu, info)

		case Post:
			if info.HasOwner && info.OwnerThread == h.threads.CurrentThreadID() {
				info.Handler(args)
				h.registry.Erase(info.Address, true, info.OwnerThread)
				if h.registry.CountOnPage(info.Address) == 0 {
					if err := h.engine.Disable(info); err != nil {
						bugCheck(h.log, "SLAT disable failed: "+err.Error(), logrus.Fields{"addr": info.Address, "cpu": cpu})
					}
				}
			} else {
				// A different thread hit this post: single-step
				// through it transparently without consuming it.
				h.armSingleStep(cpu, info)
			}
		}
	})

	return Handled
}

// OnMonitorTrapFlag is the MTF VM-exit entry point.
func (h *EventHandler) OnMonitorTrapFlag(cpu int) {
	rec, savedIF, err := h.procs.slot(cpu).retire()
	if err != nil {
		bugCheck(h.log, err.(*FatalError).Reason, logrus.Fields{"cpu": cpu})
	}
	if err := h.engine.EnableExec(rec); err != nil {
		bugCheck(h.log, "SLAT programming failed restoring exec view: "+err.Error(), logrus.Fields{"addr": rec.Address, "cpu": cpu})
	}
	h.vmcs.SetExecControls(h.vmcs.ExecControls() &^ monitorTrapFlagBit)
	flags := h.vmcs.GuestRFlags()
	if savedIF {
		flags |= guestInterruptFlagBit
	} else {
		flags &^= guestInterruptFlagBit
	}
	h.vmcs.SetGuestRFlags(flags)
}

// OnSLATViolation is the SLAT/EPT-violation VM-exit entry point.
func (h *EventHandler) OnSLATViolation(cpu int, faultAddr uintptr) Disposition {
	if !h.active.Load() {
		return NotOurs
	}
	info := h.registry.FindByPage(faultAddr)
	if info == nil {
		return NotOurs
	}
	h.armSingleStep(cpu, info)
	return Handled
}
