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

// InstallPre builds a Pre record targeting address and inserts it into
// the Registry. Shadowing is not programmed per-call — the next Start
// bulk-arms it.
func (e *Engine) InstallPre(address uintptr, pre, post Handler, name string) (*PatchRecord, error) {
	pair, err := e.pairFor(address)
	if err != nil {
		return nil, err
	}
	rec := &PatchRecord{
		Address:     address,
		Type:        Pre,
		Handler:     pre,
		PostHandler: post,
		Name:        boundName(name),
		pair:        pair,
	}
	e.registry.Insert(rec)
	e.log.WithFields(map[string]interface{}{"addr": address, "name": rec.Name}).Info("installed pre breakpoint")
	return rec, nil
}

// InstallAndEnablePost is called from within a Pre handler to arm the
// matching return-site breakpoint. If a duplicate Post already exists
// for (page(address), current thread), its captured parameters are
// overwritten in place and nothing else happens. Otherwise a new Post
// record is built, inserted, and immediately enabled.
func (e *Engine) InstallAndEnablePost(address uintptr, preInfo *PatchRecord, params Parameters) error {
	tid := e.cfg.ThreadIdentity.CurrentThreadID()

	if dup := e.registry.FindDuplicatePost(address, tid); dup != nil {
		dup.Parameters = params.Clone()
		return nil
	}

	pair, err := e.pairFor(address)
	if err != nil {
		return err
	}
	rec := &PatchRecord{
		Address:     address,
		Type:        Post,
		Handler:     preInfo.PostHandler,
		HasOwner:    true,
		OwnerThread: tid,
		Parameters:  params.Clone(),
		Name:        preInfo.Name,
		pair:        pair,
	}
	e.registry.Insert(rec)
	if err := e.shadow.EnableExec(rec); err != nil {
		return errors.Wrap(err, "enabling post breakpoint")
	}
	e.log.WithFields(map[string]interface{}{"addr": address, "thread": tid, "name": rec.Name}).Info("installed post breakpoint")
	return nil
}

// pairFor reuses an existing page's shadow pair if one of its records
// is already tracked, otherwise allocates and seeds a fresh pair.
// Either way, the trap byte for this specific address is (re-)embedded
// and followed by a cache invalidation — a shared pair only saves the
// allocation, not the embed, since each address on the page needs its
// own byte trapped. A shadow page allocation failure is a bug check.
func (e *Engine) pairFor(address uintptr) (*shadowPair, error) {
	pair := (*shadowPair)(nil)
	if existing := e.registry.FindByPage(address); existing != nil {
		pair = existing.pair
	} else {
		p, err := newShadowPair(address, e.cfg.Allocator, e.cfg.GuestMemory, e.cfg.Translator)
		if err != nil {
			if fe, ok := err.(*FatalError); ok {
				bugCheck(e.log, fe.Reason, map[string]interface{}{"addr": address})
			}
			return nil, err
		}
		pair = p
	}
	embedTrap(pair, address)
	if e.cfg.Cache != nil {
		e.cfg.Cache.InvalidateDataCaches()
	}
	return pair, nil
}

// OnBreakpoint is the #BP VM-exit entry point.
func (e *Engine) OnBreakpoint(cpu int, guestAddr uintptr, level InterruptLevel) Disposition {
	return e.handler.OnBreakpoint(cpu, guestAddr, level)
}

// OnMonitorTrapFlag is the MTF VM-exit entry point.
func (e *Engine) OnMonitorTrapFlag(cpu int) {
	e.handler.OnMonitorTrapFlag(cpu)
}

// OnSLATViolation is the SLAT-violation VM-exit entry point.
func (e *Engine) OnSLATViolation(cpu int, faultAddr uintptr) Disposition {
	return e.handler.OnSLATViolation(cpu, faultAddr)
}

// Snapshot returns a diagnostic copy of the live registry, for the CLI
// status command and for tests.
func (e *Engine) Snapshot() []*PatchRecord {
	return e.registry.Snapshot()
}
