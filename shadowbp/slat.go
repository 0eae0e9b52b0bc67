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

// ShadowEngine programs the SLAT leaf entry covering a tracked guest
// page. Every call touches exactly one leaf entry and ends with a
// global SLAT invalidation.
type ShadowEngine struct {
	slat SLAT
}

// NewShadowEngine wraps the given SLAT library handle.
func NewShadowEngine(slat SLAT) *ShadowEngine {
	return &ShadowEngine{slat: slat}
}

func (e *ShadowEngine) leafFor(rec *PatchRecord) (SLATEntry, error) {
	entry, err := e.slat.LeafEntry(rec.pair.guestPage)
	if err != nil {
		return nil, errors.Wrapf(err, "leaf entry for guest page %#x", rec.pair.guestPage)
	}
	return entry, nil
}

// EnableExec switches the page to execute-only, backed by the exec
// shadow. This is the armed state.
func (e *ShadowEngine) EnableExec(rec *PatchRecord) error {
	entry, err := e.leafFor(rec)
	if err != nil {
		return err
	}
	entry.SetPermissions(true, false, false)
	entry.SetFrame(rec.pair.execFrame)
	e.slat.InvalidateAll()
	return nil
}

// EnableRW switches the page to read/write/exec, backed by the
// pristine rw shadow. This is the transient state during single-step.
func (e *ShadowEngine) EnableRW(rec *PatchRecord) error {
	entry, err := e.leafFor(rec)
	if err != nil {
		return err
	}
	entry.SetPermissions(true, true, true)
	entry.SetFrame(rec.pair.rwFrame)
	e.slat.InvalidateAll()
	return nil
}

// Disable restores the identity mapping: full permissions, backed by
// the guest's own physical frame. This removes the patch.
func (e *ShadowEngine) Disable(rec *PatchRecord) error {
	entry, err := e.leafFor(rec)
	if err != nil {
		return err
	}
	entry.SetPermissions(true, true, true)
	entry.SetFrame(rec.pair.guestFrame)
	e.slat.InvalidateAll()
	return nil
}
