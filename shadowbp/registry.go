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

import "sync"

// Registry is the authoritative set of live PatchRecords, guarded by a
// single mutex that must be held for every lookup, insert, and erase.
// A real hypervisor would raise IRQL to dispatch level on acquisition
// the way a KSPIN_LOCK does, which a plain sync.Mutex cannot express
// in a hosted process — see DESIGN.md for why that gap is accepted
// rather than worked around.
//
// Lookups return raw borrows to records. Those borrows are safe to use
// after the lock is released only because VM-exit handlers for a given
// processor are, by construction, serialized with respect to any
// concurrent Erase of the same record; callers outside that discipline
// must not retain a borrow past the critical section.
type Registry struct {
	mu      sync.Mutex
	records []*PatchRecord
	nextSeq uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// FindByAddress returns the record with an exact address match, or
// nil.
func (r *Registry) FindByAddress(addr uintptr) *PatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Address == addr {
			return rec
		}
	}
	return nil
}

// FindByPage returns any record whose address shares a page with
// addr, or nil.
func (r *Registry) FindByPage(addr uintptr) *PatchRecord {
	page := pageOf(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if pageOf(rec.Address) == page {
			return rec
		}
	}
	return nil
}

// FindDuplicatePost returns the Post record already installed for
// (page(addr), thread), or nil.
func (r *Registry) FindDuplicatePost(addr uintptr, thread uint64) *PatchRecord {
	page := pageOf(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Type == Post && rec.HasOwner && rec.OwnerThread == thread && pageOf(rec.Address) == page {
			return rec
		}
	}
	return nil
}

// CountOnPage returns the number of live records sharing addr's page,
// used to decide whether removing one record should disarm shadowing
// for the whole page.
func (r *Registry) CountOnPage(addr uintptr) int {
	page := pageOf(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if pageOf(rec.Address) == page {
			n++
		}
	}
	return n
}

// Insert adds rec under the lock and assigns it a diagnostic sequence
// number.
func (r *Registry) Insert(rec *PatchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	rec.seq = r.nextSeq
	r.records = append(r.records, rec)
}

// Erase removes the unique record matching (address, owner).
// hasOwner/owner must match a Post record's (HasOwner, OwnerThread);
// pass hasOwner=false to match a Pre record. It reports whether a
// record was removed.
func (r *Registry) Erase(addr uintptr, hasOwner bool, owner uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.Address != addr || rec.HasOwner != hasOwner {
			continue
		}
		if hasOwner && rec.OwnerThread != owner {
			continue
		}
		r.records = append(r.records[:i], r.records[i+1:]...)
		return true
	}
	return false
}

// Clear removes every record, used by Terminate.
func (r *Registry) Clear() []*PatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.records
	r.records = nil
	return all
}

// Snapshot returns a shallow copy of the live record pointers for
// diagnostics (e.g. the CLI's status command). It must never be used
// to retain a borrow across a handler invocation.
func (r *Registry) Snapshot() []*PatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PatchRecord, len(r.records))
	copy(out, r.records)
	return out
}
