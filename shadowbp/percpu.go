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

// procSlot is the per-logical-processor last-event state: it holds the
// last-event slot (non-nil iff MTF is armed on this processor) and the
// saved guest interrupt-enable flag.
type procSlot struct {
	mu        sync.Mutex
	lastEvent *PatchRecord
	savedIF   bool
	armed     bool
}

// procTable is a fixed-size array of procSlots indexed by logical
// processor id.
type procTable struct {
	slots []procSlot
}

func newProcTable(n int) *procTable {
	if n < 1 {
		n = 1
	}
	return &procTable{slots: make([]procSlot, n)}
}

func (t *procTable) slot(cpu int) *procSlot {
	return &t.slots[cpu%len(t.slots)]
}

// arm sets the last-event slot for cpu and records the caller's saved
// interrupt flag. It is a FatalError (MTF slot already occupied) to
// arm a slot that is already armed.
func (s *procSlot) arm(rec *PatchRecord, savedIF bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return &FatalError{Reason: "MTF slot already occupied on arm"}
	}
	s.lastEvent = rec
	s.savedIF = savedIF
	s.armed = true
	return nil
}

// retire clears the last-event slot and returns the record that was
// in it along with the saved interrupt flag. It is a FatalError (MTF
// slot empty on retire) to retire an unarmed slot.
func (s *procSlot) retire() (*PatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return nil, false, &FatalError{Reason: "MTF slot empty on retire"}
	}
	rec := s.lastEvent
	savedIF := s.savedIF
	s.lastEvent = nil
	s.armed = false
	return rec, savedIF, nil
}
