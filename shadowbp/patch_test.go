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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// identityTranslator treats host VA as PA and derives frames by shift,
// enough to exercise newShadowPair without pulling in simguest (which
// would import this package).
type identityTranslator struct{}

func (identityTranslator) PhysicalAddress(va uintptr) (uintptr, error) { return va, nil }
func (identityTranslator) FrameNumber(pa uintptr) uintptr              { return pa >> 12 }

type fixedGuestMemory struct{ page [PageSize]byte }

func (m fixedGuestMemory) ReadPage(uintptr) ([PageSize]byte, error) { return m.page, nil }

func TestNewShadowPairCopiesGuestPageIntoBoth(t *testing.T) {
	var mem fixedGuestMemory
	mem.page[5] = 0x90

	pair, err := newShadowPair(0x401000+5, NewPageAllocator(), mem, identityTranslator{})
	if err != nil {
		t.Fatalf("newShadowPair() error = %v", err)
	}
	if pair.exec.Bytes()[5] != 0x90 || pair.rw.Bytes()[5] != 0x90 {
		t.Fatalf("shadow pair does not carry guest page contents")
	}
}

func TestEmbedTrapOnlyTouchesExecShadow(t *testing.T) {
	var mem fixedGuestMemory
	addr := uintptr(0x401000 + 5)
	pair, err := newShadowPair(addr, NewPageAllocator(), mem, identityTranslator{})
	if err != nil {
		t.Fatalf("newShadowPair() error = %v", err)
	}
	embedTrap(pair, addr)

	if pair.exec.Bytes()[5] != 0xCC {
		t.Fatalf("exec shadow byte = %#x, want 0xCC", pair.exec.Bytes()[5])
	}
	if pair.rw.Bytes()[5] == 0xCC {
		t.Fatalf("rw shadow carries the trap byte")
	}
}

func TestBoundNameTruncates(t *testing.T) {
	long := strings.Repeat("x", maxNameLen+10)
	got := boundName(long)
	if len(got) != maxNameLen {
		t.Fatalf("boundName length = %d, want %d", len(got), maxNameLen)
	}
}

func TestParametersCloneIsIndependent(t *testing.T) {
	orig := Parameters{"x": 0xAA}
	clone := orig.Clone()
	clone["x"] = 0xBB

	if diff := cmp.Diff(Parameters{"x": 0xAA}, orig); diff != "" {
		t.Fatalf("Clone mutated the original (-want +got):\n%s", diff)
	}
}
