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

// NewEngine wires a fresh Harness's collaborators into a
// *shadowbp.Engine, applying any overrides the caller supplies (e.g. a
// specific Processors count or Logger). It returns both so tests and
// the CLI can drive the engine and inspect guest-visible state side
// by side.
func NewEngine(overrides shadowbp.Config) (*Harness, *shadowbp.Engine, error) {
	h := New()
	cfg := overrides
	cfg.SLAT = h
	cfg.Translator = h
	cfg.GuestMemory = h
	cfg.VMCS = h
	cfg.AddressSpace = h
	cfg.ThreadIdentity = h
	cfg.Cache = h

	eng, err := shadowbp.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return h, eng, nil
}
