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

// Package shadowbp implements a hypervisor-resident stealth breakpoint
// engine. It maintains two second-level (SLAT) views of every tracked
// guest page: an exec view carrying a trap byte and a read/write view
// holding the pristine original, and swaps between them across #BP,
// monitor-trap-flag, and SLAT-violation VM exits so that guest reads
// never observe the trap byte while guest execution always does.
//
// The package consumes the VMM, the SLAT leaf-entry library, and the
// VM-call dispatch glue only through the interfaces in interfaces.go;
// it does not bring up or tear down a real virtual machine.
package shadowbp
