// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
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

package m4u

import (
	"sync"
	"sync/atomic"
)

// Master identifiers, as listed in device firmware descriptions, encode
// the local arbiter and port of each bus master.
const (
	M4U_ID_PORT = 0
	M4U_ID_LARB = 5
)

// M4UID returns the master identifier of a local arbiter port.
func M4UID(larb int, port int) uint32 {
	return uint32(larb)<<M4U_ID_LARB | uint32(port)&0x1f
}

// LarbOf returns the local arbiter of a master identifier.
func LarbOf(id uint32) int {
	return int(get(id, M4U_ID_LARB, 0x1f))
}

// PortOf returns the port of a master identifier.
func PortOf(id uint32) int {
	return int(get(id, M4U_ID_PORT, 0x1f))
}

// PortMask returns the bitmask of the ports declared by master identifiers.
func PortMask(ids []uint32) (m uint32) {
	for _, id := range ids {
		m |= 1 << PortOf(id)
	}

	return
}

// BankRef addresses a bank within the instance registry.
type BankRef struct {
	Instance int
	Bank     int
}

// Bank represents an independently addressable translation unit of an M4U
// instance.
type Bank struct {
	ID     int
	IRQ    int
	Secure bool

	// nil for secure banks
	regs Window

	// serialises TLB invalidation sequences
	tlb sync.Mutex

	dom atomic.Pointer[Domain]

	// runtime PM context
	intCtrl0 uint32
	intMain  uint32
	ivrp     uint32
}

// Domain returns the domain bound to the bank, if any.
func (b *Bank) Domain() *Domain {
	return b.dom.Load()
}

// ResolveBank returns the bank serving a set of master ports: the first
// enabled bank whose port mask intersects them, or bank 0.
func ResolveBank(banks []BankSpec, ports uint32) int {
	if len(banks) == 1 {
		return 0
	}

	for i, b := range banks {
		if b.Enabled && b.PortMask&ports != 0 {
			return i
		}
	}

	return 0
}
