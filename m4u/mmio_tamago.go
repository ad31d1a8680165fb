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

//go:build tamago
// +build tamago

package m4u

import (
	"sync/atomic"
	"unsafe"
)

var _ Barrier = MMIO{}

// MMIO represents a bank register window mapped at a physical address,
// the register space must be mapped as strongly ordered device memory.
type MMIO struct {
	Base uint32
}

func (m MMIO) ptr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(m.Base + off)))
}

// Read implements Window.
func (m MMIO) Read(off uint32) uint32 {
	return atomic.LoadUint32(m.ptr(off))
}

// Write implements Window.
func (m MMIO) Write(off uint32, val uint32) {
	atomic.StoreUint32(m.ptr(off), val)
}

// Barrier implements Barrier. Accesses to strongly ordered memory
// complete in program order and the atomic accessors are not reordered
// by the compiler, so no further synchronization is issued.
func (m MMIO) Barrier() {}

// Banks returns the windows of n consecutive banks starting at base.
func Banks(base uint32, n int) (w []Window) {
	for i := 0; i < n; i++ {
		w = append(w, MMIO{Base: base + uint32(i)*BANK_SIZE})
	}

	return
}
