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
	"github.com/usbarmory/tamago/bits"
)

// M4U bank registers
const (
	M4U_PT_BASE_ADDR = 0x000
	PT_BASE_ADDR     = 7
	PT_BASE_ADDR_EXT = 0

	M4U_INVALIDATE   = 0x020
	INVALIDATE_RANGE = 0
	INVALIDATE_ALL   = 1

	M4U_INVLD_START_A = 0x024
	M4U_INVLD_END_A   = 0x028

	M4U_INV_SEL_GEN2 = 0x02c
	M4U_INV_SEL_GEN1 = 0x038
	INVLD_EN0        = 0
	INVLD_EN1        = 1

	M4U_MISC_CTRL           = 0x048
	MISC_IN_ORDER_WR_EN     = 1
	MISC_STANDARD_AXI_MODE  = 3
	MISC_IN_ORDER_WR_EN1    = 17
	MISC_STANDARD_AXI_MODE1 = 19

	M4U_DCM_DIS = 0x050
	DCM_DIS     = 8

	M4U_WR_LEN_CTRL = 0x054
	WR_THROT_DIS    = 5
	WR_THROT_DIS1   = 21

	M4U_CTRL_REG                   = 0x110
	CTRL_PREFETCH_RT_REPLACE       = 4
	CTRL_TF_PROT_TO_PROGRAM        = 4
	CTRL_TF_PROT_TO_PROGRAM_MT8173 = 5
	TF_PROT_TO_PROGRAM_ADDR        = 2

	M4U_IVRP_PADDR = 0x114
	IVRP_4GB       = 31

	M4U_VLD_PA_RNG = 0x118
	VLD_PA_RNG_SA  = 0
	VLD_PA_RNG_EA  = 8

	M4U_INT_CONTROL0           = 0x120
	INT_L2_MULTI_HIT           = 0
	INT_TABLE_WALK_FAULT       = 1
	INT_PREFETCH_FIFO_OVERFLOW = 2
	INT_MISS_FIFO_OVERFLOW     = 3
	INT_PREFETCH_FIFO_ERR      = 5
	INT_MISS_FIFO_ERR          = 6
	INT_CLR                    = 12

	M4U_INT_MAIN_CONTROL      = 0x124
	INT_TRANSLATION_FAULT     = 0
	INT_MAIN_MULTI_HIT_FAULT  = 1
	INT_INVALID_PA_FAULT      = 2
	INT_ENTRY_REPLACEMENT     = 3
	INT_TLB_MISS_FAULT        = 4
	INT_MISS_TRANSACTION_FIFO = 5
	INT_PREFETCH_TRANSACTION  = 6
	INT_MMU1                  = 7

	M4U_CPE_DONE = 0x12c

	M4U_FAULT_ST1  = 0x134
	FAULT_ST1_MMU0 = 0
	FAULT_ST1_MMU1 = 7
	FAULT_ST1_MASK = 0x7f

	M4U_MMU0_FAULT_VA = 0x13c
	M4U_MMU0_INVLD_PA = 0x140
	M4U_MMU1_FAULT_VA = 0x144
	M4U_MMU1_INVLD_PA = 0x148
	M4U_MMU0_INT_ID   = 0x150
	M4U_MMU1_INT_ID   = 0x154

	FAULT_VA_LAYER = 0
	FAULT_VA_WRITE = 1
	FAULT_PA_34_32 = 6
	FAULT_VA_34_32 = 9
	FAULT_VA_31_12 = 12
)

const (
	// PROTECT_PA_ALIGN is the alignment of the translation fault scratch
	// buffer.
	PROTECT_PA_ALIGN = 256
	// BANK_SIZE is the register window size of each bank.
	BANK_SIZE = 0x1000

	// REMAP_4GB_BASE is where DRAM is aliased in 4GB mode.
	REMAP_4GB_BASE = 0x1_4000_0000

	// INFRA_MISC_4GB is the 4GB mode enable bit of the infra misc system
	// register.
	INFRA_MISC_4GB = 13
)

// Window represents a bank register window.
type Window interface {
	Read(off uint32) uint32
	Write(off uint32, val uint32)
}

// Barrier is implemented by windows requiring explicit write ordering.
type Barrier interface {
	Barrier()
}

func wmb(w Window) {
	if b, ok := w.(Barrier); ok {
		b.Barrier()
	}
}

func set(w Window, off uint32, pos ...int) {
	val := w.Read(off)

	for _, p := range pos {
		bits.Set(&val, p)
	}

	w.Write(off, val)
}

func clearBits(w Window, off uint32, pos ...int) {
	val := w.Read(off)

	for _, p := range pos {
		bits.Clear(&val, p)
	}

	w.Write(off, val)
}

func get(val uint32, pos int, mask int) uint32 {
	return bits.Get(&val, pos, mask)
}

func mask(pos ...int) (val uint32) {
	for _, p := range pos {
		bits.Set(&val, p)
	}

	return
}

// VldPARange encodes the valid physical address range register, the
// hardware only compares address bits [32:30].
func VldPARange(start uint64, end uint64) (val uint32) {
	bits.SetN(&val, VLD_PA_RNG_SA, 0xff, uint32(start>>30)&0x7)
	bits.SetN(&val, VLD_PA_RNG_EA, 0xff, uint32(end>>30)&0x7)
	return
}

// ParseVldPARange decodes the valid physical address range register.
func ParseVldPARange(val uint32) (start uint64, end uint64) {
	start = uint64(get(val, VLD_PA_RNG_SA, 0x7)) << 30
	end = uint64(get(val, VLD_PA_RNG_EA, 0x7))<<30 | (1<<30 - 1)
	return
}

// tlbAddr returns the value of the range invalidation registers for an
// IOVA, on 34-bit IOVA platforms bits [33:32] are carried in the low bits.
func tlbAddr(iova uint64, ext bool) (val uint32) {
	val = uint32(iova) &^ (1<<FAULT_VA_31_12 - 1)

	if ext {
		val |= uint32(iova>>32) & 0x7
	}

	return
}
