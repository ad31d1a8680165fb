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
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"
	"k8s.io/klog/v2"
)

// hwInit programs the global and per bank registers of a bank ahead of its
// first domain binding and registers its interrupt handler. The caller
// must hold a power reference.
func (inst *Instance) hwInit(b *Bank) (err error) {
	// global registers, bank 0 is authoritative
	g := inst.banks[0].regs
	p := inst.prof

	g.Write(M4U_CTRL_REG, p.CtrlReg(g.Read(M4U_CTRL_REG)))

	if inst.enable4GB && p.Has(HAS_VLD_PA_RNG) {
		g.Write(M4U_VLD_PA_RNG, VldPARange(SZ_4G, 2*SZ_4G-1))
	}

	if p.Has(DCM_DISABLE) {
		g.Write(M4U_DCM_DIS, mask(DCM_DIS))
	} else {
		g.Write(M4U_DCM_DIS, 0)
	}

	if p.Has(WR_THROT_EN) {
		clearBits(g, M4U_WR_LEN_CTRL, WR_THROT_DIS, WR_THROT_DIS1)
	}

	if p.Has(RESET_AXI) {
		g.Write(M4U_MISC_CTRL, 0)
	} else {
		var pos []int

		if !p.Has(STD_AXI_MODE) {
			pos = append(pos, MISC_STANDARD_AXI_MODE, MISC_STANDARD_AXI_MODE1)
		}

		if p.Has(OUT_ORDER_WR_EN) {
			pos = append(pos, MISC_IN_ORDER_WR_EN, MISC_IN_ORDER_WR_EN1)
		}

		clearBits(g, M4U_MISC_CTRL, pos...)
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	// per bank registers
	if r := b.regs; r != nil {
		r.Write(M4U_INT_CONTROL0, mask(
			INT_L2_MULTI_HIT,
			INT_TABLE_WALK_FAULT,
			INT_PREFETCH_FIFO_OVERFLOW,
			INT_MISS_FIFO_OVERFLOW,
			INT_PREFETCH_FIFO_ERR,
			INT_MISS_FIFO_ERR,
		))

		r.Write(M4U_INT_MAIN_CONTROL, intMainMask|intMainMask<<INT_MMU1)
		r.Write(M4U_IVRP_PADDR, p.ProtectAddr(inst.protect, inst.enable4GB))

		cu.Add(func() {
			r.Write(M4U_PT_BASE_ADDR, 0)
		})
	}

	if err = inst.irq.Request(b.IRQ, func() { inst.isr(b) }); err != nil {
		return fmt.Errorf("%w (%s bank:%d irq:%d), %v", ErrIRQ, inst.Name, b.ID, b.IRQ, err)
	}

	cu.Release()

	klog.V(2).Infof("m4u: %s bank:%d initialized", inst.Name, b.ID)

	return
}

var intMainMask = mask(
	INT_TRANSLATION_FAULT,
	INT_MAIN_MULTI_HIT_FAULT,
	INT_INVALID_PA_FAULT,
	INT_ENTRY_REPLACEMENT,
	INT_TLB_MISS_FAULT,
	INT_MISS_TRANSACTION_FIFO,
	INT_PREFETCH_TRANSACTION,
)
