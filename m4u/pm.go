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
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// RuntimeSuspend saves the instance registers ahead of power off and gates
// its clock. Secure banks are backed up by the secure monitor, a failure
// aborts the transition.
func (inst *Instance) RuntimeSuspend(_ context.Context) error {
	g := inst.banks[0].regs

	for i, b := range inst.banks {
		if !inst.prof.Banks[i].Enabled || !b.Secure || b.Domain() == nil {
			continue
		}

		if err := inst.bridge.BackupSecureRegisters(inst.secureBank(b)); err != nil {
			return fmt.Errorf("%w (%s bank:%d backup), %v", ErrSecure, inst.Name, b.ID, err)
		}
	}

	inst.wrLenCtrl = g.Read(M4U_WR_LEN_CTRL)
	inst.miscCtrl = g.Read(M4U_MISC_CTRL)
	inst.dcmDis = g.Read(M4U_DCM_DIS)
	inst.ctrlReg = g.Read(M4U_CTRL_REG)
	inst.vldPARng = g.Read(M4U_VLD_PA_RNG)

	for i, b := range inst.banks {
		if !inst.prof.Banks[i].Enabled || b.regs == nil {
			continue
		}

		b.intCtrl0 = b.regs.Read(M4U_INT_CONTROL0)
		b.intMain = b.regs.Read(M4U_INT_MAIN_CONTROL)
		b.ivrp = b.regs.Read(M4U_IVRP_PADDR)
	}

	inst.saved = true

	if inst.clk != nil && inst.prof.Has(HAS_BCLK) {
		inst.clk.Disable()
	}

	klog.V(2).Infof("m4u: %s suspended", inst.Name)

	return nil
}

// RuntimeResume restores the instance registers after power on. On first
// resume there is no saved state and only the clock is enabled.
func (inst *Instance) RuntimeResume(_ context.Context) error {
	if inst.clk != nil && inst.prof.Has(HAS_BCLK) {
		if err := inst.clk.Enable(); err != nil {
			return fmt.Errorf("%w (%s clock), %v", ErrPower, inst.Name, err)
		}
	}

	if !inst.saved {
		return nil
	}

	g := inst.banks[0].regs

	g.Write(M4U_WR_LEN_CTRL, inst.wrLenCtrl)
	g.Write(M4U_MISC_CTRL, inst.miscCtrl)
	g.Write(M4U_DCM_DIS, inst.dcmDis)
	g.Write(M4U_CTRL_REG, inst.ctrlReg)
	g.Write(M4U_VLD_PA_RNG, inst.vldPARng)

	for i, b := range inst.banks {
		dom := b.Domain()

		if !inst.prof.Banks[i].Enabled || dom == nil || b.regs == nil {
			continue
		}

		b.regs.Write(M4U_INT_CONTROL0, b.intCtrl0)
		b.regs.Write(M4U_INT_MAIN_CONTROL, b.intMain)
		b.regs.Write(M4U_IVRP_PADDR, b.ivrp)

		if t := dom.Table(); t != nil {
			b.regs.Write(M4U_PT_BASE_ADDR, inst.prof.PTBase(t.TTBR()))
		}
	}

	for i, b := range inst.banks {
		if !inst.prof.Banks[i].Enabled || !b.Secure || b.Domain() == nil {
			continue
		}

		if err := inst.bridge.RestoreSecureRegisters(inst.secureBank(b)); err != nil {
			return fmt.Errorf("%w (%s bank:%d restore), %v", ErrSecure, inst.Name, b.ID, err)
		}
	}

	// mappings created while powered off were not invalidated
	for _, b := range inst.banks {
		if b.Domain() != nil {
			inst.flushAll(b)
		}
	}

	klog.V(2).Infof("m4u: %s resumed", inst.Name)

	return nil
}

// Suspend saves the instance state ahead of system sleep, instances which
// are not powered hold no state.
func (inst *Instance) Suspend(ctx context.Context) error {
	if !inst.active() {
		return nil
	}

	return inst.RuntimeSuspend(ctx)
}

// Resume restores the instance state after system sleep.
func (inst *Instance) Resume(ctx context.Context) error {
	if !inst.active() {
		return nil
	}

	return inst.RuntimeResume(ctx)
}

func (inst *Instance) active() bool {
	if !inst.pm.GetIfActive() {
		return false
	}

	inst.pm.Put()

	return true
}
