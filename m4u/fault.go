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
	"strconv"

	"github.com/transparency-dev/armored-witness-iommu/api"
	"k8s.io/klog/v2"
)

// fault represents the raw fault state read from a bank.
type fault struct {
	status uint32
	va     uint32
	vaHigh uint64
	pa     uint64
	id     uint32
}

// readFault reads the fault registers of the hardware slot which raised
// the interrupt.
func (inst *Instance) readFault(b *Bank) (f fault) {
	r := b.regs

	f.status = r.Read(M4U_FAULT_ST1)

	if get(f.status, FAULT_ST1_MMU0, FAULT_ST1_MASK) != 0 {
		f.id = r.Read(M4U_MMU0_INT_ID)
		f.va = r.Read(M4U_MMU0_FAULT_VA)
		f.pa = uint64(r.Read(M4U_MMU0_INVLD_PA))
	} else {
		f.id = r.Read(M4U_MMU1_INT_ID)
		f.va = r.Read(M4U_MMU1_FAULT_VA)
		f.pa = uint64(r.Read(M4U_MMU1_INVLD_PA))
	}

	return
}

// dumpFault reads the fault state of a secure bank from the secure
// monitor, the dump is best effort.
func (inst *Instance) dumpFault(b *Bank) (f fault, ok bool) {
	res, err := inst.bridge.DumpSecureRegisters(inst.secureBank(b))

	switch {
	case err != nil:
		klog.V(2).Infof("m4u: %s bank:%d secure dump failed, %v", inst.Name, b.ID, err)
		return
	case res.Status != 0:
		klog.V(2).Infof("m4u: %s bank:%d secure dump status %d", inst.Name, b.ID, res.Status)
		return
	}

	f.va = uint32(res.IOVA)
	f.vaHigh = res.IOVA >> 32
	f.pa = res.PA
	f.id = res.ID

	return f, true
}

// decodeFault returns the fault record of raw fault state.
func (inst *Instance) decodeFault(b *Bank, f fault) (rec api.FaultRecord) {
	rec = api.FaultRecord{
		Instance: inst.Name,
		Bank:     b.ID,
		Secure:   b.Secure,
		Status:   f.status,
		ID:       f.id,
		Layer:    int(get(f.va, FAULT_VA_LAYER, 1)),
		Write:    get(f.va, FAULT_VA_WRITE, 1) == 1,
	}

	va := uint64(f.va) | f.vaHigh<<32

	if inst.prof.Has(IOVA_34_EN) {
		va = uint64(f.va&^(1<<FAULT_VA_31_12-1)) | uint64(get(f.va, FAULT_VA_34_32, 0x7))<<32
	}

	// PA bits [34:32] share the fault VA register, they are read after
	// the VA fixup above
	rec.IOVA = va
	rec.PA = f.pa | uint64(get(uint32(va), FAULT_PA_34_32, 0x7))<<32

	m := inst.prof.DecodeMaster(f.id)
	rec.Larb = m.Larb
	rec.SubComm = m.SubComm
	rec.Port = m.Port

	return
}

// isr handles a bank interrupt.
func (inst *Instance) isr(b *Bank) {
	var f fault

	if b.Secure {
		var ok bool

		if f, ok = inst.dumpFault(b); !ok {
			return
		}
	} else {
		f = inst.readFault(b)
	}

	rec := inst.decodeFault(b, f)
	inst.metrics.faults.WithLabelValues(inst.label(), strconv.Itoa(b.ID), strconv.FormatBool(b.Secure)).Inc()

	if inst.opts.OnFault != nil {
		inst.opts.OnFault(rec)
	}

	dom := b.Domain()

	if dom == nil || !dom.reportFault(rec.IOVA, rec.Write) {
		inst.logFault(dom, rec)
	}

	if b.Secure {
		return
	}

	set(b.regs, M4U_INT_CONTROL0, INT_CLR)
	inst.flushAll(b)
}

func (inst *Instance) logFault(dom *Domain, rec api.FaultRecord) {
	if !inst.limiter.Allow() {
		return
	}

	var mapped uint64

	if dom != nil {
		mapped = dom.IOVAToPhys(rec.IOVA)
	}

	klog.Errorf("m4u: %s mapped:%#x", rec.Print(), mapped)
}
