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
	"errors"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

var errFlushPending = errors.New("range invalidation pending")

// flushAll invalidates every TLB entry of a bank, the caller must hold a
// power reference.
func (inst *Instance) flushAll(b *Bank) {
	if b.regs == nil {
		return
	}

	b.tlb.Lock()
	defer b.tlb.Unlock()

	inst.flushAllLocked(b)
}

func (inst *Instance) flushAllLocked(b *Bank) {
	b.regs.Write(inst.prof.InvSelReg, mask(INVLD_EN0, INVLD_EN1))
	b.regs.Write(M4U_INVALIDATE, mask(INVALIDATE_ALL))
	wmb(b.regs)

	inst.metrics.flushAll.WithLabelValues(inst.label()).Inc()
}

// flushRange invalidates the TLB entries of a bank covering
// [iova, iova+size), falling back to a full flush when the hardware does
// not acknowledge completion within the poll budget. It reports whether
// the fallback was taken. An empty range has no end address to program
// and is flushed in full.
func (inst *Instance) flushRange(b *Bank, iova uint64, size uint64) (fallback bool) {
	if b.regs == nil {
		return
	}

	if size == 0 {
		inst.flushAll(b)
		return true
	}

	ext := inst.prof.Has(IOVA_34_EN)

	b.tlb.Lock()
	defer b.tlb.Unlock()

	b.regs.Write(inst.prof.InvSelReg, mask(INVLD_EN0, INVLD_EN1))
	b.regs.Write(M4U_INVLD_START_A, tlbAddr(iova, ext))
	b.regs.Write(M4U_INVLD_END_A, tlbAddr(iova+size-1, ext))
	b.regs.Write(M4U_INVALIDATE, mask(INVALIDATE_RANGE))
	wmb(b.regs)

	inst.metrics.flushRange.WithLabelValues(inst.label()).Inc()

	poll := backoff.WithMaxRetries(backoff.NewConstantBackOff(inst.opts.FlushPollInterval), inst.opts.FlushPollBudget)

	err := backoff.Retry(func() error {
		if b.regs.Read(M4U_CPE_DONE) == 0 {
			return errFlushPending
		}

		return nil
	}, poll)

	b.regs.Write(M4U_CPE_DONE, 0)

	if err != nil {
		klog.Warningf("m4u: %s bank:%d partial TLB flush timed out, falling back to full flush", inst.Name, b.ID)
		inst.metrics.flushTimeouts.WithLabelValues(inst.label()).Inc()
		inst.flushAllLocked(b)
		fallback = true
	}

	return
}

// syncRange flushes an IOVA range on a bank of every instance sharing the
// page table. Instances which are not powered are skipped: their
// translation path is off, so they hold no TLB entries, and the resume
// path flushes all banks before translation is enabled again.
func (r *Registry) syncRange(l *HWList, bank int, iova uint64, size uint64) {
	for _, inst := range r.siblings(l) {
		if !inst.pm.GetIfActive() {
			klog.V(2).Infof("m4u: %s skipping flush of unpowered instance", inst.Name)
			continue
		}

		if b, err := inst.Bank(bank); err == nil {
			inst.flushRange(b, iova, size)
		}

		inst.pm.Put()
	}
}
