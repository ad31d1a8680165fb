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
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-iommu/m4u/iova"
	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
	"k8s.io/klog/v2"
)

// ErrNotAttached is returned by domain operations before the first
// successful Attach, or once the instances it was attached to are removed.
var ErrNotAttached = errors.New("m4u: domain not attached")

// FaultHandler is invoked on translation faults within a domain, it
// returns true when the fault has been handled.
type FaultHandler func(dom *Domain, iova uint64, write bool) bool

// Domain represents an I/O virtual address space.
type Domain struct {
	reg *Registry

	mu sync.Mutex

	table *pgtable.Table
	// owner is false when the table belongs to the shared hardware list
	owner bool

	list   *HWList
	bank   BankRef
	bound  bool
	region Region

	start uint64
	end   uint64

	enable4GB bool

	resv []Reservation
	dma  *iova.Allocator

	handler FaultHandler
}

// Attached reports whether the domain has been finalised against a bank.
func (d *Domain) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bound
}

// Bank returns the bank the domain is bound to.
func (d *Domain) Bank() (BankRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bank, d.bound
}

// Aperture returns the inclusive address range of the domain.
func (d *Domain) Aperture() (start uint64, end uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.start, d.end
}

// Region returns the IOVA region the domain translates.
func (d *Domain) Region() Region {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.region
}

// Table returns the page table backing the domain.
func (d *Domain) Table() *pgtable.Table {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.table
}

// SetFaultHandler sets the handler reporting faults within the domain.
func (d *Domain) SetFaultHandler(h FaultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handler = h
}

func (d *Domain) reportFault(iova uint64, write bool) bool {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()

	return h != nil && h(d, iova, write)
}

func (d *Domain) state() (t *pgtable.Table, ref BankRef, l *HWList, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.bound {
		return nil, ref, nil, ErrNotAttached
	}

	return d.table, d.bank, d.list, nil
}

// finalise allocates, or shares, the page table of a domain against the
// first instance of a shared hardware list and sets its aperture. It
// returns a function reverting the domain to its unattached state.
func (d *Domain) finalise(first *Instance, ref BankRef, region int) (undo func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bound {
		return func() {}, nil
	}

	p := first.prof
	l := first.list
	share := p.Has(SHARE_PGTABLE) || len(p.Regions) > 1

	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := false

	switch {
	case share && l.table != nil:
		d.table = l.table
	default:
		cfg := pgtable.Config{
			IAS:     p.IAS,
			OAS:     p.OAS(first.enable4GB),
			TTBRExt: p.Has(PGTABLE_PA_35_EN),
		}

		if d.table, err = pgtable.New(cfg, first.alloc); err != nil {
			return nil, fmt.Errorf("%s: page table allocation failed, %w", first.Name, err)
		}

		fresh = true
		d.owner = !share

		if share {
			l.table = d.table
		}
	}

	d.list = l
	d.bank = ref
	d.bound = true
	d.region = p.Regions[region]
	d.start = d.region.Base
	d.end = d.region.End()
	d.enable4GB = first.enable4GB
	d.resv = reservations(p.Regions, region)

	if fresh {
		d.mapDirect()
	}

	klog.V(2).Infof("m4u: %s domain finalised region:%s (%#x-%#x) shared:%v", first.Name, d.region.Name, d.start, d.end, share && !fresh)

	return d.release, nil
}

// release reverts the domain to its unattached state. A shared table is
// released by Registry.Remove once its last list member is gone, as
// siblings may already map through it.
func (d *Domain) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner && d.table != nil {
		d.table.Free()
	}

	d.table = nil
	d.owner = false
	d.bound = false
	d.resv = nil
	d.dma = nil
}

// mapDirect identity maps the direct regions nested in the domain region.
func (d *Domain) mapDirect() {
	for _, r := range d.resv {
		if r.Kind != ResvDirect {
			continue
		}

		if err := d.table.Map(r.Start, r.Start, r.Size, pgtable.ProtRead|pgtable.ProtWrite); err != nil {
			klog.Warningf("m4u: direct mapping %#x+%#x failed, %v", r.Start, r.Size, err)
		}
	}
}

// Map translates [iova, iova+size) to [pa, pa+size).
func (d *Domain) Map(iova uint64, pa uint64, size uint64, prot pgtable.Prot) error {
	t, _, _, err := d.state()

	if err != nil {
		return err
	}

	if start, end := d.Aperture(); iova < start || size == 0 || iova+size-1 > end || iova+size-1 < iova {
		return fmt.Errorf("%w (%#x+%#x outside aperture %#x-%#x)", pgtable.ErrRange, iova, size, start, end)
	}

	// DRAM is only reachable through the remap in 4GB mode
	if d.enable4GB {
		pa |= 1 << 32
	}

	return t.Map(iova, pa, size, prot)
}

// Unmap removes the translations of [iova, iova+size) and returns the
// number of bytes unmapped, the caller must follow it with IOTLBSync.
func (d *Domain) Unmap(iova uint64, size uint64) uint64 {
	t, _, _, err := d.state()

	if err != nil {
		return 0
	}

	return t.Unmap(iova, size)
}

// IOVAToPhys returns the physical address an IOVA translates to, or 0.
func (d *Domain) IOVAToPhys(iova uint64) uint64 {
	t, _, _, err := d.state()

	if err != nil {
		return 0
	}

	pa := t.IOVAToPhys(iova)

	if d.enable4GB && pa >= REMAP_4GB_BASE {
		pa &^= 1 << 32
	}

	return pa
}

// FlushIOTLBAll invalidates the whole TLB of the domain bank, if powered.
func (d *Domain) FlushIOTLBAll() {
	_, ref, _, err := d.state()

	if err != nil {
		return
	}

	inst, b, err := d.reg.Bank(ref)

	if err != nil {
		return
	}

	if !inst.pm.GetIfActive() {
		return
	}
	defer inst.pm.Put()

	inst.flushAll(b)
}

// IOTLBSync invalidates the TLB entries of an unmapped range on every
// instance sharing the domain page table.
func (d *Domain) IOTLBSync(iova uint64, size uint64) {
	_, ref, l, err := d.state()

	if err != nil {
		return
	}

	d.reg.syncRange(l, ref.Bank, iova, size)
}

// IOTLBSyncMap invalidates the TLB entries of a freshly mapped range, as
// some masters may have cached the absence of a translation.
func (d *Domain) IOTLBSyncMap(iova uint64, size uint64) {
	d.IOTLBSync(iova, size)
}
