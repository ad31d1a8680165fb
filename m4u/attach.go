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
	"errors"
	"fmt"
	"sort"

	"gvisor.dev/gvisor/pkg/cleanup"
	"k8s.io/klog/v2"
)

// ErrBankBusy is returned when a bank is bound to a domain with a
// different page table, or when freeing a domain still bound to a bank.
var ErrBankBusy = errors.New("m4u: bank bound to another domain")

// PortConfig represents a local arbiter translation setting.
type PortConfig struct {
	Device   string
	Instance int
	// Larb is the local arbiter index, -1 for infrastructure masters.
	Larb int
	// Ports is the bitmask of the affected ports.
	Ports  uint32
	Enable bool
	Region int
	// AddrHigh holds the region address bits above bit 31.
	AddrHigh uint32
}

// Arbiter represents the local arbiters routing master ports through the
// M4U.
type Arbiter interface {
	Configure(ctx context.Context, cfg PortConfig) error
}

// Device represents a bus master consuming translation.
type Device struct {
	Name string
	// IDs holds the master identifiers of the device ports.
	IDs []uint32
	// DMA is the address window the device declares, nil for none.
	DMA *DMARange

	inst   int
	bound  bool
	probed bool
}

// Driver orchestrates the binding of devices to translation domains.
type Driver struct {
	reg  *Registry
	larb Arbiter
}

// NewDriver returns a driver for the instances of a registry.
func NewDriver(reg *Registry, larb Arbiter) *Driver {
	return &Driver{
		reg:  reg,
		larb: larb,
	}
}

// Registry returns the driver instance registry.
func (d *Driver) Registry() *Registry {
	return d.reg
}

func (d *Driver) instance(dev *Device) (*Instance, error) {
	if dev == nil || !dev.bound {
		return nil, ErrNoDevice
	}

	return d.reg.Instance(dev.inst)
}

// Xlate binds a device to an instance and appends master identifiers to
// its description.
func (d *Driver) Xlate(dev *Device, inst int, ids ...uint32) error {
	if _, err := d.reg.Instance(inst); err != nil {
		return err
	}

	if dev.bound && dev.inst != inst {
		return fmt.Errorf("%s: already bound to instance %d", dev.Name, dev.inst)
	}

	dev.inst = inst
	dev.bound = true
	dev.IDs = append(dev.IDs, ids...)

	return nil
}

// ProbeDevice validates the master identifiers of a bound device.
func (d *Driver) ProbeDevice(dev *Device) error {
	inst, err := d.instance(dev)

	if err != nil {
		return err
	}

	if len(dev.IDs) == 0 {
		return fmt.Errorf("%s: no master identifiers", dev.Name)
	}

	if inst.prof.Type == TypeMM {
		larb := LarbOf(dev.IDs[0])

		for _, id := range dev.IDs[1:] {
			if LarbOf(id) != larb {
				return fmt.Errorf("%s: can only use one larb, fail@larb%d-%d", dev.Name, larb, LarbOf(id))
			}
		}

		if inst.larbs > 0 && larb >= inst.larbs {
			return fmt.Errorf("%s: invalid larb %d", dev.Name, larb)
		}
	}

	dev.probed = true

	return nil
}

// ReleaseDevice drops the instance binding of a device.
func (d *Driver) ReleaseDevice(dev *Device) {
	dev.bound = false
	dev.probed = false
	dev.IDs = nil
}

// DomainAlloc returns a new unattached domain.
func (d *Driver) DomainAlloc() *Domain {
	return &Domain{reg: d.reg}
}

// DomainFree releases a domain no longer bound to any bank.
func (d *Driver) DomainFree(dom *Domain) error {
	if inst, b := d.reg.holder(dom); b != nil {
		return fmt.Errorf("%w (%s bank:%d)", ErrBankBusy, inst.Name, b.ID)
	}

	dom.release()

	return nil
}

// Attach routes the translation of a device through a domain.
func (d *Driver) Attach(ctx context.Context, dom *Domain, dev *Device) error {
	inst, err := d.instance(dev)

	if err != nil {
		return err
	}

	p := inst.prof

	region, err := ResolveRegion(p.Regions, dev.DMA)

	if err != nil {
		return fmt.Errorf("%s: %w", dev.Name, err)
	}

	if dom.Attached() && dom.Region().Base != p.Regions[region].Base {
		return fmt.Errorf("%s: %w (domain region %s)", dev.Name, ErrInvalidRegion, dom.Region().Name)
	}

	b := inst.banks[ResolveBank(p.Banks, PortMask(dev.IDs))]

	first, err := d.reg.first(inst.list)

	if err != nil {
		return err
	}

	undo, err := dom.finalise(first, BankRef{Instance: inst.ID, Bank: b.ID}, region)

	if err != nil {
		return err
	}

	cu := cleanup.Make(undo)
	defer cu.Clean()

	if err = d.bind(ctx, inst, b, dom); err != nil {
		return fmt.Errorf("%s: %w", dev.Name, err)
	}

	cu.Release()

	if err = d.configure(ctx, inst, dev, true, region); err != nil {
		return err
	}

	inst.metrics.attaches.WithLabelValues(inst.label()).Inc()
	klog.V(2).Infof("m4u: %s attached to %s bank:%d region:%s", dev.Name, inst.Name, b.ID, p.Regions[region].Name)

	return nil
}

// bind initializes a bank on its first domain binding.
func (d *Driver) bind(ctx context.Context, inst *Instance, b *Bank, dom *Domain) (err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	t := dom.Table()

	if cur := b.dom.Load(); cur != nil {
		if cur != dom && cur.Table() != t {
			return fmt.Errorf("%w (%s bank:%d)", ErrBankBusy, inst.Name, b.ID)
		}

		return
	}

	if err = inst.pm.Get(ctx); err != nil {
		return fmt.Errorf("%w (%s), %v", ErrPower, inst.Name, err)
	}
	defer inst.pm.Put()

	if err = inst.hwInit(b); err != nil {
		return
	}

	b.dom.Store(dom)

	if b.regs != nil {
		b.regs.Write(M4U_PT_BASE_ADDR, inst.prof.PTBase(t.TTBR()))
		wmb(b.regs)
	}

	klog.Infof("m4u: %s bank:%d bound to page table %#x", inst.Name, b.ID, t.TTBR())

	return
}

// configure sets the local arbiter translation state of every port of a
// device.
func (d *Driver) configure(ctx context.Context, inst *Instance, dev *Device, enable bool, region int) error {
	if d.larb == nil {
		return nil
	}

	r := inst.prof.Regions[region]

	larbs := map[int]uint32{}

	for _, id := range dev.IDs {
		larb := LarbOf(id)

		if inst.prof.Type != TypeMM {
			larb = -1
		}

		larbs[larb] |= 1 << PortOf(id)
	}

	var order []int

	for larb := range larbs {
		order = append(order, larb)
	}

	sort.Ints(order)

	for _, larb := range order {
		cfg := PortConfig{
			Device:   dev.Name,
			Instance: inst.ID,
			Larb:     larb,
			Ports:    larbs[larb],
			Enable:   enable,
			Region:   region,
			AddrHigh: r.AddrHigh(),
		}

		if err := d.larb.Configure(ctx, cfg); err != nil {
			return fmt.Errorf("%s: larb %d configuration failed, %w", dev.Name, larb, err)
		}
	}

	return nil
}

// Detach disables translation for the ports of a device, banks and
// domains stay bound as other devices may share them.
func (d *Driver) Detach(ctx context.Context, dom *Domain, dev *Device) error {
	inst, err := d.instance(dev)

	if err != nil {
		return err
	}

	region, err := ResolveRegion(inst.prof.Regions, dev.DMA)

	if err != nil {
		return fmt.Errorf("%s: %w", dev.Name, err)
	}

	if !dom.Attached() {
		return ErrNotAttached
	}

	klog.V(2).Infof("m4u: %s detached from %s", dev.Name, inst.Name)

	return d.configure(ctx, inst, dev, false, region)
}
