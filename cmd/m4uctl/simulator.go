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

//go:build !tamago
// +build !tamago

package main

import (
	"context"
	"fmt"
	"log"
	netrpc "net/rpc"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/transparency-dev/armored-witness-iommu/api"
	"github.com/transparency-dev/armored-witness-iommu/internal/config"
	"github.com/transparency-dev/armored-witness-iommu/internal/larb"
	"github.com/transparency-dev/armored-witness-iommu/internal/secure"
	"github.com/transparency-dev/armored-witness-iommu/m4u"
	"github.com/transparency-dev/armored-witness-iommu/m4u/testonly"
)

// page table memory window
const (
	tableBase = 0x4000_0000
	tableSize = 64 << 20
)

// simInstance holds the simulated hardware of an M4U instance.
type simInstance struct {
	inst  *m4u.Instance
	regs  []*testonly.Regs
	power *testonly.Power
	clk   *testonly.Clock
}

// simulator represents a simulated SoC.
type simulator struct {
	sync.Mutex

	cfg *config.Config

	reg   *m4u.Registry
	drv   *m4u.Driver
	larbs *larb.Arbiters
	irqs  *testonly.IRQs
	pool  *testonly.Pool
	prom  *prometheus.Registry

	mon *secure.Monitor
	rpc *netrpc.Client

	insts   []*simInstance
	devs    map[string]*m4u.Device
	domains map[*m4u.Group]*m4u.Domain
	faults  []api.FaultRecord
}

// ack completes range invalidations as the hardware does.
func ack(r *testonly.Regs, off uint32, val uint32) {
	if off == m4u.M4U_INVALIDATE && val&(1<<m4u.INVALIDATE_RANGE) != 0 {
		r.Set(m4u.M4U_CPE_DONE, 1)
	}
}

func newSimulator(cfg *config.Config) (s *simulator, err error) {
	s = &simulator{
		cfg:     cfg,
		larbs:   larb.New(),
		irqs:    testonly.NewIRQs(),
		pool:    testonly.NewPool(tableBase, tableSize),
		prom:    prometheus.NewRegistry(),
		mon:     secure.NewMonitor(),
		devs:    make(map[string]*m4u.Device),
		domains: make(map[*m4u.Group]*m4u.Domain),
	}

	s.reg = m4u.NewRegistry(s.prom)
	s.drv = m4u.NewDriver(s.reg, s.larbs)

	if s.rpc, err = secure.Pipe(s.mon); err != nil {
		return nil, err
	}

	bridge := secure.NewClient(s.rpc)

	if err = bridge.Init(); err != nil {
		return nil, err
	}

	for i, c := range cfg.Instances {
		p, err := m4u.Lookup(c.Platform)

		if err != nil {
			return nil, err
		}

		si := &simInstance{
			power: &testonly.Power{},
			clk:   &testonly.Clock{},
		}

		var banks []m4u.BankResources

		for j, spec := range p.Banks {
			r := testonly.NewRegs()
			r.OnWrite = ack

			res := m4u.BankResources{IRQ: 32 + 8*i + j}

			if !spec.Secure {
				res.Regs = r
			}

			si.regs = append(si.regs, r)
			banks = append(banks, res)
		}

		si.inst, err = s.reg.Probe(m4u.ProbeConfig{
			Name:      c.Name,
			Platform:  p,
			Banks:     banks,
			Larbs:     c.Larbs,
			Power:     si.power,
			IRQ:       s.irqs,
			Clock:     si.clk,
			SysConfig: testonly.SysConfig{Misc: c.Misc},
			Bridge:    bridge,
			Protect:   c.Protect,
			Allocator: s.pool,
			Options: m4u.Options{
				OnFault: s.record,
			},
		})

		if err != nil {
			return nil, fmt.Errorf("instance %d, %w", i, err)
		}

		s.insts = append(s.insts, si)
	}

	return
}

func (s *simulator) record(rec api.FaultRecord) {
	s.Lock()
	defer s.Unlock()

	s.faults = append(s.faults, rec)
}

// takeFaults returns and clears the recorded faults.
func (s *simulator) takeFaults() (faults []api.FaultRecord) {
	s.Lock()
	defer s.Unlock()

	faults, s.faults = s.faults, nil

	return
}

// Close releases all simulated hardware.
func (s *simulator) Close() {
	if err := s.reg.Close(); err != nil {
		log.Printf("could not close registry, %v", err)
	}

	s.rpc.Close()
}

// device returns a probed device by name.
func (s *simulator) device(name string) (*m4u.Device, error) {
	if dev, ok := s.devs[name]; ok {
		return dev, nil
	}

	c, err := s.cfg.Device(name)

	if err != nil {
		return nil, err
	}

	dev := &m4u.Device{
		Name: c.Name,
		DMA:  c.Range(),
	}

	if err = s.drv.Xlate(dev, c.Instance, c.MasterIDs()...); err != nil {
		return nil, err
	}

	if err = s.drv.ProbeDevice(dev); err != nil {
		return nil, err
	}

	s.devs[name] = dev

	return dev, nil
}

// deviceNames returns the argument names, or all configured devices when
// empty.
func (s *simulator) deviceNames(args []string) []string {
	if len(args) > 0 {
		return args
	}

	var names []string

	for _, d := range s.cfg.Devices {
		names = append(names, d.Name)
	}

	return names
}

// attach attaches a device to the default domain of its group.
func (s *simulator) attach(ctx context.Context, name string) (*m4u.Device, *m4u.Domain, *m4u.Group, error) {
	dev, err := s.device(name)

	if err != nil {
		return nil, nil, nil, err
	}

	g, err := s.drv.DeviceGroup(dev)

	if err != nil {
		return nil, nil, nil, err
	}

	dom, ok := s.domains[g]

	if !ok {
		dom = s.drv.DomainAlloc()
		s.domains[g] = dom
	}

	if err = s.drv.Attach(ctx, dom, dev); err != nil {
		return nil, nil, nil, err
	}

	return dev, dom, g, nil
}

// powerOn holds a power reference on every instance, as active masters do,
// the returned function releases them.
func (s *simulator) powerOn(ctx context.Context) (func(), error) {
	var held []*testonly.Power

	release := func() {
		for _, p := range held {
			p.Put()
		}
	}

	for _, si := range s.insts {
		if err := si.power.Get(ctx); err != nil {
			release()
			return nil, err
		}

		held = append(held, si.power)
	}

	return release, nil
}

// bankRegs returns the simulated registers of a bank.
func (s *simulator) bankRegs(ref m4u.BankRef) *testonly.Regs {
	return s.insts[ref.Instance].regs[ref.Bank]
}

// metrics returns the non-zero counter values of the registry.
func (s *simulator) metrics() ([]string, error) {
	mfs, err := s.prom.Gather()

	if err != nil {
		return nil, err
	}

	var lines []string

	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue()

			if v == 0 {
				continue
			}

			labels := ""

			for _, l := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}

			lines = append(lines, fmt.Sprintf("%s%s %v", mf.GetName(), labels, v))
		}
	}

	sort.Strings(lines)

	return lines, nil
}

func (s *simulator) printMetrics() {
	lines, err := s.metrics()

	if err != nil {
		log.Printf("could not gather metrics, %v", err)
		return
	}

	for _, l := range lines {
		log.Print(l)
	}
}

// bank returns the instance and bank serving a device.
func (s *simulator) bank(dev *m4u.Device) (*m4u.Instance, *m4u.Bank, error) {
	c, err := s.cfg.Device(dev.Name)

	if err != nil {
		return nil, nil, err
	}

	inst, err := s.reg.Instance(c.Instance)

	if err != nil {
		return nil, nil, err
	}

	b, err := inst.Bank(m4u.ResolveBank(inst.Profile().Banks, m4u.PortMask(dev.IDs)))

	if err != nil {
		return nil, nil, err
	}

	return inst, b, nil
}
