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
	"sync"
	"testing"
	"time"

	"github.com/transparency-dev/armored-witness-iommu/api"
	"github.com/transparency-dev/armored-witness-iommu/m4u/testonly"
)

var testPlatform = &Platform{
	Name:      "test",
	Type:      TypeMM,
	Flags:     HAS_SUB_COMM_2BITS | WR_THROT_EN,
	InvSelReg: M4U_INV_SEL_GEN2,
	Banks:     []BankSpec{{Enabled: true}},
	Regions:   []Region{{Name: "0-4gb", Base: 0, Size: IOVA_SZ_4G}},
}

func init() {
	Register(testPlatform)
}

// larbs records local arbiter configurations.
type larbs struct {
	sync.Mutex

	cfgs []PortConfig
	fail error
}

func (l *larbs) Configure(_ context.Context, cfg PortConfig) error {
	l.Lock()
	defer l.Unlock()

	if l.fail != nil {
		return l.fail
	}

	l.cfgs = append(l.cfgs, cfg)

	return nil
}

func (l *larbs) configs() []PortConfig {
	l.Lock()
	defer l.Unlock()

	return append([]PortConfig(nil), l.cfgs...)
}

// completeRange acknowledges range invalidations as the hardware does.
func completeRange(r *testonly.Regs, off uint32, val uint32) {
	if off == M4U_INVALIDATE && val&mask(INVALIDATE_RANGE) != 0 {
		r.Set(M4U_CPE_DONE, 1)
	}
}

// soc is a simulated set of M4U instances.
type soc struct {
	reg  *Registry
	drv  *Driver
	larb *larbs
	irqs *testonly.IRQs
	pool *testonly.Pool

	bridge *testonly.Bridge
	faults chan api.FaultRecord

	insts []*Instance
	regs  [][]*testonly.Regs
	power []*testonly.Power
	clks  []*testonly.Clock
}

type instConfig struct {
	platform string
	misc     uint32
	// stuck disables range invalidation acknowledgement
	stuck bool
}

func newSoC(t *testing.T, cfgs ...instConfig) *soc {
	t.Helper()

	s := &soc{
		reg:    NewRegistry(nil),
		larb:   &larbs{},
		irqs:   testonly.NewIRQs(),
		pool:   testonly.NewPool(0x4000_0000, 16<<20),
		bridge: &testonly.Bridge{},
		faults: make(chan api.FaultRecord, 16),
	}

	s.drv = NewDriver(s.reg, s.larb)

	for i, c := range cfgs {
		p, err := Lookup(c.platform)

		if err != nil {
			t.Fatal(err)
		}

		var banks []BankResources
		var regs []*testonly.Regs

		for j, spec := range p.Banks {
			r := testonly.NewRegs()

			if !c.stuck {
				r.OnWrite = completeRange
			}

			regs = append(regs, r)

			res := BankResources{IRQ: 100*(i+1) + j}

			if !spec.Secure {
				res.Regs = r
			}

			banks = append(banks, res)
		}

		pwr := &testonly.Power{}
		clk := &testonly.Clock{}

		inst, err := s.reg.Probe(ProbeConfig{
			Platform:  p,
			Banks:     banks,
			Larbs:     8,
			Power:     pwr,
			IRQ:       s.irqs,
			Clock:     clk,
			SysConfig: testonly.SysConfig{Misc: c.misc},
			Bridge:    s.bridge,
			Protect:   0x3000_0010,
			Allocator: s.pool,
			Options: Options{
				FlushPollInterval: time.Nanosecond,
				FlushPollBudget:   3,
				OnFault: func(rec api.FaultRecord) {
					s.faults <- rec
				},
			},
		})

		if err != nil {
			t.Fatalf("Probe(%s): %v", c.platform, err)
		}

		s.insts = append(s.insts, inst)
		s.regs = append(s.regs, regs)
		s.power = append(s.power, pwr)
		s.clks = append(s.clks, clk)
	}

	t.Cleanup(func() {
		if err := s.reg.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return s
}

// device returns a device bound to an instance.
func (s *soc) device(t *testing.T, inst int, name string, dma *DMARange, ids ...uint32) *Device {
	t.Helper()

	dev := &Device{Name: name, DMA: dma}

	if err := s.drv.Xlate(dev, inst, ids...); err != nil {
		t.Fatalf("Xlate(%s): %v", name, err)
	}

	if err := s.drv.ProbeDevice(dev); err != nil {
		t.Fatalf("ProbeDevice(%s): %v", name, err)
	}

	return dev
}

// resetWrites clears the recorded writes of every bank.
func (s *soc) resetWrites() {
	for _, regs := range s.regs {
		for _, r := range regs {
			r.Reset()
		}
	}
}

// writes returns the number of recorded writes across all banks.
func (s *soc) writes() (n int) {
	for _, regs := range s.regs {
		for _, r := range regs {
			n += len(r.Writes())
		}
	}

	return
}
