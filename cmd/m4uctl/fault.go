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
	"encoding/hex"
	"flag"
	"log"

	"github.com/google/subcommands"

	"github.com/transparency-dev/armored-witness-iommu/api"
	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

// fault implements subcommands.Command for the "fault" command.
type fault struct {
	device string
	iova   uint64
	pa     uint64
	id     uint
	write  bool
	count  int
}

// Name implements subcommands.Command.Name.
func (*fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*fault) Synopsis() string {
	return "raise a translation fault on a device bank"
}

// Usage implements subcommands.Command.Usage.
func (*fault) Usage() string {
	return "fault [-device name] [-iova addr] [-pa addr] [-id master] [-write] [-count n]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *fault) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.device, "device", "ovl", "device name")
	f.Uint64Var(&c.iova, "iova", 0x1234_5000, "faulting IOVA")
	f.Uint64Var(&c.pa, "pa", 0, "faulting physical address")
	f.UintVar(&c.id, "id", 0, "raw fault master identifier")
	f.BoolVar(&c.write, "write", false, "fault on a write transaction")
	f.IntVar(&c.count, "count", 1, "number of faults to raise")
}

// faultVA encodes the fault VA register of an IOVA.
func faultVA(iova uint64, write bool, ext bool) (val uint32) {
	val = uint32(iova) &^ (1<<m4u.FAULT_VA_31_12 - 1)

	if ext {
		val |= uint32(iova>>32) & 0x7 << m4u.FAULT_VA_34_32
	}

	if write {
		val |= 1 << m4u.FAULT_VA_WRITE
	}

	return
}

// Execute implements subcommands.Command.Execute.
func (c *fault) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sim := args[0].(*simulator)

	dev, _, _, err := sim.attach(ctx, c.device)

	if err != nil {
		log.Printf("%s: %v", c.device, err)
		return subcommands.ExitFailure
	}

	inst, b, err := sim.bank(dev)

	if err != nil {
		log.Printf("%s: %v", c.device, err)
		return subcommands.ExitFailure
	}

	for i := 0; i < c.count; i++ {
		if b.Secure {
			bank := rpc.Bank{Instance: inst.ID, Bank: b.ID, Count: len(inst.Banks())}
			sim.mon.InjectFault(bank, c.iova, c.pa, uint32(c.id))
		} else {
			r := sim.bankRegs(m4u.BankRef{Instance: inst.ID, Bank: b.ID})
			r.Set(m4u.M4U_FAULT_ST1, 1<<m4u.FAULT_ST1_MMU0)
			r.Set(m4u.M4U_MMU0_FAULT_VA, faultVA(c.iova, c.write, inst.Profile().IAS > 32))
			r.Set(m4u.M4U_MMU0_INVLD_PA, uint32(c.pa))
			r.Set(m4u.M4U_MMU0_INT_ID, uint32(c.id))
		}

		if !sim.irqs.Trigger(b.IRQ) {
			log.Printf("%s bank:%d has no interrupt handler", inst.Name, b.ID)
			return subcommands.ExitFailure
		}
	}

	faults := sim.takeFaults()

	if len(faults) == 0 {
		log.Printf("no fault reported")
		return subcommands.ExitFailure
	}

	for _, rec := range faults {
		log.Print(rec.Print())
		log.Printf("  wire:%s", hex.EncodeToString(rec.Bytes()))

		var dec api.FaultRecord

		if err := dec.Unmarshal(rec.Bytes()); err != nil || dec != rec {
			log.Printf("  record does not round trip, %v", err)
			return subcommands.ExitFailure
		}
	}

	sim.printMetrics()

	return subcommands.ExitSuccess
}
