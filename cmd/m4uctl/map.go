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
	"flag"
	"log"

	"github.com/google/subcommands"

	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
)

// mapDMA implements subcommands.Command for the "map" command.
type mapDMA struct {
	device string
	pa     uint64
	size   uint64
	keep   bool
}

// Name implements subcommands.Command.Name.
func (*mapDMA) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*mapDMA) Synopsis() string {
	return "map a physical buffer for device DMA"
}

// Usage implements subcommands.Command.Usage.
func (*mapDMA) Usage() string {
	return "map [-device name] [-pa addr] [-size bytes] [-keep]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *mapDMA) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.device, "device", "ovl", "device name")
	f.Uint64Var(&m.pa, "pa", 0x8000_0000, "buffer physical address")
	f.Uint64Var(&m.size, "size", 0x20_0000, "buffer size")
	f.BoolVar(&m.keep, "keep", false, "skip unmapping")
}

// Execute implements subcommands.Command.Execute.
func (m *mapDMA) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sim := args[0].(*simulator)

	_, dom, _, err := sim.attach(ctx, m.device)

	if err != nil {
		log.Printf("%s: %v", m.device, err)
		return subcommands.ExitFailure
	}

	release, err := sim.powerOn(ctx)

	if err != nil {
		log.Printf("could not power on, %v", err)
		return subcommands.ExitFailure
	}
	defer release()

	addr, err := dom.MapDMA(m.pa, m.size, pgtable.ProtRead|pgtable.ProtWrite)

	if err != nil {
		log.Printf("could not map %#x+%#x, %v", m.pa, m.size, err)
		return subcommands.ExitFailure
	}

	log.Printf("%s mapped pa:%#x size:%#x at iova:%#x", m.device, m.pa, m.size, addr)

	for off := uint64(0); off < m.size; off += m.size / 4 {
		log.Printf("  iova:%#x -> pa:%#x", addr+off, dom.IOVAToPhys(addr+off))

		if m.size < 4 {
			break
		}
	}

	if !m.keep {
		if err = dom.UnmapDMA(addr); err != nil {
			log.Printf("could not unmap %#x, %v", addr, err)
			return subcommands.ExitFailure
		}

		log.Printf("%s unmapped iova:%#x", m.device, addr)
	}

	log.Printf("page table memory in use:%#x", sim.pool.InUse())
	sim.printMetrics()

	return subcommands.ExitSuccess
}
