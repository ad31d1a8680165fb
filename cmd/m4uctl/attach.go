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

	"github.com/transparency-dev/armored-witness-iommu/internal/larb"
	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

// attach implements subcommands.Command for the "attach" command.
type attach struct {
	detach bool
}

// Name implements subcommands.Command.Name.
func (*attach) Name() string {
	return "attach"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*attach) Synopsis() string {
	return "attach devices to their default domains"
}

// Usage implements subcommands.Command.Usage.
func (*attach) Usage() string {
	return "attach [-detach] [device...]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *attach) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.detach, "detach", false, "detach devices once attached")
}

// Execute implements subcommands.Command.Execute.
func (a *attach) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sim := args[0].(*simulator)

	type larbKey struct {
		instance int
		larb     int
	}

	var larbs []larbKey
	seen := map[larbKey]bool{}
	doms := map[string]*m4u.Domain{}

	for _, name := range sim.deviceNames(f.Args()) {
		dev, dom, g, err := sim.attach(ctx, name)

		if err != nil {
			log.Printf("%s: %v", name, err)
			return subcommands.ExitFailure
		}

		doms[name] = dom

		inst, b, err := sim.bank(dev)

		if err != nil {
			log.Printf("%s: %v", name, err)
			return subcommands.ExitFailure
		}

		for _, id := range dev.IDs {
			k := larbKey{inst.ID, m4u.LarbOf(id)}

			if inst.Profile().Type != m4u.TypeMM {
				k.larb = -1
			}

			if !seen[k] {
				seen[k] = true
				larbs = append(larbs, k)
			}
		}

		start, end := dom.Aperture()
		log.Printf("%-6s -> %s bank:%d secure:%v group:%d region:%s [%#x-%#x] pt:%#x", name, inst.Name, b.ID, b.Secure, g.ID, dom.Region().Name, start, end, dom.Table().TTBR())
	}

	for _, k := range larbs {
		st := sim.larbs.State(k.instance, k.larb)
		log.Printf("larb %d/%-2d mmu_en:%#08x", k.instance, k.larb, st.MMUEn)

		for p := 0; p < larb.Ports; p++ {
			if h, ok := st.AddrHigh[p]; ok && h != 0 {
				log.Printf("  port %d addr_high:%d", p, h)
			}
		}
	}

	if !a.detach {
		return subcommands.ExitSuccess
	}

	for _, name := range sim.deviceNames(f.Args()) {
		if err := sim.drv.Detach(ctx, doms[name], sim.devs[name]); err != nil {
			log.Printf("%s: %v", name, err)
			return subcommands.ExitFailure
		}

		log.Printf("%-6s detached", name)
	}

	return subcommands.ExitSuccess
}
