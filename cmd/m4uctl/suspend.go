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

	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
)

// suspend implements subcommands.Command for the "suspend" command.
type suspend struct{}

// Name implements subcommands.Command.Name.
func (*suspend) Name() string {
	return "suspend"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*suspend) Synopsis() string {
	return "run a system suspend/resume cycle with all devices attached"
}

// Usage implements subcommands.Command.Usage.
func (*suspend) Usage() string {
	return "suspend\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*suspend) SetFlags(*flag.FlagSet) {}

func (s *simulator) report(stage string) {
	for _, si := range s.insts {
		resumes, suspends := si.power.Transitions()
		log.Printf("%-8s %-6s refs:%d resumes:%d suspends:%d clock:%v", stage, si.inst.Name, si.power.Refs(), resumes, suspends, si.clk.Enabled)

		for _, b := range si.inst.Banks() {
			if !b.Secure || b.Domain() == nil {
				continue
			}

			bank := rpc.Bank{Instance: si.inst.ID, Bank: b.ID, Count: len(si.inst.Banks())}
			log.Printf("%-8s %-6s bank:%d secure state saved:%v", stage, si.inst.Name, b.ID, s.mon.Saved(bank))
		}
	}
}

// Execute implements subcommands.Command.Execute.
func (*suspend) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sim := args[0].(*simulator)

	for _, name := range sim.deviceNames(nil) {
		if _, _, _, err := sim.attach(ctx, name); err != nil {
			log.Printf("%s: %v", name, err)
			return subcommands.ExitFailure
		}
	}

	release, err := sim.powerOn(ctx)

	if err != nil {
		log.Printf("could not power on, %v", err)
		return subcommands.ExitFailure
	}
	defer release()

	sim.report("active")

	if err := sim.reg.Suspend(ctx); err != nil {
		log.Printf("suspend failed, %v", err)
		return subcommands.ExitFailure
	}

	sim.report("suspend")

	if err := sim.reg.Resume(ctx); err != nil {
		log.Printf("resume failed, %v", err)
		return subcommands.ExitFailure
	}

	sim.report("resume")

	return subcommands.ExitSuccess
}
