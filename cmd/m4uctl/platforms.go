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

	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

// platforms implements subcommands.Command for the "platforms" command.
type platforms struct {
	regions bool
}

// Name implements subcommands.Command.Name.
func (*platforms) Name() string {
	return "platforms"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*platforms) Synopsis() string {
	return "list supported M4U platforms"
}

// Usage implements subcommands.Command.Usage.
func (*platforms) Usage() string {
	return "platforms [-regions]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *platforms) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.regions, "regions", false, "list IOVA regions")
}

// Execute implements subcommands.Command.Execute.
func (p *platforms) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	for _, name := range m4u.Platforms() {
		plat, err := m4u.Lookup(name)

		if err != nil {
			log.Printf("%s: %v", name, err)
			return subcommands.ExitFailure
		}

		prof, err := m4u.Resolve(plat)

		if err != nil {
			log.Printf("%s: %v", name, err)
			return subcommands.ExitFailure
		}

		enabled := 0

		for _, b := range plat.Banks {
			if b.Enabled {
				enabled++
			}
		}

		log.Printf("%-14s type:%-5s ias:%d banks:%d/%d regions:%d hwlist:%s", name, plat.Type, prof.IAS, enabled, len(plat.Banks), len(plat.Regions), plat.HWList)

		if !p.regions {
			continue
		}

		for i, r := range plat.Regions {
			log.Printf("  %d %-8s %#011x-%#011x %s", i, r.Name, r.Base, r.End(), r.Kind)
		}
	}

	return subcommands.ExitSuccess
}
