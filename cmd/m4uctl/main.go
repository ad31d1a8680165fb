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

// m4uctl drives a simulated SoC through the M4U driver: device attach, DMA
// mapping, fault reporting and power transitions.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-iommu/internal/config"
)

var configPath = flag.String("config", "", "SoC description (YAML), the built-in description is used when empty")

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	klog.InitFlags(nil)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&platforms{}, "")
	subcommands.Register(&attach{}, "")
	subcommands.Register(&mapDMA{}, "")
	subcommands.Register(&fault{}, "")
	subcommands.Register(&stress{}, "")
	subcommands.Register(&suspend{}, "")

	flag.Parse()

	var cfg *config.Config
	var err error

	if *configPath == "" {
		cfg, err = config.Parse(config.Default)
	} else {
		cfg, err = config.Load(*configPath)
	}

	if err != nil {
		log.Fatalf("could not load SoC description, %v", err)
	}

	sim, err := newSimulator(cfg)

	if err != nil {
		log.Fatalf("could not build simulated SoC, %v", err)
	}

	status := subcommands.Execute(context.Background(), sim)

	sim.Close()
	klog.Flush()

	os.Exit(int(status))
}
