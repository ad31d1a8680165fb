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
	"math/rand"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
)

// stress implements subcommands.Command for the "stress" command.
type stress struct {
	device  string
	n       int
	workers int
	seed    int64
}

// Name implements subcommands.Command.Name.
func (*stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stress) Synopsis() string {
	return "map and unmap random buffers concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*stress) Usage() string {
	return "stress [-device name] [-n count] [-workers n] [-seed s]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stress) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.device, "device", "ovl", "device name")
	f.IntVar(&s.n, "n", 4096, "number of map/unmap cycles")
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers")
	f.Int64Var(&s.seed, "seed", 1, "random seed")
}

var stressSizes = []uint64{
	pgtable.SZ_4K,
	pgtable.SZ_64K,
	pgtable.SZ_1M,
	3 * pgtable.SZ_4K,
	pgtable.SZ_16M,
}

// Execute implements subcommands.Command.Execute.
func (s *stress) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sim := args[0].(*simulator)

	_, dom, _, err := sim.attach(ctx, s.device)

	if err != nil {
		log.Printf("%s: %v", s.device, err)
		return subcommands.ExitFailure
	}

	release, err := sim.powerOn(ctx)

	if err != nil {
		log.Printf("could not power on, %v", err)
		return subcommands.ExitFailure
	}
	defer release()

	bar := pb.StartNew(s.n)
	work := make(chan int)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)

		for i := 0; i < s.n; i++ {
			select {
			case work <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	for w := 0; w < s.workers; w++ {
		rnd := rand.New(rand.NewSource(s.seed + int64(w)))

		g.Go(func() error {
			for range work {
				size := stressSizes[rnd.Intn(len(stressSizes))]
				pa := 0x8000_0000 + uint64(rnd.Intn(1<<16))*pgtable.SZ_4K

				addr, err := dom.MapDMA(pa, size, pgtable.ProtRead|pgtable.ProtWrite)

				if err != nil {
					return err
				}

				if err = dom.UnmapDMA(addr); err != nil {
					return err
				}

				bar.Increment()
			}

			return nil
		})
	}

	err = g.Wait()
	bar.Finish()

	if err != nil {
		log.Printf("stress failed, %v", err)
		return subcommands.ExitFailure
	}

	log.Printf("page table memory in use:%#x", sim.pool.InUse())
	sim.printMetrics()

	return subcommands.ExitSuccess
}
