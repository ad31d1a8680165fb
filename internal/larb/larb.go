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

// Package larb implements the local arbiters (larbs) sitting between bus
// masters and the M4U, each larb port is individually switched between
// physical and translated addressing.
package larb

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

// Ports is the number of ports of a local arbiter.
const Ports = 32

// ErrNoPorts is returned for a configuration not addressing any port.
var ErrNoPorts = errors.New("larb: empty port mask")

// State represents the translation settings of a local arbiter.
type State struct {
	// MMUEn holds the mask of the ports with translation enabled.
	MMUEn uint32
	// AddrHigh holds, for each translated port, the address bits above
	// bit 31 of the region its device is bound to.
	AddrHigh map[int]uint32
}

type key struct {
	instance int
	larb     int
}

// Arbiters represents the local arbiters of a SoC, infrastructure masters
// (larb -1) are tracked as an additional arbiter of each instance.
type Arbiters struct {
	mu    sync.Mutex
	larbs map[key]*State
}

var _ m4u.Arbiter = (*Arbiters)(nil)

// New returns a set of arbiters with all ports in physical addressing.
func New() *Arbiters {
	return &Arbiters{
		larbs: make(map[key]*State),
	}
}

// Configure switches the ports of a local arbiter.
func (a *Arbiters) Configure(ctx context.Context, cfg m4u.PortConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if cfg.Ports == 0 {
		return fmt.Errorf("%w (%s)", ErrNoPorts, cfg.Device)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{cfg.Instance, cfg.Larb}
	s, ok := a.larbs[k]

	if !ok {
		s = &State{AddrHigh: make(map[int]uint32)}
		a.larbs[k] = s
	}

	for p := cfg.Ports; p != 0; p &= p - 1 {
		port := bits.TrailingZeros32(p)

		if cfg.Enable {
			s.AddrHigh[port] = cfg.AddrHigh
		} else {
			delete(s.AddrHigh, port)
		}
	}

	if cfg.Enable {
		s.MMUEn |= cfg.Ports
	} else {
		s.MMUEn &^= cfg.Ports
	}

	klog.V(2).Infof("larb %d/%d %s ports:%#x enable:%v mmu_en:%#x", cfg.Instance, cfg.Larb, cfg.Device, cfg.Ports, cfg.Enable, s.MMUEn)

	return nil
}

// State returns a copy of the settings of a local arbiter.
func (a *Arbiters) State(instance int, larb int) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := State{AddrHigh: make(map[int]uint32)}

	if s, ok := a.larbs[key{instance, larb}]; ok {
		st.MMUEn = s.MMUEn

		for p, h := range s.AddrHigh {
			st.AddrHigh[p] = h
		}
	}

	return st
}

// Translated reports whether a master routes through the M4U.
func (a *Arbiters) Translated(instance int, larb int, port int) bool {
	if port < 0 || port >= Ports {
		return false
	}

	return a.State(instance, larb).MMUEn&(1<<port) != 0
}
