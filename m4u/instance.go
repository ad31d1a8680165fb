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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/transparency-dev/armored-witness-iommu/api"
	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
	"golang.org/x/time/rate"
)

// Default tunables
const (
	DefaultFlushPollInterval = 10 * time.Microsecond
	DefaultFlushPollBudget   = 1000
	DefaultFaultLogInterval  = 5 * time.Second
)

var (
	// ErrNoDevice is returned for unknown or removed instances.
	ErrNoDevice = errors.New("m4u: no such device")
	// ErrIRQ is returned when a bank interrupt line cannot be requested.
	ErrIRQ = errors.New("m4u: interrupt registration failed")
	// ErrPower is returned when the power domain of an instance cannot
	// be acquired.
	ErrPower = errors.New("m4u: power domain unavailable")
	// ErrSecure is returned when the secure monitor fails a bank request.
	ErrSecure = errors.New("m4u: secure monitor request failed")
)

// Power represents the runtime power domain of an instance, references
// are counted.
type Power interface {
	// Get acquires a reference, powering the instance if required.
	Get(ctx context.Context) error
	// GetIfActive acquires a reference only if the instance is already
	// powered, it never blocks.
	GetIfActive() bool
	// Put releases a reference acquired with Get or GetIfActive.
	Put()
}

// PowerNotifier is implemented by power domains which dispatch runtime PM
// transitions to the powered instance.
type PowerNotifier interface {
	Notify(suspend func(context.Context) error, resume func(context.Context) error)
}

// IRQController represents the interrupt controller serving bank lines.
type IRQController interface {
	Request(irq int, handler func()) error
	Free(irq int)
}

// Clock represents the bus clock gating an instance.
type Clock interface {
	Enable() error
	Disable()
}

// SysConfig represents the system configuration registers.
type SysConfig interface {
	// InfraMisc returns the infrastructure misc register.
	InfraMisc() (uint32, error)
}

// SecureBridge represents the secure monitor owning secure bank state.
type SecureBridge interface {
	DumpSecureRegisters(bank rpc.Bank) (rpc.SecureResponse, error)
	BackupSecureRegisters(bank rpc.Bank) error
	RestoreSecureRegisters(bank rpc.Bank) error
}

// Options represents instance tunables.
type Options struct {
	// FlushPollInterval is the delay between range invalidation
	// completion polls.
	FlushPollInterval time.Duration
	// FlushPollBudget is the number of completion polls before falling
	// back to a full flush.
	FlushPollBudget uint64
	// FaultLogInterval limits fault diagnostics to one record per
	// interval.
	FaultLogInterval time.Duration

	// OnFault, when set, receives every decoded fault.
	OnFault func(api.FaultRecord)
}

func (o *Options) defaults() {
	if o.FlushPollInterval == 0 {
		o.FlushPollInterval = DefaultFlushPollInterval
	}

	if o.FlushPollBudget == 0 {
		o.FlushPollBudget = DefaultFlushPollBudget
	}

	if o.FaultLogInterval == 0 {
		o.FaultLogInterval = DefaultFaultLogInterval
	}
}

// BankResources represents the hardware resources of a bank.
type BankResources struct {
	// Regs is the register window, nil for secure banks.
	Regs Window
	IRQ  int
}

// ProbeConfig represents the resources of an M4U instance.
type ProbeConfig struct {
	Name     string
	Platform *Platform

	// Banks holds one entry for each platform bank.
	Banks []BankResources
	// Larbs is the number of local arbiters behind the instance.
	Larbs int

	Power     Power
	IRQ       IRQController
	Clock     Clock
	SysConfig SysConfig
	Bridge    SecureBridge

	// Protect is the physical address of a buffer of at least
	// 2*PROTECT_PA_ALIGN bytes, absorbing translation fault accesses.
	Protect uint64

	// Allocator provides page table memory.
	Allocator pgtable.Allocator

	Options Options
}

// Instance represents a probed M4U hardware instance.
type Instance struct {
	ID   int
	Name string

	prof  *Profile
	banks []*Bank
	list  *HWList
	larbs int

	pm     Power
	irq    IRQController
	clk    Clock
	bridge SecureBridge
	alloc  pgtable.Allocator

	enable4GB bool
	protect   uint64

	opts    Options
	metrics *metrics
	limiter *rate.Limiter

	// serialises bank binding and group creation
	mu     sync.Mutex
	groups []*Group

	// runtime PM context, bank 0 registers
	saved     bool
	wrLenCtrl uint32
	miscCtrl  uint32
	dcmDis    uint32
	ctrlReg   uint32
	vldPARng  uint32
}

// Profile returns the resolved platform profile.
func (inst *Instance) Profile() *Profile {
	return inst.prof
}

// Enable4GB reports whether DRAM is accessed through the 4GB remap.
func (inst *Instance) Enable4GB() bool {
	return inst.enable4GB
}

// Banks returns the instance banks.
func (inst *Instance) Banks() []*Bank {
	return inst.banks
}

// Bank returns an instance bank.
func (inst *Instance) Bank(id int) (*Bank, error) {
	if id < 0 || id >= len(inst.banks) {
		return nil, fmt.Errorf("%s: invalid bank %d", inst.Name, id)
	}

	return inst.banks[id], nil
}

// List returns the shared hardware list the instance belongs to.
func (inst *Instance) List() *HWList {
	return inst.list
}

func (inst *Instance) label() string {
	return inst.Name
}

func (inst *Instance) secureBank(b *Bank) rpc.Bank {
	return rpc.Bank{
		Instance: inst.ID,
		Bank:     b.ID,
		Count:    len(inst.banks),
	}
}

func newInstance(id int, cfg *ProbeConfig) (inst *Instance, err error) {
	prof, err := Resolve(cfg.Platform)

	if err != nil {
		return
	}

	switch {
	case len(cfg.Banks) != len(prof.Banks):
		return nil, fmt.Errorf("%s: %d bank resources for %d banks", cfg.Name, len(cfg.Banks), len(prof.Banks))
	case cfg.Power == nil:
		return nil, fmt.Errorf("%s: missing power domain", cfg.Name)
	case cfg.IRQ == nil:
		return nil, fmt.Errorf("%s: missing interrupt controller", cfg.Name)
	case cfg.Allocator == nil:
		return nil, fmt.Errorf("%s: missing page table allocator", cfg.Name)
	case cfg.Banks[0].Regs == nil || prof.Banks[0].Secure:
		return nil, fmt.Errorf("%s: bank 0 must be directly accessible", cfg.Name)
	}

	inst = &Instance{
		ID:      id,
		Name:    cfg.Name,
		prof:    prof,
		larbs:   cfg.Larbs,
		pm:      cfg.Power,
		irq:     cfg.IRQ,
		clk:     cfg.Clock,
		bridge:  cfg.Bridge,
		alloc:   cfg.Allocator,
		protect: (cfg.Protect + PROTECT_PA_ALIGN - 1) &^ (PROTECT_PA_ALIGN - 1),
		opts:    cfg.Options,
		groups:  make([]*Group, len(prof.Regions)),
	}

	if inst.Name == "" {
		inst.Name = prof.Name + "-" + strconv.Itoa(id)
	}

	inst.opts.defaults()
	inst.limiter = rate.NewLimiter(rate.Every(inst.opts.FaultLogInterval), 1)

	for i, spec := range prof.Banks {
		b := &Bank{
			ID:     i,
			IRQ:    cfg.Banks[i].IRQ,
			Secure: spec.Secure,
			regs:   cfg.Banks[i].Regs,
		}

		switch {
		case !spec.Enabled:
		case spec.Secure && inst.bridge == nil:
			return nil, fmt.Errorf("%s: secure bank %d without secure bridge", inst.Name, i)
		case !spec.Secure && b.regs == nil:
			return nil, fmt.Errorf("%s: bank %d without registers", inst.Name, i)
		}

		inst.banks = append(inst.banks, b)
	}

	if prof.Has(HAS_4GB_MODE) {
		if cfg.SysConfig == nil {
			return nil, fmt.Errorf("%s: missing system configuration", inst.Name)
		}

		misc, err := cfg.SysConfig.InfraMisc()

		if err != nil {
			return nil, fmt.Errorf("%s: could not read 4GB mode, %v", inst.Name, err)
		}

		inst.enable4GB = get(misc, INFRA_MISC_4GB, 1) == 1
	}

	if n, ok := cfg.Power.(PowerNotifier); ok {
		n.Notify(inst.RuntimeSuspend, inst.RuntimeResume)
	}

	return
}
