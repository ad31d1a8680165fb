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

// Package testonly provides in-memory M4U hardware for tests and
// simulation.
package testonly

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
)

// Write represents a register write.
type Write struct {
	Off uint32
	Val uint32
}

// Regs is an in-memory register window.
type Regs struct {
	sync.Mutex

	mem    map[uint32]uint32
	writes []Write

	// OnWrite is called, without the lock held, after each write.
	OnWrite func(r *Regs, off uint32, val uint32)
}

// NewRegs returns an empty register window.
func NewRegs() *Regs {
	return &Regs{mem: make(map[uint32]uint32)}
}

// Read returns a register value.
func (r *Regs) Read(off uint32) uint32 {
	r.Lock()
	defer r.Unlock()

	return r.mem[off]
}

// Write sets a register value and records the write.
func (r *Regs) Write(off uint32, val uint32) {
	r.Lock()
	r.mem[off] = val
	r.writes = append(r.writes, Write{off, val})
	hook := r.OnWrite
	r.Unlock()

	if hook != nil {
		hook(r, off, val)
	}
}

// Set sets a register value without recording a write, as hardware does.
func (r *Regs) Set(off uint32, val uint32) {
	r.Lock()
	defer r.Unlock()

	r.mem[off] = val
}

// Writes returns the recorded writes.
func (r *Regs) Writes() []Write {
	r.Lock()
	defer r.Unlock()

	return append([]Write(nil), r.writes...)
}

// WritesTo returns the values written to a register.
func (r *Regs) WritesTo(off uint32) (vals []uint32) {
	for _, w := range r.Writes() {
		if w.Off == off {
			vals = append(vals, w.Val)
		}
	}

	return
}

// Reset clears the recorded writes.
func (r *Regs) Reset() {
	r.Lock()
	defer r.Unlock()

	r.writes = nil
}

// IRQs is an in-memory interrupt controller.
type IRQs struct {
	sync.Mutex

	handlers map[int]func()

	// Fail, when set, is returned by the next Request.
	Fail error
}

// NewIRQs returns an interrupt controller without handlers.
func NewIRQs() *IRQs {
	return &IRQs{handlers: make(map[int]func())}
}

// Request registers an interrupt handler.
func (c *IRQs) Request(irq int, handler func()) error {
	c.Lock()
	defer c.Unlock()

	if err := c.Fail; err != nil {
		c.Fail = nil
		return err
	}

	if _, ok := c.handlers[irq]; ok {
		return fmt.Errorf("irq %d busy", irq)
	}

	c.handlers[irq] = handler

	return nil
}

// Free unregisters an interrupt handler.
func (c *IRQs) Free(irq int) {
	c.Lock()
	defer c.Unlock()

	delete(c.handlers, irq)
}

// Registered reports whether an interrupt has a handler.
func (c *IRQs) Registered(irq int) bool {
	c.Lock()
	defer c.Unlock()

	_, ok := c.handlers[irq]

	return ok
}

// Trigger runs the handler of an interrupt, it returns false if there is
// none.
func (c *IRQs) Trigger(irq int) bool {
	c.Lock()
	h, ok := c.handlers[irq]
	c.Unlock()

	if ok {
		h()
	}

	return ok
}

// Power is a reference counted power domain.
type Power struct {
	sync.Mutex

	refs     int
	resumes  int
	suspends int

	suspend func(context.Context) error
	resume  func(context.Context) error

	// Fail, when set, is returned by Get.
	Fail error
	// Hold, when set, delays Get until it is closed.
	Hold chan struct{}
}

// Notify implements m4u.PowerNotifier.
func (p *Power) Notify(suspend func(context.Context) error, resume func(context.Context) error) {
	p.Lock()
	defer p.Unlock()

	p.suspend = suspend
	p.resume = resume
}

// Get acquires a reference, resuming the domain on first use.
func (p *Power) Get(ctx context.Context) error {
	if p.Hold != nil {
		select {
		case <-p.Hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.Lock()
	defer p.Unlock()

	if p.Fail != nil {
		return p.Fail
	}

	if p.refs == 0 && p.resume != nil {
		if err := p.resume(ctx); err != nil {
			return err
		}
	}

	if p.refs == 0 {
		p.resumes++
	}

	p.refs++

	return nil
}

// GetIfActive acquires a reference if the domain is powered.
func (p *Power) GetIfActive() bool {
	p.Lock()
	defer p.Unlock()

	if p.refs == 0 {
		return false
	}

	p.refs++

	return true
}

// Put releases a reference, suspending the domain on last use.
func (p *Power) Put() {
	p.Lock()
	defer p.Unlock()

	if p.refs == 0 {
		panic("unbalanced power domain reference")
	}

	p.refs--

	if p.refs > 0 {
		return
	}

	p.suspends++

	if p.suspend != nil {
		// a failed suspend leaves the domain powered
		if err := p.suspend(context.Background()); err != nil {
			p.suspends--
		}
	}
}

// Refs returns the number of held references.
func (p *Power) Refs() int {
	p.Lock()
	defer p.Unlock()

	return p.refs
}

// Transitions returns the number of resumes and suspends.
func (p *Power) Transitions() (resumes int, suspends int) {
	p.Lock()
	defer p.Unlock()

	return p.resumes, p.suspends
}

// Clock is a gate clock.
type Clock struct {
	sync.Mutex

	Enabled bool
	Fail    error
}

// Enable ungates the clock.
func (c *Clock) Enable() error {
	c.Lock()
	defer c.Unlock()

	if c.Fail != nil {
		return c.Fail
	}

	c.Enabled = true

	return nil
}

// Disable gates the clock.
func (c *Clock) Disable() {
	c.Lock()
	defer c.Unlock()

	c.Enabled = false
}

// SysConfig holds system configuration registers.
type SysConfig struct {
	Misc uint32
	Err  error
}

// InfraMisc returns the infrastructure misc register.
func (s SysConfig) InfraMisc() (uint32, error) {
	return s.Misc, s.Err
}

// ErrBridge is returned by Bridge when configured to fail.
var ErrBridge = errors.New("secure monitor failure")

// Bridge is a secure monitor holding the fault state of secure banks.
type Bridge struct {
	sync.Mutex

	// Dump is returned on DumpSecureRegisters.
	Dump rpc.SecureResponse
	// Fail, when set, lists the failing commands.
	Fail map[rpc.Command]bool

	calls []rpc.SecureRequest
}

func (b *Bridge) call(bank rpc.Bank, cmd rpc.Command) error {
	b.Lock()
	defer b.Unlock()

	b.calls = append(b.calls, rpc.SecureRequest{Bank: bank, Command: cmd})

	if b.Fail[cmd] {
		return fmt.Errorf("%s: %w", cmd, ErrBridge)
	}

	return nil
}

// DumpSecureRegisters returns the configured fault state.
func (b *Bridge) DumpSecureRegisters(bank rpc.Bank) (rpc.SecureResponse, error) {
	if err := b.call(bank, rpc.DumpSecureRegisters); err != nil {
		return rpc.SecureResponse{}, err
	}

	b.Lock()
	defer b.Unlock()

	return b.Dump, nil
}

// BackupSecureRegisters records a backup request.
func (b *Bridge) BackupSecureRegisters(bank rpc.Bank) error {
	return b.call(bank, rpc.BackupSecureRegisters)
}

// RestoreSecureRegisters records a restore request.
func (b *Bridge) RestoreSecureRegisters(bank rpc.Bank) error {
	return b.call(bank, rpc.RestoreSecureRegisters)
}

// Calls returns the received requests.
func (b *Bridge) Calls() []rpc.SecureRequest {
	b.Lock()
	defer b.Unlock()

	return append([]rpc.SecureRequest(nil), b.calls...)
}
