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
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// HWList represents a group of instances presenting one logical address
// space.
type HWList struct {
	Name string

	mu      sync.Mutex
	members []int

	// page table shared by the domains of the list
	table *pgtable.Table
}

// Members returns the identifiers of the list instances in probe order.
func (l *HWList) Members() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]int(nil), l.members...)
}

// Registry holds the M4U instances of a system, instances and their banks
// are addressed by index.
type Registry struct {
	mu    sync.RWMutex
	insts []*Instance
	lists map[string]*HWList

	metrics *metrics
}

// NewRegistry returns an empty registry, metrics are registered on r when
// not nil.
func NewRegistry(r prometheus.Registerer) *Registry {
	return &Registry{
		lists:   make(map[string]*HWList),
		metrics: newMetrics(r),
	}
}

// Probe adds an M4U instance to the registry.
func (r *Registry) Probe(cfg ProbeConfig) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := newInstance(len(r.insts), &cfg)

	if err != nil {
		return nil, err
	}

	inst.metrics = r.metrics

	name := inst.prof.HWList

	if name == "" {
		name = inst.Name
	}

	l, ok := r.lists[name]

	if !ok {
		l = &HWList{Name: name}
		r.lists[name] = l
	}

	l.mu.Lock()
	l.members = append(l.members, inst.ID)
	l.mu.Unlock()

	inst.list = l
	r.insts = append(r.insts, inst)

	klog.Infof("m4u: probed %s (%s) banks:%d 4GB:%v list:%s", inst.Name, inst.prof.Name, len(inst.banks), inst.enable4GB, l.Name)

	return inst, nil
}

// Instance returns a registered instance.
func (r *Registry) Instance(id int) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || id >= len(r.insts) || r.insts[id] == nil {
		return nil, fmt.Errorf("%w (instance %d)", ErrNoDevice, id)
	}

	return r.insts[id], nil
}

// Instances returns all registered instances.
func (r *Registry) Instances() (insts []*Instance) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, inst := range r.insts {
		if inst != nil {
			insts = append(insts, inst)
		}
	}

	return
}

// Bank resolves a bank reference.
func (r *Registry) Bank(ref BankRef) (*Instance, *Bank, error) {
	inst, err := r.Instance(ref.Instance)

	if err != nil {
		return nil, nil, err
	}

	b, err := inst.Bank(ref.Bank)

	return inst, b, err
}

// first returns the first live instance of a shared hardware list.
func (r *Registry) first(l *HWList) (*Instance, error) {
	for _, id := range l.Members() {
		if inst, err := r.Instance(id); err == nil {
			return inst, nil
		}
	}

	return nil, fmt.Errorf("%w (empty list %s)", ErrNoDevice, l.Name)
}

// siblings returns the live instances of a shared hardware list.
func (r *Registry) siblings(l *HWList) (insts []*Instance) {
	for _, id := range l.Members() {
		if inst, err := r.Instance(id); err == nil {
			insts = append(insts, inst)
		}
	}

	return
}

// Remove tears down an instance, releasing bank interrupts and
// unbinding domains.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()

	if id < 0 || id >= len(r.insts) || r.insts[id] == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w (instance %d)", ErrNoDevice, id)
	}

	inst := r.insts[id]
	r.insts[id] = nil

	r.mu.Unlock()

	var detached []*Domain

	defer func() {
		for _, dom := range detached {
			if _, b := r.holder(dom); b == nil {
				dom.release()
			}
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	for _, b := range inst.banks {
		dom := b.dom.Swap(nil)

		if dom == nil {
			continue
		}

		detached = append(detached, dom)

		inst.irq.Free(b.IRQ)

		if b.regs != nil {
			b.regs.Write(M4U_PT_BASE_ADDR, 0)
		}
	}

	l := inst.list
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, m := range l.members {
		if m == id {
			l.members = append(l.members[:i], l.members[i+1:]...)
			break
		}
	}

	if len(l.members) == 0 && l.table != nil {
		l.table.Free()
		l.table = nil
	}

	klog.Infof("m4u: removed %s", inst.Name)

	return nil
}

// holder returns the first bank, of any registered instance, translating
// through dom.
func (r *Registry) holder(dom *Domain) (*Instance, *Bank) {
	for _, inst := range r.Instances() {
		for _, b := range inst.banks {
			if b.dom.Load() == dom {
				return inst, b
			}
		}
	}

	return nil, nil
}

// Close removes all instances.
func (r *Registry) Close() error {
	for _, inst := range r.Instances() {
		if err := r.Remove(inst.ID); err != nil {
			return err
		}
	}

	return nil
}

// Suspend saves the state of every powered instance ahead of system sleep.
func (r *Registry) Suspend(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, inst := range r.Instances() {
		g.Go(func() error {
			return inst.Suspend(ctx)
		})
	}

	return g.Wait()
}

// Resume restores the state of every powered instance after system sleep.
func (r *Registry) Resume(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, inst := range r.Instances() {
		g.Go(func() error {
			return inst.Resume(ctx)
		})
	}

	return g.Wait()
}
