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

package testonly

import (
	"fmt"
	"sync"
)

// Pool is a page table Allocator handing out simulated memory from a
// fixed physical window.
type Pool struct {
	sync.Mutex

	start uint64
	end   uint64
	next  uint64

	// live tracks allocated blocks by address
	live map[uint64]uint64
	// free tracks released blocks by size
	free map[uint64][]uint64
}

// NewPool returns a Pool for the physical window [start, start+size).
func NewPool(start uint64, size uint64) *Pool {
	return &Pool{
		start: start,
		end:   start + size,
		next:  start,
		live:  make(map[uint64]uint64),
		free:  make(map[uint64][]uint64),
	}
}

// Alloc implements pgtable.Allocator.
func (p *Pool) Alloc(size uint64, align uint64) (addr uint64, err error) {
	if size == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("invalid allocation size:%d align:%d", size, align)
	}

	if align == 0 {
		align = 1
	}

	p.Lock()
	defer p.Unlock()

	for i, a := range p.free[size] {
		if a&(align-1) == 0 {
			p.free[size] = append(p.free[size][:i], p.free[size][i+1:]...)
			p.live[a] = size
			return a, nil
		}
	}

	addr = (p.next + align - 1) &^ (align - 1)

	if addr < p.next || addr+size > p.end {
		return 0, fmt.Errorf("pool exhausted (%#x-%#x)", p.start, p.end)
	}

	p.next = addr + size
	p.live[addr] = size

	return
}

// Free implements pgtable.Allocator.
func (p *Pool) Free(phys uint64) {
	p.Lock()
	defer p.Unlock()

	size, ok := p.live[phys]

	if !ok {
		return
	}

	delete(p.live, phys)
	p.free[size] = append(p.free[size], phys)
}

// InUse returns the number of bytes currently allocated.
func (p *Pool) InUse() (n uint64) {
	p.Lock()
	defer p.Unlock()

	for _, size := range p.live {
		n += size
	}

	return
}
