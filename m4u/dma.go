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
	"fmt"

	"github.com/transparency-dev/armored-witness-iommu/m4u/iova"
	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
)

// allocator returns the domain IOVA allocator, created on first use with
// the reserved ranges of the domain region excluded.
func (d *Domain) allocator() (*iova.Allocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.bound {
		return nil, ErrNotAttached
	}

	if d.dma != nil {
		return d.dma, nil
	}

	a := iova.New(d.start, d.end)

	// never hand out IOVA 0
	if err := a.Reserve(d.start, pgtable.SZ_4K); err != nil {
		return nil, err
	}

	for _, r := range d.resv {
		if err := a.Reserve(r.Start, r.Size); err != nil {
			return nil, fmt.Errorf("could not reserve %#x+%#x, %w", r.Start, r.Size, err)
		}
	}

	d.dma = a

	return a, nil
}

// MapDMA maps a physical buffer at a dynamically allocated IOVA.
func (d *Domain) MapDMA(pa uint64, size uint64, prot pgtable.Prot) (addr uint64, err error) {
	a, err := d.allocator()

	if err != nil {
		return
	}

	off := pa & (pgtable.SZ_4K - 1)
	size = (size + off + pgtable.SZ_4K - 1) &^ (pgtable.SZ_4K - 1)
	pa -= off

	align := uint64(pgtable.SZ_4K)

	for _, pg := range []uint64{pgtable.SZ_16M, pgtable.SZ_1M, pgtable.SZ_64K} {
		if size >= pg && pa&(pg-1) == 0 {
			align = pg
			break
		}
	}

	if addr, err = a.Alloc(size, align); err != nil {
		return
	}

	if err = d.Map(addr, pa, size, prot); err != nil {
		a.Free(addr)
		return 0, err
	}

	d.IOTLBSyncMap(addr, size)

	return addr + off, nil
}

// UnmapDMA unmaps a buffer mapped with MapDMA.
func (d *Domain) UnmapDMA(addr uint64) error {
	a, err := d.allocator()

	if err != nil {
		return err
	}

	addr &^= pgtable.SZ_4K - 1

	size, err := a.Size(addr)

	if err != nil {
		return err
	}

	// the range is only released once no translation of it remains
	d.Unmap(addr, size)
	d.IOTLBSync(addr, size)

	_, err = a.Free(addr)

	return err
}
