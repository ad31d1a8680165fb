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

//go:build tamago
// +build tamago

package pgtable

import (
	"fmt"

	"github.com/usbarmory/tamago/dma"
)

// Region is an Allocator handing out table memory from a tamago DMA
// region, which must lie outside of Go runtime memory.
type Region struct {
	r *dma.Region
}

// NewRegion returns an Allocator for the physical window
// [start, start+size).
func NewRegion(start uint, size int) (*Region, error) {
	r, err := dma.NewRegion(start, size, false)

	if err != nil {
		return nil, err
	}

	return &Region{r: r}, nil
}

// Alloc implements Allocator.
func (r *Region) Alloc(size uint64, align uint64) (addr uint64, err error) {
	if size == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("invalid allocation size:%d align:%d", size, align)
	}

	// the region panics once exhausted
	defer func() {
		if e := recover(); e != nil {
			addr = 0
			err = fmt.Errorf("region exhausted (%#x-%#x), %v", r.r.Start(), r.r.End(), e)
		}
	}()

	a, buf := r.r.Reserve(int(size), int(align))

	clear(buf)

	return uint64(a), nil
}

// Free implements Allocator.
func (r *Region) Free(phys uint64) {
	r.r.Release(uint(phys))
}
