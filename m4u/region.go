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
	"errors"
	"fmt"
)

// ReservationKind represents how an IOVA region is reserved.
type ReservationKind int

const (
	// ResvNone regions are freely allocatable.
	ResvNone ReservationKind = iota
	// ResvDirect regions are identity mapped (IOVA == PA).
	ResvDirect
	// ResvReserved regions must never be allocated.
	ResvReserved
)

func (k ReservationKind) String() string {
	switch k {
	case ResvDirect:
		return "direct"
	case ResvReserved:
		return "reserved"
	default:
		return "none"
	}
}

// Region represents a static partition of the IOVA space.
type Region struct {
	Name string
	Base uint64
	Size uint64
	Kind ReservationKind
}

// End returns the last address of the region.
func (r Region) End() uint64 {
	return r.Base + r.Size - 1
}

// Contains reports whether [start, end] lies within the region.
func (r Region) Contains(start uint64, end uint64) bool {
	return start >= r.Base && end <= r.End()
}

// AddrHigh returns the region address bits above bit 31, as programmed in
// the local arbiter for ports using the region.
func (r Region) AddrHigh() uint32 {
	return uint32(r.Base >> 32)
}

// DMARange represents the DMA address window a device declares.
type DMARange struct {
	Start uint64
	Size  uint64
}

// End returns the last address of the range.
func (d DMARange) End() uint64 {
	return d.Start + d.Size - 1
}

// ErrInvalidRegion is returned when a device cannot be classified into an
// IOVA region.
var ErrInvalidRegion = errors.New("no IOVA region matches device DMA range")

// validateRegions checks that regions are either disjoint or nested.
func validateRegions(regions []Region) error {
	for i, a := range regions {
		if a.Size == 0 || a.End() < a.Base {
			return fmt.Errorf("invalid region %d (%#x+%#x)", i, a.Base, a.Size)
		}

		for j, b := range regions[:i] {
			disjoint := a.End() < b.Base || b.End() < a.Base
			nested := a.Contains(b.Base, b.End()) || b.Contains(a.Base, a.End())

			if !disjoint && !nested {
				return fmt.Errorf("region %d overlaps region %d", i, j)
			}
		}
	}

	return nil
}

// ResolveRegion returns the index of the region a DMA range belongs to. A
// region with identical bounds wins, otherwise the first region containing
// the whole range is selected. Devices without a declared range, and
// platforms with a single region, always resolve to region 0.
func ResolveRegion(regions []Region, dma *DMARange) (int, error) {
	if dma == nil || len(regions) == 1 {
		return 0, nil
	}

	if dma.Size == 0 || dma.End() < dma.Start {
		return -1, fmt.Errorf("%w (%#x+%#x)", ErrInvalidRegion, dma.Start, dma.Size)
	}

	candidate := -1

	for i, r := range regions {
		if dma.Start == r.Base && dma.End() == r.End() {
			return i, nil
		}

		if candidate < 0 && r.Contains(dma.Start, dma.End()) {
			candidate = i
		}
	}

	if candidate < 0 {
		return -1, fmt.Errorf("%w (%#x+%#x)", ErrInvalidRegion, dma.Start, dma.Size)
	}

	return candidate, nil
}
