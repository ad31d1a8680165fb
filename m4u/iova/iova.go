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

// Package iova manages allocation of I/O virtual address ranges within a
// translation domain aperture.
package iova

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// Allocation errors
var (
	ErrNoSpace  = errors.New("iova: address space exhausted")
	ErrOverlap  = errors.New("iova: range overlaps an existing allocation")
	ErrNotFound = errors.New("iova: no allocation at address")
)

// span is an inclusive [start, end] address range.
type span struct {
	start    uint64
	end      uint64
	reserved bool
}

func less(a, b span) bool {
	return a.start < b.start
}

// Allocator hands out I/O virtual address ranges from [start, end].
type Allocator struct {
	sync.Mutex

	start uint64
	end   uint64
	used  *btree.BTreeG[span]
}

// New returns an allocator for the inclusive range [start, end].
func New(start uint64, end uint64) *Allocator {
	return &Allocator{
		start: start,
		end:   end,
		used:  btree.NewG(8, less),
	}
}

// overlaps reports whether [start, end] intersects any tracked span.
func (a *Allocator) overlaps(start uint64, end uint64) (found bool) {
	a.used.DescendLessOrEqual(span{start: end}, func(s span) bool {
		found = s.end >= start
		return false
	})

	return
}

// Reserve excludes [start, start+size) from allocation, the range is
// clipped to the allocator bounds.
func (a *Allocator) Reserve(start uint64, size uint64) error {
	if size == 0 {
		return nil
	}

	end := start + size - 1

	if end < start {
		return fmt.Errorf("iova: invalid range %#x+%#x", start, size)
	}

	if start > a.end || end < a.start {
		return nil
	}

	start = max(start, a.start)
	end = min(end, a.end)

	a.Lock()
	defer a.Unlock()

	if a.overlaps(start, end) {
		return ErrOverlap
	}

	a.used.ReplaceOrInsert(span{start: start, end: end, reserved: true})

	return nil
}

// Alloc returns the lowest free address range of size bytes aligned to
// align, which must be a power of two.
func (a *Allocator) Alloc(size uint64, align uint64) (addr uint64, err error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("iova: invalid allocation size:%#x align:%#x", size, align)
	}

	a.Lock()
	defer a.Unlock()

	cur := (a.start + align - 1) &^ (align - 1)
	ok := cur >= a.start

	a.used.Ascend(func(s span) bool {
		if s.end < cur {
			return true
		}

		// free gap ahead of s
		if s.start > cur && s.start-cur >= size {
			return false
		}

		next := (s.end + align) &^ (align - 1)

		if next <= s.end {
			ok = false
			return false
		}

		cur = next

		return true
	})

	if !ok || cur+size-1 < cur || cur+size-1 > a.end {
		return 0, ErrNoSpace
	}

	a.used.ReplaceOrInsert(span{start: cur, end: cur + size - 1})

	return cur, nil
}

// Size returns the size of the allocation starting at addr.
func (a *Allocator) Size(addr uint64) (uint64, error) {
	a.Lock()
	defer a.Unlock()

	s, ok := a.used.Get(span{start: addr})

	if !ok || s.reserved {
		return 0, ErrNotFound
	}

	return s.end - s.start + 1, nil
}

// Free releases the allocation starting at addr, returning its size.
func (a *Allocator) Free(addr uint64) (size uint64, err error) {
	a.Lock()
	defer a.Unlock()

	s, ok := a.used.Get(span{start: addr})

	if !ok || s.reserved {
		return 0, ErrNotFound
	}

	a.used.Delete(s)

	return s.end - s.start + 1, nil
}

// Len returns the number of live allocations, reservations included.
func (a *Allocator) Len() int {
	a.Lock()
	defer a.Unlock()

	return a.used.Len()
}
