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

// Package pgtable implements the I/O page tables walked by the M4U
// translation units.
//
// The format is the ARMv7 short-descriptor layout as used by MediaTek
// IOMMUs: level 1 entries map 1MB sections, 16MB supersections or point to a
// level 2 table of 4KB small pages and 64KB large pages. Access permissions
// are not encoded, and physical address bits [34:32] are carried in otherwise
// unused descriptor bits.
package pgtable

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Supported page sizes.
const (
	SZ_4K  = 1 << 12
	SZ_64K = 1 << 16
	SZ_1M  = 1 << 20
	SZ_16M = 1 << 24

	// DefaultPageSizes is the bitmap of every page size the format supports.
	DefaultPageSizes = SZ_4K | SZ_64K | SZ_1M | SZ_16M
)

// Descriptor layout
const (
	LVL1_SHIFT   = 20
	LVL2_SHIFT   = 12
	LVL2_ENTRIES = 256
	LVL2_SIZE    = LVL2_ENTRIES * 4
	CONT_ENTRIES = 16

	PTE_TYPE_MASK    = 0x3
	PTE_TYPE_TABLE   = 0x1
	PTE_TYPE_SECTION = 0x2
	PTE_TYPE_LARGE   = 0x1
	PTE_TYPE_SMALL   = 0x2
	PTE_SUPERSECTION = 1 << 18
	PTE_TABLE_MASK   = 0xfffffc00

	PTE_MTK_PA_BIT32 = 1 << 9
	PTE_MTK_PA_BIT33 = 1 << 4
	PTE_MTK_PA_BIT34 = 1 << 5
)

// Prot represents the access rights requested for a mapping.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtCache
	ProtNoExec
)

// Mapping errors
var (
	ErrExist    = errors.New("pgtable: mapping already present")
	ErrRange    = errors.New("pgtable: address out of range")
	ErrAlign    = errors.New("pgtable: misaligned address or size")
	ErrNoMemory = errors.New("pgtable: out of table memory")
	// ErrFreed is returned when mapping into a Table released with Free.
	ErrFreed = errors.New("pgtable: table freed")
)

// Config describes the translation regime of a Table.
type Config struct {
	// PageSizes is a bitmap of the page sizes which may be used for
	// mappings, zero selects DefaultPageSizes.
	PageSizes uint64
	// IAS is the input (IOVA) address width, from 32 to 34 bits.
	IAS int
	// OAS is the output (physical) address width, from 32 to 35 bits.
	OAS int
	// TTBRExt allows the level 1 table to be placed above 4GB.
	TTBRExt bool
}

type lvl2 struct {
	pte  [LVL2_ENTRIES]uint32
	used int
}

// Table represents a set of I/O page tables.
type Table struct {
	sync.Mutex

	cfg   Config
	alloc Allocator

	l1     []uint32
	l1Phys uint64
	l2     map[uint64]*lvl2
}

// New allocates the level 1 table for the given configuration.
func New(cfg Config, alloc Allocator) (t *Table, err error) {
	if cfg.PageSizes == 0 {
		cfg.PageSizes = DefaultPageSizes
	}

	switch {
	case alloc == nil:
		return nil, errors.New("pgtable: missing allocator")
	case cfg.IAS < 32 || cfg.IAS > 34:
		return nil, fmt.Errorf("pgtable: unsupported input address size %d", cfg.IAS)
	case cfg.OAS < 32 || cfg.OAS > 35:
		return nil, fmt.Errorf("pgtable: unsupported output address size %d", cfg.OAS)
	case cfg.PageSizes&^DefaultPageSizes != 0 || cfg.PageSizes&SZ_4K == 0:
		return nil, fmt.Errorf("pgtable: unsupported page sizes %#x", cfg.PageSizes)
	}

	entries := 1 << (cfg.IAS - LVL1_SHIFT)
	size := uint64(entries * 4)

	phys, err := alloc.Alloc(size, size)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}

	if !cfg.TTBRExt && phys>>32 != 0 {
		alloc.Free(phys)
		return nil, fmt.Errorf("pgtable: level 1 table %#x above 4GB", phys)
	}

	t = &Table{
		cfg:    cfg,
		alloc:  alloc,
		l1:     make([]uint32, entries),
		l1Phys: phys,
		l2:     make(map[uint64]*lvl2),
	}

	klog.V(2).Infof("pgtable: ias:%d oas:%d l1:%#x (%d entries)", cfg.IAS, cfg.OAS, phys, entries)

	return
}

// Config returns the table translation regime.
func (t *Table) Config() Config {
	return t.cfg
}

// TTBR returns the physical address of the level 1 table.
func (t *Table) TTBR() uint64 {
	return t.l1Phys
}

func paToPTE(pa uint64, shift uint) (pte uint32) {
	pte = uint32(pa) &^ (1<<shift - 1)

	if pa&(1<<32) != 0 {
		pte |= PTE_MTK_PA_BIT32
	}

	if pa&(1<<33) != 0 {
		pte |= PTE_MTK_PA_BIT33
	}

	if pa&(1<<34) != 0 {
		pte |= PTE_MTK_PA_BIT34
	}

	return
}

func pteToPA(pte uint32, shift uint) (pa uint64) {
	pa = uint64(pte &^ (1<<shift - 1))

	if pte&PTE_MTK_PA_BIT32 != 0 {
		pa |= 1 << 32
	}

	if pte&PTE_MTK_PA_BIT33 != 0 {
		pa |= 1 << 33
	}

	if pte&PTE_MTK_PA_BIT34 != 0 {
		pa |= 1 << 34
	}

	return
}

func (t *Table) check(iova uint64, pa uint64, size uint64) error {
	switch {
	case size == 0 || (iova|pa|size)&(SZ_4K-1) != 0:
		return ErrAlign
	case iova+size < iova || iova+size > 1<<t.cfg.IAS:
		return ErrRange
	case pa+size < pa || pa+size > 1<<t.cfg.OAS:
		return ErrRange
	}

	return nil
}

// pgsize returns the largest supported page size which fits both the
// alignment of addr and the remaining size.
func (t *Table) pgsize(addr uint64, size uint64) uint64 {
	for _, s := range []uint64{SZ_16M, SZ_1M, SZ_64K, SZ_4K} {
		if t.cfg.PageSizes&s != 0 && addr&(s-1) == 0 && s <= size {
			return s
		}
	}

	return 0
}

// Map installs a translation of size bytes from iova to pa, using the
// largest page sizes allowed by the alignment of both addresses. A mapping
// request without read or write access is silently ignored.
func (t *Table) Map(iova uint64, pa uint64, size uint64, prot Prot) (err error) {
	if prot&(ProtRead|ProtWrite) == 0 {
		return
	}

	if err = t.check(iova, pa, size); err != nil {
		return
	}

	t.Lock()
	defer t.Unlock()

	if t.l1 == nil {
		return ErrFreed
	}

	var mapped uint64

	for mapped < size {
		pgsize := t.pgsize((iova+mapped)|(pa+mapped), size-mapped)

		if pgsize == 0 {
			err = ErrAlign
			break
		}

		if err = t.mapOne(iova+mapped, pa+mapped, pgsize); err != nil {
			break
		}

		mapped += pgsize
	}

	if err != nil && mapped > 0 {
		t.unmap(iova, mapped)
	}

	return
}

func (t *Table) mapOne(iova uint64, pa uint64, pgsize uint64) (err error) {
	idx := iova >> LVL1_SHIFT

	switch pgsize {
	case SZ_16M:
		for i := uint64(0); i < CONT_ENTRIES; i++ {
			if t.l1[idx+i] != 0 {
				return ErrExist
			}
		}

		pte := paToPTE(pa, 24) | PTE_SUPERSECTION | PTE_TYPE_SECTION

		for i := uint64(0); i < CONT_ENTRIES; i++ {
			t.l1[idx+i] = pte
		}
	case SZ_1M:
		if t.l1[idx] != 0 {
			return ErrExist
		}

		t.l1[idx] = paToPTE(pa, LVL1_SHIFT) | PTE_TYPE_SECTION
	default:
		var tbl *lvl2

		if tbl, err = t.lvl2For(idx); err != nil {
			return
		}

		i := (iova >> LVL2_SHIFT) & (LVL2_ENTRIES - 1)
		n := uint64(1)
		pte := paToPTE(pa, LVL2_SHIFT) | PTE_TYPE_SMALL

		if pgsize == SZ_64K {
			n = CONT_ENTRIES
			pte = paToPTE(pa, 16) | PTE_TYPE_LARGE
		}

		for j := i; j < i+n; j++ {
			if tbl.pte[j] != 0 {
				return ErrExist
			}
		}

		for j := i; j < i+n; j++ {
			tbl.pte[j] = pte
		}

		tbl.used += int(n)
	}

	return
}

func (t *Table) lvl2For(idx uint64) (tbl *lvl2, err error) {
	e := t.l1[idx]

	switch e & PTE_TYPE_MASK {
	case 0:
		var phys uint64

		if phys, err = t.alloc.Alloc(LVL2_SIZE, LVL2_SIZE); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}

		if phys>>32 != 0 {
			t.alloc.Free(phys)
			return nil, fmt.Errorf("pgtable: level 2 table %#x above 4GB", phys)
		}

		tbl = &lvl2{}
		t.l2[phys] = tbl
		t.l1[idx] = uint32(phys) | PTE_TYPE_TABLE
	case PTE_TYPE_TABLE:
		tbl = t.l2[uint64(e&PTE_TABLE_MASK)]
	default:
		err = ErrExist
	}

	return
}

func (t *Table) freeLvl2(idx uint64) {
	phys := uint64(t.l1[idx] & PTE_TABLE_MASK)

	delete(t.l2, phys)
	t.alloc.Free(phys)
	t.l1[idx] = 0
}

// Unmap removes translations starting at iova, it returns the number of
// bytes unmapped which is less than size if an unmapped entry, or a partial
// unmap of a large page, is encountered.
func (t *Table) Unmap(iova uint64, size uint64) uint64 {
	if iova>>t.cfg.IAS != 0 || iova&(SZ_4K-1) != 0 {
		return 0
	}

	t.Lock()
	defer t.Unlock()

	if t.l1 == nil {
		return 0
	}

	return t.unmap(iova, size)
}

func (t *Table) unmap(iova uint64, size uint64) (unmapped uint64) {
	for unmapped < size {
		addr := iova + unmapped

		if addr>>t.cfg.IAS != 0 {
			break
		}

		n := t.unmapOne(addr, size-unmapped)

		if n == 0 {
			break
		}

		unmapped += n
	}

	return
}

func (t *Table) unmapOne(iova uint64, remaining uint64) uint64 {
	idx := iova >> LVL1_SHIFT
	e := t.l1[idx]

	switch {
	case e == 0:
		return 0
	case e&PTE_TYPE_MASK == PTE_TYPE_TABLE:
		tbl := t.l2[uint64(e&PTE_TABLE_MASK)]
		i := (iova >> LVL2_SHIFT) & (LVL2_ENTRIES - 1)
		pte := tbl.pte[i]

		if pte == 0 {
			return 0
		}

		pgsize, n := uint64(SZ_4K), uint64(1)

		if pte&PTE_TYPE_MASK == PTE_TYPE_LARGE {
			pgsize, n = SZ_64K, CONT_ENTRIES
		}

		if iova&(pgsize-1) != 0 || remaining < pgsize {
			return 0
		}

		for j := i; j < i+n; j++ {
			tbl.pte[j] = 0
		}

		if tbl.used -= int(n); tbl.used == 0 {
			t.freeLvl2(idx)
		}

		return pgsize
	case e&PTE_SUPERSECTION != 0:
		if iova&(SZ_16M-1) != 0 || remaining < SZ_16M {
			return 0
		}

		for i := uint64(0); i < CONT_ENTRIES; i++ {
			t.l1[idx+i] = 0
		}

		return SZ_16M
	default:
		if iova&(SZ_1M-1) == 0 && remaining >= SZ_1M {
			t.l1[idx] = 0
			return SZ_1M
		}

		return t.splitSection(idx, e, iova, remaining)
	}
}

// splitSection replaces a section with a level 2 table covering the same
// physical range, minus the pages being unmapped.
func (t *Table) splitSection(idx uint64, e uint32, iova uint64, remaining uint64) uint64 {
	if remaining < SZ_4K {
		return 0
	}

	phys, err := t.alloc.Alloc(LVL2_SIZE, LVL2_SIZE)

	if err != nil || phys>>32 != 0 {
		klog.Warningf("pgtable: cannot split section at %#x, %v", iova, err)
		return 0
	}

	base := pteToPA(e, LVL1_SHIFT)
	tbl := &lvl2{used: LVL2_ENTRIES}

	for i := range tbl.pte {
		tbl.pte[i] = paToPTE(base+uint64(i)*SZ_4K, LVL2_SHIFT) | PTE_TYPE_SMALL
	}

	start := (iova >> LVL2_SHIFT) & (LVL2_ENTRIES - 1)
	n := min(remaining/SZ_4K, LVL2_ENTRIES-start)

	for j := start; j < start+n; j++ {
		tbl.pte[j] = 0
	}

	tbl.used -= int(n)

	t.l2[phys] = tbl
	t.l1[idx] = uint32(phys) | PTE_TYPE_TABLE

	return n * SZ_4K
}

// IOVAToPhys returns the physical address iova translates to, or zero when
// no translation is present.
func (t *Table) IOVAToPhys(iova uint64) uint64 {
	if iova>>t.cfg.IAS != 0 {
		return 0
	}

	t.Lock()
	defer t.Unlock()

	if t.l1 == nil {
		return 0
	}

	e := t.l1[iova>>LVL1_SHIFT]

	switch {
	case e == 0:
		return 0
	case e&PTE_TYPE_MASK == PTE_TYPE_TABLE:
		pte := t.l2[uint64(e&PTE_TABLE_MASK)].pte[(iova>>LVL2_SHIFT)&(LVL2_ENTRIES-1)]

		switch {
		case pte == 0:
			return 0
		case pte&PTE_TYPE_MASK == PTE_TYPE_LARGE:
			return pteToPA(pte, 16) | iova&(SZ_64K-1)
		default:
			return pteToPA(pte, LVL2_SHIFT) | iova&(SZ_4K-1)
		}
	case e&PTE_SUPERSECTION != 0:
		return pteToPA(e, 24) | iova&(SZ_16M-1)
	default:
		return pteToPA(e, LVL1_SHIFT) | iova&(SZ_1M-1)
	}
}

// Free releases all table memory. Once freed, Map returns ErrFreed and
// lookups or unmaps find no translation.
func (t *Table) Free() {
	t.Lock()
	defer t.Unlock()

	if t.l1 == nil {
		return
	}

	for phys := range t.l2 {
		t.alloc.Free(phys)
	}

	t.alloc.Free(t.l1Phys)

	t.l2 = nil
	t.l1 = nil
}
