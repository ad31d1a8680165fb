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
	"sort"
)

// Flags represents platform capabilities and quirks.
type Flags uint64

const (
	HAS_4GB_MODE Flags = 1 << iota
	HAS_BCLK
	HAS_SUB_COMM_2BITS
	HAS_SUB_COMM_3BITS
	HAS_VLD_PA_RNG
	RESET_AXI
	OUT_ORDER_WR_EN
	HAS_LEGACY_IVRP_PADDR
	IOVA_34_EN
	PGTABLE_PA_35_EN
	SHARE_PGTABLE
	DCM_DISABLE
	STD_AXI_MODE
	TF_PORT_TO_ADDR_MT8173
	WR_THROT_EN
	INT_ID_PORT_WIDTH_6
)

// Type represents the bus segment an M4U instance translates for.
type Type int

const (
	// TypeMM instances serve multimedia masters behind local arbiters.
	TypeMM Type = iota
	// TypeInfra instances serve infrastructure masters (e.g. PCIe).
	TypeInfra
)

func (t Type) String() string {
	if t == TypeInfra {
		return "infra"
	}

	return "mm"
}

// BankSpec describes the static configuration of a bank.
type BankSpec struct {
	// Enabled is false for banks not exposed to this operating system.
	Enabled bool
	// PortMask selects the master ports routed through the bank.
	PortMask uint32
	// Secure banks are only reachable through the secure monitor.
	Secure bool
}

// Platform holds the static configuration of an M4U hardware revision.
type Platform struct {
	Name string
	Type Type

	Flags Flags

	// InvSelReg is the offset of the invalidation selector register.
	InvSelReg uint32

	Banks   []BankSpec
	Regions []Region

	// LarbRemap maps decoded [larb][sub-common] identifiers to local
	// arbiter indices.
	LarbRemap [][]int

	// HWList names the shared hardware list of instances presenting one
	// address space, instances without one form a list on their own.
	HWList string
}

// Has reports whether all flags are set for the platform.
func (p *Platform) Has(f Flags) bool {
	return p.Flags&f == f
}

var platforms = map[string]*Platform{}

// Register adds a platform to the set returned by Lookup.
func Register(p *Platform) {
	platforms[p.Name] = p
}

// Lookup returns a registered platform by name.
func Lookup(name string) (*Platform, error) {
	if p, ok := platforms[name]; ok {
		return p, nil
	}

	return nil, fmt.Errorf("unknown platform %q", name)
}

// Platforms returns the names of all registered platforms.
func Platforms() (names []string) {
	for name := range platforms {
		names = append(names, name)
	}

	sort.Strings(names)

	return
}

// Master identifies the origin of a faulting transaction.
type Master struct {
	Larb    int
	SubComm int
	Port    int
}

// Profile represents a Platform resolved once at probe time into the
// strategies used on the hot paths.
type Profile struct {
	*Platform

	// IAS is the IOVA width (32 or 34 bits)
	IAS int

	decodeMaster func(id uint32) Master
	protectAddr  func(base uint64, enable4GB bool) uint32
	ctrlReg      func(cur uint32) uint32
	ptBase       func(pa uint64) uint32
}

// Resolve validates a platform and returns its profile.
func Resolve(p *Platform) (*Profile, error) {
	switch {
	case p == nil:
		return nil, errors.New("missing platform")
	case len(p.Banks) == 0:
		return nil, fmt.Errorf("%s: no banks", p.Name)
	case len(p.Banks) > 32:
		return nil, fmt.Errorf("%s: too many banks", p.Name)
	case len(p.Regions) == 0:
		return nil, fmt.Errorf("%s: no IOVA regions", p.Name)
	case p.InvSelReg != M4U_INV_SEL_GEN1 && p.InvSelReg != M4U_INV_SEL_GEN2:
		return nil, fmt.Errorf("%s: invalid invalidation selector %#x", p.Name, p.InvSelReg)
	case p.Has(HAS_SUB_COMM_2BITS | HAS_SUB_COMM_3BITS):
		return nil, fmt.Errorf("%s: conflicting sub-common layouts", p.Name)
	}

	if err := validateRegions(p.Regions); err != nil {
		return nil, fmt.Errorf("%s: %v", p.Name, err)
	}

	prof := &Profile{
		Platform: p,
		IAS:      32,
	}

	if p.Has(IOVA_34_EN) {
		prof.IAS = 34
	}

	switch {
	case p.Type != TypeMM:
		prof.decodeMaster = func(uint32) Master {
			return Master{Larb: -1, SubComm: -1, Port: -1}
		}
	case p.Has(HAS_SUB_COMM_2BITS):
		prof.decodeMaster = func(id uint32) Master {
			return Master{Larb: int(get(id, 9, 0x7)), SubComm: int(get(id, 7, 0x3)), Port: int(get(id, 2, 0x1f))}
		}
	case p.Has(HAS_SUB_COMM_3BITS):
		prof.decodeMaster = func(id uint32) Master {
			return Master{Larb: int(get(id, 10, 0x7)), SubComm: int(get(id, 7, 0x7)), Port: int(get(id, 2, 0x1f))}
		}
	case p.Has(INT_ID_PORT_WIDTH_6):
		prof.decodeMaster = func(id uint32) Master {
			return Master{Larb: int(get(id, 8, 0x1f)), Port: int(get(id, 2, 0x3f))}
		}
	default:
		prof.decodeMaster = func(id uint32) Master {
			return Master{Larb: int(get(id, 7, 0x7)), Port: int(get(id, 2, 0x1f))}
		}
	}

	if p.Has(HAS_LEGACY_IVRP_PADDR) {
		prof.protectAddr = func(base uint64, enable4GB bool) (val uint32) {
			val = uint32(base >> 1)

			if enable4GB {
				val |= 1 << IVRP_4GB
			}

			return
		}
	} else {
		prof.protectAddr = func(base uint64, _ bool) uint32 {
			return uint32(base) | uint32(base>>32)
		}
	}

	if p.Type == TypeMM && p.Has(TF_PORT_TO_ADDR_MT8173) {
		prof.ctrlReg = func(uint32) uint32 {
			return mask(CTRL_PREFETCH_RT_REPLACE) | TF_PROT_TO_PROGRAM_ADDR<<CTRL_TF_PROT_TO_PROGRAM_MT8173
		}
	} else {
		prof.ctrlReg = func(cur uint32) uint32 {
			return cur | TF_PROT_TO_PROGRAM_ADDR<<CTRL_TF_PROT_TO_PROGRAM
		}
	}

	if p.Has(PGTABLE_PA_35_EN) {
		prof.ptBase = func(pa uint64) uint32 {
			return uint32(pa)&^(1<<PT_BASE_ADDR-1) | uint32(pa>>32)&0x7
		}
	} else {
		prof.ptBase = func(pa uint64) uint32 {
			return uint32(pa) &^ (1<<PT_BASE_ADDR - 1)
		}
	}

	return prof, nil
}

// DecodeMaster returns the originating master of a fault identifier,
// remapped through the platform local arbiter table.
func (p *Profile) DecodeMaster(id uint32) (m Master) {
	m = p.decodeMaster(id)

	if m.Larb < 0 {
		return
	}

	if m.Larb < len(p.LarbRemap) && m.SubComm < len(p.LarbRemap[m.Larb]) {
		m.Larb = p.LarbRemap[m.Larb][m.SubComm]
	}

	return
}

// ProtectAddr returns the protect address register value for the
// translation fault scratch buffer.
func (p *Profile) ProtectAddr(base uint64, enable4GB bool) uint32 {
	return p.protectAddr(base, enable4GB)
}

// CtrlReg returns the control register value selecting the translation
// fault redirect mode, given its current value.
func (p *Profile) CtrlReg(cur uint32) uint32 {
	return p.ctrlReg(cur)
}

// PTBase returns the page table base register value for a table address.
func (p *Profile) PTBase(pa uint64) uint32 {
	return p.ptBase(pa)
}

// OAS returns the page table output address width.
func (p *Profile) OAS(enable4GB bool) int {
	switch {
	case !p.Has(HAS_4GB_MODE):
		return 35
	case enable4GB:
		return 33
	default:
		return 32
	}
}
