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

const (
	SZ_4G = 1 << 32
	SZ_8M = 8 << 20

	// IOVA_SZ_4G is the usable size of a 4GB IOVA region, the top 8MB
	// are left unused.
	IOVA_SZ_4G = SZ_4G - SZ_8M
)

var singleDomain = []Region{
	{Name: "4gb", Base: 0, Size: SZ_4G},
}

var multiDomain = []Region{
	{Name: "0-4gb", Base: 0, Size: IOVA_SZ_4G},
	{Name: "4-8gb", Base: SZ_4G, Size: IOVA_SZ_4G},
	{Name: "8-12gb", Base: SZ_4G * 2, Size: IOVA_SZ_4G},
	{Name: "12-16gb", Base: SZ_4G * 3, Size: IOVA_SZ_4G},
	{Name: "ccu0", Base: 0x2_4000_0000, Size: 0x400_0000},
	{Name: "ccu1", Base: 0x2_4400_0000, Size: 0x400_0000},
}

var mt6983Regions = []Region{
	{Name: "0-4gb", Base: 0, Size: IOVA_SZ_4G},
	{Name: "scratch", Base: IOVA_SZ_4G, Size: SZ_8M, Kind: ResvReserved},
	{Name: "secure", Base: 0x4000_0000, Size: 0x1000_0000, Kind: ResvReserved},
	{Name: "sram", Base: 0x0010_0000, Size: 0x0004_0000, Kind: ResvDirect},
	{Name: "4-8gb", Base: SZ_4G, Size: IOVA_SZ_4G},
	{Name: "ccu", Base: 0x1_4000_0000, Size: 0x400_0000, Kind: ResvDirect},
}

func identityRemap(n int) (remap [][]int) {
	for i := 0; i < n; i++ {
		remap = append(remap, []int{i})
	}

	return
}

func init() {
	Register(&Platform{
		Name:      "mt2712",
		Type:      TypeMM,
		Flags:     HAS_4GB_MODE | HAS_BCLK | HAS_VLD_PA_RNG | SHARE_PGTABLE,
		InvSelReg: M4U_INV_SEL_GEN1,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   singleDomain,
		LarbRemap: identityRemap(8),
		HWList:    "mt2712-m4u",
	})

	Register(&Platform{
		Name:      "mt8173",
		Type:      TypeMM,
		Flags:     HAS_4GB_MODE | HAS_BCLK | RESET_AXI | HAS_LEGACY_IVRP_PADDR | TF_PORT_TO_ADDR_MT8173,
		InvSelReg: M4U_INV_SEL_GEN1,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   singleDomain,
		LarbRemap: identityRemap(6),
	})

	Register(&Platform{
		Name:      "mt8183",
		Type:      TypeMM,
		Flags:     RESET_AXI | HAS_4GB_MODE,
		InvSelReg: M4U_INV_SEL_GEN1,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   singleDomain,
		LarbRemap: [][]int{{0}, {4}, {5}, {6}, {7}, {2}, {3}, {1}},
	})

	Register(&Platform{
		Name:      "mt8186",
		Type:      TypeMM,
		Flags:     HAS_BCLK | HAS_SUB_COMM_2BITS | OUT_ORDER_WR_EN | WR_THROT_EN | IOVA_34_EN | PGTABLE_PA_35_EN,
		InvSelReg: M4U_INV_SEL_GEN2,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   multiDomain,
		LarbRemap: [][]int{{0}, {1}, {4}, {7}, {2}, {9, 11, 19, 20}, {0, 14, 16}, {0, 13, 18, 17}},
	})

	Register(&Platform{
		Name:      "mt8192",
		Type:      TypeMM,
		Flags:     HAS_BCLK | HAS_SUB_COMM_2BITS | OUT_ORDER_WR_EN | WR_THROT_EN | IOVA_34_EN,
		InvSelReg: M4U_INV_SEL_GEN2,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   multiDomain,
		LarbRemap: [][]int{{0}, {1}, {4, 5}, {7}, {2}, {9, 11, 19, 20}, {0, 14, 16}, {0, 13, 18, 17}},
	})

	Register(&Platform{
		Name:      "mt8195-infra",
		Type:      TypeInfra,
		Flags:     WR_THROT_EN | DCM_DISABLE | STD_AXI_MODE,
		InvSelReg: M4U_INV_SEL_GEN2,
		Banks: []BankSpec{
			{Enabled: true, PortMask: 0x000fffff},
			{},
			{},
			{},
			{Enabled: true, PortMask: 0xfff00000},
		},
		Regions: singleDomain,
	})

	Register(&Platform{
		Name:      "mt8195-vdo",
		Type:      TypeMM,
		Flags:     HAS_BCLK | HAS_SUB_COMM_2BITS | OUT_ORDER_WR_EN | WR_THROT_EN | IOVA_34_EN | SHARE_PGTABLE,
		InvSelReg: M4U_INV_SEL_GEN2,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   multiDomain,
		LarbRemap: [][]int{{2, 0}, {0}, {1}, {3}, {4}, {5}, {6}, {7}},
		HWList:    "mt8195-mm",
	})

	Register(&Platform{
		Name:      "mt8195-vpp",
		Type:      TypeMM,
		Flags:     HAS_BCLK | HAS_SUB_COMM_3BITS | OUT_ORDER_WR_EN | WR_THROT_EN | IOVA_34_EN | SHARE_PGTABLE,
		InvSelReg: M4U_INV_SEL_GEN2,
		Banks:     []BankSpec{{Enabled: true}},
		Regions:   multiDomain,
		LarbRemap: [][]int{{1}, {3}, {22, 0, 0, 0, 23}, {10, 11, 12}, {13}, {14}, {15}, {16}},
		HWList:    "mt8195-mm",
	})

	Register(&Platform{
		Name:      "mt6983-disp",
		Type:      TypeMM,
		Flags:     HAS_SUB_COMM_2BITS | OUT_ORDER_WR_EN | WR_THROT_EN | IOVA_34_EN | DCM_DISABLE,
		InvSelReg: M4U_INV_SEL_GEN2,
		Banks: []BankSpec{
			{Enabled: true, PortMask: 0x0000ffff},
			{Enabled: true, PortMask: 0x00ff0000},
			{},
			{},
			{Enabled: true, PortMask: 0xff000000, Secure: true},
		},
		Regions:   mt6983Regions,
		LarbRemap: identityRemap(8),
	})
}
