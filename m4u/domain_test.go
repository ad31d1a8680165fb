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
	"errors"
	"testing"

	"github.com/transparency-dev/armored-witness-iommu/m4u/iova"
	"github.com/transparency-dev/armored-witness-iommu/m4u/pgtable"
)

func TestDomainUnattached(t *testing.T) {
	s := newSoC(t, instConfig{platform: "test"})
	dom := s.drv.DomainAlloc()

	if err := dom.Map(0x1000, 0x1000, 0x1000, rw); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Map: got %v, want %v", err, ErrNotAttached)
	}

	if _, err := dom.MapDMA(0x1000, 0x1000, rw); !errors.Is(err, ErrNotAttached) {
		t.Errorf("MapDMA: got %v, want %v", err, ErrNotAttached)
	}

	if n := dom.Unmap(0x1000, 0x1000); n != 0 {
		t.Errorf("Unmap: got %#x, want 0", n)
	}

	if pa := dom.IOVAToPhys(0x1000); pa != 0 {
		t.Errorf("IOVAToPhys: got %#x, want 0", pa)
	}

	// no-ops
	dom.FlushIOTLBAll()
	dom.IOTLBSync(0, 0x1000)

	if err := s.drv.DomainFree(dom); err != nil {
		t.Errorf("DomainFree: %v", err)
	}
}

func Test4GBMode(t *testing.T) {
	for _, test := range []struct {
		platform string
		misc     uint32
		ivrp     uint32
		vld      uint32
	}{
		{
			platform: "mt8173",
			misc:     1 << INFRA_MISC_4GB,
			ivrp:     0x3000_0100>>1 | 1<<IVRP_4GB,
		},
		{
			platform: "mt2712",
			misc:     1 << INFRA_MISC_4GB,
			ivrp:     0x3000_0100,
			vld:      7<<VLD_PA_RNG_EA | 4<<VLD_PA_RNG_SA,
		},
		{
			platform: "mt8173",
			ivrp:     0x3000_0100 >> 1,
		},
	} {
		t.Run(test.platform, func(t *testing.T) {
			s := newSoC(t, instConfig{platform: test.platform, misc: test.misc})
			dom := s.drv.DomainAlloc()

			if err := s.drv.Attach(context.Background(), dom, s.device(t, 0, "dev", nil, M4UID(0, 0))); err != nil {
				t.Fatal(err)
			}

			enabled := test.misc != 0

			if s.insts[0].Enable4GB() != enabled {
				t.Fatalf("Enable4GB: got %v, want %v", s.insts[0].Enable4GB(), enabled)
			}

			r := s.regs[0][0]

			if got := r.Read(M4U_IVRP_PADDR); got != test.ivrp {
				t.Errorf("protect address: got %#x, want %#x", got, test.ivrp)
			}

			if got := r.Read(M4U_VLD_PA_RNG); got != test.vld {
				t.Errorf("valid PA range: got %#x, want %#x", got, test.vld)
			}

			if err := dom.Map(0x10_0000, 0x4000_0000, pgtable.SZ_1M, rw); err != nil {
				t.Fatalf("Map: %v", err)
			}

			raw := dom.Table().IOVAToPhys(0x10_0000)

			if want := uint64(0x4000_0000); enabled {
				want |= 1 << 32

				if raw != want {
					t.Errorf("table entry: got %#x, want %#x", raw, want)
				}
			}

			if pa := dom.IOVAToPhys(0x10_0000); pa != 0x4000_0000 {
				t.Errorf("IOVAToPhys: got %#x, want 0x40000000", pa)
			}
		})
	}
}

func TestMapDMA(t *testing.T) {
	ctx := context.Background()
	s := newSoC(t, instConfig{platform: "mt6983-disp"})
	dom := s.drv.DomainAlloc()

	if err := s.drv.Attach(ctx, dom, s.device(t, 0, "disp", nil, M4UID(0, 1))); err != nil {
		t.Fatal(err)
	}

	// direct regions are identity mapped
	if pa := dom.IOVAToPhys(0x0012_0000); pa != 0x0012_0000 {
		t.Errorf("IOVAToPhys(sram): got %#x", pa)
	}

	addr, err := dom.MapDMA(0x8000_0010, 0x2ff0, rw)

	if err != nil {
		t.Fatalf("MapDMA: %v", err)
	}

	if addr != 0x1010 {
		t.Errorf("MapDMA: got %#x, want 0x1010", addr)
	}

	for _, off := range []uint64{0, 0x1000, 0x2fef} {
		if got, want := dom.IOVAToPhys(addr+off), 0x8000_0010+off; got != want {
			t.Errorf("IOVAToPhys(%#x): got %#x, want %#x", addr+off, got, want)
		}
	}

	// a large buffer lands past the reserved ranges
	big, err := dom.MapDMA(0x9000_0000, 0x4000_0000, rw)

	if err != nil {
		t.Fatalf("MapDMA: %v", err)
	}

	if big < 0x5000_0000 {
		t.Errorf("MapDMA: got %#x inside a reserved range", big)
	}

	if err := dom.UnmapDMA(addr); err != nil {
		t.Fatalf("UnmapDMA: %v", err)
	}

	if pa := dom.IOVAToPhys(addr); pa != 0 {
		t.Errorf("IOVAToPhys after UnmapDMA: got %#x", pa)
	}

	if err := dom.UnmapDMA(addr); !errors.Is(err, iova.ErrNotFound) {
		t.Errorf("UnmapDMA: got %v, want %v", err, iova.ErrNotFound)
	}
}
