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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transparency-dev/armored-witness-iommu/api"
	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
	"github.com/transparency-dev/armored-witness-iommu/m4u/testonly"
)

// nextFault returns the pending fault record, if any.
func (s *soc) nextFault() (rec api.FaultRecord, ok bool) {
	select {
	case rec = <-s.faults:
		return rec, true
	default:
		return
	}
}

func TestFault(t *testing.T) {
	for _, test := range []struct {
		desc     string
		platform string
		regs     map[uint32]uint32
		want     api.FaultRecord
	}{
		{
			desc:     "34-bit IOVA on second slot",
			platform: "mt8192",
			regs: map[uint32]uint32{
				M4U_FAULT_ST1:     1 << FAULT_ST1_MMU1,
				M4U_MMU1_INT_ID:   2<<9 | 1<<7 | 5<<2,
				M4U_MMU1_FAULT_VA: 0x1234_5000 | 2<<FAULT_VA_34_32 | 1<<FAULT_VA_WRITE | 1<<FAULT_VA_LAYER,
				M4U_MMU1_INVLD_PA: 0x8000_0000,
			},
			want: api.FaultRecord{
				Instance: "mt8192-0",
				Status:   1 << FAULT_ST1_MMU1,
				IOVA:     0x2_1234_5000,
				PA:       0x8000_0000,
				ID:       2<<9 | 1<<7 | 5<<2,
				Larb:     5,
				SubComm:  1,
				Port:     5,
				Write:    true,
				Layer:    1,
			},
		},
		{
			desc:     "PA high bits in fault VA",
			platform: "mt8183",
			regs: map[uint32]uint32{
				M4U_FAULT_ST1:     1 << FAULT_ST1_MMU0,
				M4U_MMU0_INT_ID:   1<<7 | 3<<2,
				M4U_MMU0_FAULT_VA: 0x0040_0000 | 3<<FAULT_PA_34_32 | 1<<FAULT_VA_LAYER,
				M4U_MMU0_INVLD_PA: 0x1000_0000,
			},
			want: api.FaultRecord{
				Instance: "mt8183-0",
				Status:   1 << FAULT_ST1_MMU0,
				IOVA:     0x0040_0000 | 3<<FAULT_PA_34_32 | 1<<FAULT_VA_LAYER,
				PA:       0x3_1000_0000,
				ID:       1<<7 | 3<<2,
				Larb:     4,
				Port:     3,
				Layer:    1,
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			s := newSoC(t, instConfig{platform: test.platform})
			dom := s.drv.DomainAlloc()

			if err := s.drv.Attach(context.Background(), dom, s.device(t, 0, "dev", nil, M4UID(0, 0))); err != nil {
				t.Fatal(err)
			}

			var reported []uint64

			dom.SetFaultHandler(func(d *Domain, iova uint64, write bool) bool {
				if d != dom || write != test.want.Write {
					t.Errorf("fault handler: unexpected domain or direction")
				}

				reported = append(reported, iova)

				return true
			})

			r := s.regs[0][0]

			for off, val := range test.regs {
				r.Set(off, val)
			}

			intCtrl := r.Read(M4U_INT_CONTROL0)
			s.resetWrites()

			if !s.irqs.Trigger(100) {
				t.Fatal("no interrupt handler")
			}

			rec, ok := s.nextFault()

			if !ok {
				t.Fatal("no fault reported")
			}

			if diff := cmp.Diff(test.want, rec); diff != "" {
				t.Errorf("fault: diff (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff([]uint64{test.want.IOVA}, reported); diff != "" {
				t.Errorf("reported: diff (-want +got):\n%s", diff)
			}

			want := []testonly.Write{
				{Off: M4U_INT_CONTROL0, Val: intCtrl | 1<<INT_CLR},
				{Off: s.insts[0].prof.InvSelReg, Val: 0x3},
				{Off: M4U_INVALIDATE, Val: 0x2},
			}

			if diff := cmp.Diff(want, r.Writes()); diff != "" {
				t.Errorf("recovery writes: diff (-want +got):\n%s", diff)
			}

			if got := testutil.ToFloat64(s.reg.metrics.faults.WithLabelValues(test.want.Instance, "0", "false")); got != 1 {
				t.Errorf("faults: got %v, want 1", got)
			}
		})
	}
}

func TestFaultUnhandled(t *testing.T) {
	s := newSoC(t, instConfig{platform: "test"})
	dom := s.drv.DomainAlloc()

	if err := s.drv.Attach(context.Background(), dom, s.device(t, 0, "dev", nil, M4UID(0, 0))); err != nil {
		t.Fatal(err)
	}

	r := s.regs[0][0]
	r.Set(M4U_FAULT_ST1, 1)
	r.Set(M4U_MMU0_FAULT_VA, 0x5000)

	for i := 0; i < 3; i++ {
		s.resetWrites()
		s.irqs.Trigger(100)

		// the bank is recovered whether or not the fault is handled
		if n := len(r.WritesTo(M4U_INVALIDATE)); n != 1 {
			t.Errorf("fault %d: got %d invalidations, want 1", i, n)
		}

		if _, ok := s.nextFault(); !ok {
			t.Errorf("fault %d not reported", i)
		}
	}
}

func TestSecureFault(t *testing.T) {
	dump := rpc.SecureResponse{
		IOVA: 0x5000 | 1<<FAULT_VA_WRITE,
		PA:   0x9000_0000,
		ID:   1<<9 | 2<<2,
	}

	for _, test := range []struct {
		desc   string
		fail   bool
		status int
		want   *api.FaultRecord
	}{
		{
			desc: "dump",
			want: &api.FaultRecord{
				Instance: "mt6983-disp-0",
				Bank:     4,
				Secure:   true,
				IOVA:     0x5000,
				PA:       0x9000_0000,
				ID:       1<<9 | 2<<2,
				Larb:     1,
				Port:     2,
				Write:    true,
			},
		},
		{
			desc:   "dump status",
			status: 3,
		},
		{
			desc: "dump failure",
			fail: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			s := newSoC(t, instConfig{platform: "mt6983-disp"})
			dom := s.drv.DomainAlloc()

			if err := s.drv.Attach(context.Background(), dom, s.device(t, 0, "sec", nil, M4UID(0, 30))); err != nil {
				t.Fatal(err)
			}

			if ref, _ := dom.Bank(); ref.Bank != 4 {
				t.Fatalf("Bank: got %d, want 4", ref.Bank)
			}

			s.bridge.Dump = dump
			s.bridge.Dump.Status = test.status
			s.bridge.Fail = map[rpc.Command]bool{rpc.DumpSecureRegisters: test.fail}

			s.resetWrites()

			if !s.irqs.Trigger(104) {
				t.Fatal("no interrupt handler")
			}

			if n := s.writes(); n != 0 {
				t.Errorf("got %d register writes on secure fault", n)
			}

			calls := s.bridge.Calls()
			wantCall := rpc.SecureRequest{
				Bank:    rpc.Bank{Instance: 0, Bank: 4, Count: 5},
				Command: rpc.DumpSecureRegisters,
			}

			if diff := cmp.Diff(wantCall, calls[len(calls)-1]); diff != "" {
				t.Errorf("secure request: diff (-want +got):\n%s", diff)
			}

			rec, ok := s.nextFault()

			switch {
			case test.want == nil && ok:
				t.Errorf("unexpected fault %+v", rec)
			case test.want != nil && !ok:
				t.Error("no fault reported")
			case test.want != nil:
				if diff := cmp.Diff(*test.want, rec); diff != "" {
					t.Errorf("fault: diff (-want +got):\n%s", diff)
				}
			}
		})
	}
}
