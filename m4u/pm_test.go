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

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-iommu/api/rpc"
)

func TestRuntimeResumeRestoresState(t *testing.T) {
	ctx := context.Background()
	s := newSoC(t, instConfig{platform: "mt8192"})
	dom := s.drv.DomainAlloc()

	if err := s.drv.Attach(ctx, dom, s.device(t, 0, "dev", nil, M4UID(0, 0))); err != nil {
		t.Fatal(err)
	}

	if s.clks[0].Enabled {
		t.Error("clock enabled while suspended")
	}

	r := s.regs[0][0]
	offs := []uint32{
		M4U_PT_BASE_ADDR,
		M4U_CTRL_REG,
		M4U_MISC_CTRL,
		M4U_DCM_DIS,
		M4U_WR_LEN_CTRL,
		M4U_VLD_PA_RNG,
		M4U_INT_CONTROL0,
		M4U_INT_MAIN_CONTROL,
		M4U_IVRP_PADDR,
	}

	want := map[uint32]uint32{}

	for _, off := range offs {
		want[off] = r.Read(off)
		// power loss
		r.Set(off, 0)
	}

	if err := s.power[0].Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer s.power[0].Put()

	got := map[uint32]uint32{}

	for _, off := range offs {
		got[off] = r.Read(off)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored registers: diff (-want +got):\n%s", diff)
	}

	if got[M4U_PT_BASE_ADDR] == 0 || got[M4U_INT_MAIN_CONTROL] != intMainMask|intMainMask<<INT_MMU1 {
		t.Errorf("unexpected bank state %#x", got)
	}

	if n := len(r.WritesTo(M4U_INVALIDATE)); n == 0 {
		t.Error("no TLB flush on resume")
	}

	if !s.clks[0].Enabled {
		t.Error("clock disabled while resumed")
	}
}

func TestFirstResume(t *testing.T) {
	ctx := context.Background()
	s := newSoC(t, instConfig{platform: "mt8192"})

	if err := s.power[0].Get(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.power[0].Put()

	if n := s.writes(); n != 0 {
		t.Errorf("got %d writes on first resume", n)
	}

	if !s.clks[0].Enabled {
		t.Error("clock not enabled")
	}
}

func TestSecureBackupRestore(t *testing.T) {
	ctx := context.Background()
	s := newSoC(t, instConfig{platform: "mt6983-disp"})
	dom := s.drv.DomainAlloc()

	if err := s.drv.Attach(ctx, dom, s.device(t, 0, "sec", nil, M4UID(0, 30))); err != nil {
		t.Fatal(err)
	}

	bank := rpc.Bank{Instance: 0, Bank: 4, Count: 5}
	want := []rpc.SecureRequest{{Bank: bank, Command: rpc.BackupSecureRegisters}}

	if diff := cmp.Diff(want, s.bridge.Calls()); diff != "" {
		t.Errorf("secure requests: diff (-want +got):\n%s", diff)
	}

	if err := s.power[0].Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}

	s.power[0].Put()

	want = append(want,
		rpc.SecureRequest{Bank: bank, Command: rpc.RestoreSecureRegisters},
		rpc.SecureRequest{Bank: bank, Command: rpc.BackupSecureRegisters},
	)

	if diff := cmp.Diff(want, s.bridge.Calls()); diff != "" {
		t.Errorf("secure requests: diff (-want +got):\n%s", diff)
	}

	s.bridge.Fail = map[rpc.Command]bool{rpc.RestoreSecureRegisters: true}

	if err := s.power[0].Get(ctx); !errors.Is(err, ErrSecure) {
		t.Errorf("Get: got %v, want %v", err, ErrSecure)
	}

	if refs := s.power[0].Refs(); refs != 0 {
		t.Errorf("failed resume left %d references", refs)
	}

	s.bridge.Fail = map[rpc.Command]bool{rpc.BackupSecureRegisters: true}

	if err := s.insts[0].RuntimeSuspend(ctx); !errors.Is(err, ErrSecure) {
		t.Errorf("RuntimeSuspend: got %v, want %v", err, ErrSecure)
	}
}

func TestRegistrySuspendResume(t *testing.T) {
	ctx := context.Background()
	s := newSoC(t, instConfig{platform: "mt6983-disp"}, instConfig{platform: "test"})

	for i, name := range []string{"sec", "dev"} {
		id := M4UID(0, 0)

		if i == 0 {
			id = M4UID(0, 30)
		}

		if err := s.drv.Attach(ctx, s.drv.DomainAlloc(), s.device(t, i, name, nil, id)); err != nil {
			t.Fatal(err)
		}
	}

	calls := len(s.bridge.Calls())

	// unpowered instances hold no state
	if err := s.reg.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	if n := len(s.bridge.Calls()); n != calls {
		t.Errorf("Suspend of unpowered instances issued %d secure requests", n-calls)
	}

	for _, p := range s.power {
		if err := p.Get(ctx); err != nil {
			t.Fatal(err)
		}

		defer p.Put()
	}

	if err := s.reg.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	if err := s.reg.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	s.bridge.Fail = map[rpc.Command]bool{rpc.BackupSecureRegisters: true}

	if err := s.reg.Suspend(ctx); !errors.Is(err, ErrSecure) {
		t.Errorf("Suspend: got %v, want %v", err, ErrSecure)
	}

	s.bridge.Fail = nil
}
