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

package larb

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

func TestConfigure(t *testing.T) {
	a := New()
	ctx := context.Background()

	for _, cfg := range []m4u.PortConfig{
		{Device: "disp", Instance: 0, Larb: 1, Ports: 0b1011, Enable: true, AddrHigh: 1},
		{Device: "mdp", Instance: 0, Larb: 1, Ports: 0b0100, Enable: true},
		{Device: "disp", Instance: 0, Larb: 1, Ports: 0b0001, Enable: false},
		{Device: "pcie", Instance: 1, Larb: -1, Ports: 1 << 31, Enable: true, AddrHigh: 3},
	} {
		if err := a.Configure(ctx, cfg); err != nil {
			t.Fatalf("Configure(%+v): %v", cfg, err)
		}
	}

	for _, test := range []struct {
		instance int
		larb     int
		want     State
	}{
		{
			instance: 0,
			larb:     1,
			want: State{
				MMUEn:    0b1110,
				AddrHigh: map[int]uint32{1: 1, 2: 0, 3: 1},
			},
		},
		{
			instance: 1,
			larb:     -1,
			want: State{
				MMUEn:    1 << 31,
				AddrHigh: map[int]uint32{31: 3},
			},
		},
		{
			instance: 0,
			larb:     2,
			want: State{
				AddrHigh: map[int]uint32{},
			},
		},
	} {
		if diff := cmp.Diff(test.want, a.State(test.instance, test.larb)); diff != "" {
			t.Errorf("larb %d/%d unexpected state (-want +got):\n%s", test.instance, test.larb, diff)
		}
	}

	if !a.Translated(0, 1, 3) || a.Translated(0, 1, 0) || a.Translated(0, 1, 32) {
		t.Errorf("unexpected Translated results")
	}
}

func TestConfigureErrors(t *testing.T) {
	a := New()

	if err := a.Configure(context.Background(), m4u.PortConfig{Device: "none"}); !errors.Is(err, ErrNoPorts) {
		t.Errorf("got %v, want ErrNoPorts", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Configure(ctx, m4u.PortConfig{Ports: 1, Enable: true}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestDisable(t *testing.T) {
	a := New()

	cfg := m4u.PortConfig{Device: "venc", Instance: 0, Larb: 7, Ports: 1 << 4, Enable: true, Region: 1, AddrHigh: 1}

	if err := a.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	cfg.Enable = false

	if err := a.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if got := a.State(0, 7); got.MMUEn != 0 || len(got.AddrHigh) != 0 {
		t.Errorf("got %+v after disable, want no translated ports", got)
	}
}
