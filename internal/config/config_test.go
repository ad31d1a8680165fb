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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

func TestDefault(t *testing.T) {
	c, err := Parse(Default)

	if err != nil {
		t.Fatalf("Parse(Default): %v", err)
	}

	for i, inst := range c.Instances {
		p, err := m4u.Lookup(inst.Platform)

		if err != nil {
			t.Fatalf("instance %d: %v", i, err)
		}

		for _, dev := range c.Devices {
			if dev.Instance != i {
				continue
			}

			if _, err := m4u.ResolveRegion(p.Regions, dev.Range()); err != nil {
				t.Errorf("device %s: %v", dev.Name, err)
			}
		}
	}
}

func TestParse(t *testing.T) {
	doc := `
instances:
  - platform: mt8192
    misc: 0x2000
  - platform: mt8195-infra
    protect: 0x40000000
    larbs: 4
devices:
  - name: venc
    instance: 0
    larb: 7
    ports: [0, 3]
    dma: {start: 0x100000000, size: 0x1000000}
  - name: pcie
    instance: 1
    ids: [20]
`

	c, err := Parse([]byte(doc))

	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	larb := 7

	want := &Config{
		Instances: []Instance{
			{Platform: "mt8192", Misc: 0x2000, Protect: DefaultProtect, Larbs: DefaultLarbs},
			{Platform: "mt8195-infra", Protect: 0x40000000, Larbs: 4},
		},
		Devices: []Device{
			{Name: "venc", Instance: 0, Larb: &larb, Ports: []int{0, 3}, DMA: &DMA{Start: 0x100000000, Size: 0x1000000}},
			{Name: "pcie", Instance: 1, IDs: []uint32{20}},
		},
	}

	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("unexpected configuration (-want +got):\n%s", diff)
	}

	venc, err := c.Device("venc")

	if err != nil {
		t.Fatalf("Device: %v", err)
	}

	if diff := cmp.Diff([]uint32{7<<5 | 0, 7<<5 | 3}, venc.MasterIDs()); diff != "" {
		t.Errorf("unexpected master ids (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(&m4u.DMARange{Start: 0x100000000, Size: 0x1000000}, venc.Range()); diff != "" {
		t.Errorf("unexpected range (-want +got):\n%s", diff)
	}

	if _, err := c.Device("none"); err == nil {
		t.Errorf("Device(none): expected error")
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		desc string
		doc  string
		want string
	}{
		{
			desc: "no instances",
			doc:  "devices: []",
			want: "no instances",
		},
		{
			desc: "unknown platform",
			doc:  "instances: [{platform: mt9999}]",
			want: "instance 0",
		},
		{
			desc: "unknown field",
			doc:  "instances: [{platform: mt8192, flavour: x}]",
			want: "flavour",
		},
		{
			desc: "invalid instance",
			doc:  "instances: [{platform: mt8192}]\ndevices: [{name: a, instance: 1, ids: [1]}]",
			want: "invalid instance",
		},
		{
			desc: "duplicate device",
			doc:  "instances: [{platform: mt8192}]\ndevices: [{name: a, ids: [1]}, {name: a, ids: [2]}]",
			want: "duplicate",
		},
		{
			desc: "ports without larb",
			doc:  "instances: [{platform: mt8192}]\ndevices: [{name: a, ports: [1]}]",
			want: "without larb",
		},
		{
			desc: "no ids",
			doc:  "instances: [{platform: mt8192}]\ndevices: [{name: a}]",
			want: "no master ids",
		},
		{
			desc: "invalid port",
			doc:  "instances: [{platform: mt8192}]\ndevices: [{name: a, larb: 0, ports: [32]}]",
			want: "invalid port",
		},
		{
			desc: "empty dma",
			doc:  "instances: [{platform: mt8192}]\ndevices: [{name: a, ids: [1], dma: {start: 0}}]",
			want: "empty DMA",
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			_, err := Parse([]byte(test.doc))

			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("got %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soc.yaml")

	if err := os.WriteFile(path, Default, 0600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)

	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := len(c.Instances), 4; got != want {
		t.Errorf("got %d instances, want %d", got, want)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load(missing): expected error")
	}
}
