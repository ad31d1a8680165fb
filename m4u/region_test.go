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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolveRegion(t *testing.T) {
	regions := []Region{
		{Name: "low", Base: 0, Size: 0x1_0000_0000},
		{Name: "exact", Base: 0x4000_0000, Size: 0x1000_0000},
		{Name: "high", Base: 0x1_0000_0000, Size: 0x1_0000_0000},
		{Name: "nested", Base: 0x1_4000_0000, Size: 0x400_0000},
	}

	for _, test := range []struct {
		desc    string
		regions []Region
		dma     *DMARange
		want    int
		wantErr error
	}{
		{
			desc:    "no range",
			regions: regions,
			want:    0,
		},
		{
			desc:    "single region",
			regions: regions[2:3],
			dma:     &DMARange{Start: 0, Size: 0x1000},
			want:    0,
		},
		{
			desc:    "exact match wins over first containing",
			regions: regions,
			dma:     &DMARange{Start: 0x4000_0000, Size: 0x1000_0000},
			want:    1,
		},
		{
			desc:    "first containing",
			regions: regions,
			dma:     &DMARange{Start: 0x4000_0000, Size: 0x1000},
			want:    0,
		},
		{
			desc:    "nested exact match",
			regions: regions,
			dma:     &DMARange{Start: 0x1_4000_0000, Size: 0x400_0000},
			want:    3,
		},
		{
			desc:    "nested range resolves to enclosing region",
			regions: regions,
			dma:     &DMARange{Start: 0x1_4000_0000, Size: 0x1000},
			want:    2,
		},
		{
			desc:    "straddling",
			regions: regions,
			dma:     &DMARange{Start: 0xffff_f000, Size: 0x2000},
			want:    -1,
			wantErr: ErrInvalidRegion,
		},
		{
			desc:    "outside",
			regions: regions,
			dma:     &DMARange{Start: 0x3_0000_0000, Size: 0x1000},
			want:    -1,
			wantErr: ErrInvalidRegion,
		},
		{
			desc:    "empty range",
			regions: regions,
			dma:     &DMARange{Start: 0x1000},
			want:    -1,
			wantErr: ErrInvalidRegion,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := ResolveRegion(test.regions, test.dma)

			if !errors.Is(err, test.wantErr) {
				t.Fatalf("ResolveRegion: got err %v, want %v", err, test.wantErr)
			}

			if got != test.want {
				t.Errorf("ResolveRegion: got %d, want %d", got, test.want)
			}
		})
	}
}

func TestValidateRegions(t *testing.T) {
	for _, test := range []struct {
		desc    string
		regions []Region
		wantErr bool
	}{
		{
			desc:    "disjoint",
			regions: multiDomain[:4],
		},
		{
			desc:    "nested",
			regions: mt6983Regions,
		},
		{
			desc: "partial overlap",
			regions: []Region{
				{Base: 0, Size: 0x2000},
				{Base: 0x1000, Size: 0x2000},
			},
			wantErr: true,
		},
		{
			desc:    "empty",
			regions: []Region{{Base: 0x1000}},
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if err := validateRegions(test.regions); (err != nil) != test.wantErr {
				t.Errorf("validateRegions: got %v, want error %v", err, test.wantErr)
			}
		})
	}
}

func TestReservations(t *testing.T) {
	got := reservations(mt6983Regions, 0)
	want := []Reservation{
		{Start: 0x4000_0000, Size: 0x1000_0000, Kind: ResvReserved},
		{Start: 0x0010_0000, Size: 0x0004_0000, Kind: ResvDirect},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reservations: diff (-want +got):\n%s", diff)
	}

	got = reservations(multiDomain, 2)
	want = []Reservation{
		{Start: 0x2_4000_0000, Size: 0x400_0000, Kind: ResvReserved},
		{Start: 0x2_4400_0000, Size: 0x400_0000, Kind: ResvReserved},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reservations: diff (-want +got):\n%s", diff)
	}

	if got := reservations(multiDomain, 4); len(got) != 0 {
		t.Errorf("reservations: got %v for leaf region", got)
	}
}
