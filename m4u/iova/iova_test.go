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

package iova

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAlloc(t *testing.T) {
	a := New(0x1000, 0xffff)

	if err := a.Reserve(0x4000, 0x2000); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	var got []uint64
	for _, req := range []struct {
		size  uint64
		align uint64
	}{
		{size: 0x1000, align: 0x1000},
		{size: 0x2000, align: 0x1000},
		{size: 0x1000, align: 0x1000},
		{size: 0x1000, align: 0x4000},
	} {
		addr, err := a.Alloc(req.size, req.align)
		if err != nil {
			t.Fatalf("Alloc(%#x, %#x): %v", req.size, req.align, err)
		}
		got = append(got, addr)
	}

	want := []uint64{0x1000, 0x2000, 0x6000, 0x8000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestAllocExhausted(t *testing.T) {
	a := New(0x1000, 0x2fff)

	if _, err := a.Alloc(0x2000, 0x1000); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := a.Alloc(0x1000, 0x1000); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Alloc: got %v, want %v", err, ErrNoSpace)
	}
}

func TestFree(t *testing.T) {
	a := New(0, 0xffff_ffff)

	addr, err := a.Alloc(0x3000, 0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if size, err := a.Size(addr); err != nil || size != 0x3000 {
		t.Fatalf("Size = %#x, %v, want %#x", size, err, 0x3000)
	}
	if size, err := a.Free(addr); err != nil || size != 0x3000 {
		t.Fatalf("Free = %#x, %v, want %#x", size, err, 0x3000)
	}
	if _, err := a.Free(addr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Free: got %v, want %v", err, ErrNotFound)
	}
	if _, err := a.Size(addr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Size after Free: got %v, want %v", err, ErrNotFound)
	}
	if again, err := a.Alloc(0x1000, 0x1000); err != nil || again != addr {
		t.Fatalf("Alloc after Free = %#x, %v, want %#x", again, err, addr)
	}
}

func TestReserve(t *testing.T) {
	a := New(0x10000, 0x1ffff)

	for _, test := range []struct {
		name    string
		start   uint64
		size    uint64
		wantErr error
	}{
		{name: "inside", start: 0x12000, size: 0x1000},
		{name: "outside", start: 0x40000, size: 0x1000},
		{name: "clipped", start: 0x1f000, size: 0x4000},
		{name: "overlap", start: 0x12800, size: 0x100, wantErr: ErrOverlap},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := a.Reserve(test.start, test.size); !errors.Is(err, test.wantErr) {
				t.Fatalf("Reserve: got %v, want %v", err, test.wantErr)
			}
		})
	}

	if _, err := a.Free(0x12000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Free of a reservation: got %v, want %v", err, ErrNotFound)
	}
	if got, want := a.Len(), 2; got != want {
		t.Fatalf("Len = %d, want %d", got, want)
	}
}
