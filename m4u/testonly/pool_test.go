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

package testonly

import (
	"testing"
)

func TestPool(t *testing.T) {
	p := NewPool(0x4000_0000, 0x4000)

	for _, test := range []struct {
		desc    string
		size    uint64
		align   uint64
		want    uint64
		wantErr bool
	}{
		{desc: "first", size: 0x400, align: 0x400, want: 0x4000_0000},
		{desc: "aligned", size: 0x1000, align: 0x1000, want: 0x4000_1000},
		{desc: "unaligned", size: 0x10, want: 0x4000_2000},
		{desc: "zero size", size: 0, wantErr: true},
		{desc: "bad alignment", size: 0x10, align: 3, wantErr: true},
		{desc: "exhausted", size: 0x2000, align: 0x1000, wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := p.Alloc(test.size, test.align)

			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Alloc(%#x, %#x): %v, wantErr %v", test.size, test.align, err, test.wantErr)
			}

			if got != test.want {
				t.Errorf("Alloc(%#x, %#x): got %#x, want %#x", test.size, test.align, got, test.want)
			}
		})
	}

	if got, want := p.InUse(), uint64(0x1410); got != want {
		t.Errorf("InUse: got %#x, want %#x", got, want)
	}

	p.Free(0x4000_1000)

	if got, err := p.Alloc(0x1000, 0x1000); err != nil || got != 0x4000_1000 {
		t.Errorf("Alloc after Free: got %#x, %v, want reuse of 0x40001000", got, err)
	}
}
