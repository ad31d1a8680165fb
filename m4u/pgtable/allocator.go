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

package pgtable

// Allocator provides physical memory for page table levels.
type Allocator interface {
	// Alloc returns the physical address of size bytes of zeroed table
	// memory aligned to align.
	Alloc(size uint64, align uint64) (uint64, error)
	// Free releases memory previously returned by Alloc.
	Free(phys uint64)
}
