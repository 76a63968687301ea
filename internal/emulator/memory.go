// Copyright 2026 Google LLC. All Rights Reserved.
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

package emulator

import (
	"fmt"

	"github.com/AsahiLinux/m1n1-sub000/dart"
	"github.com/AsahiLinux/m1n1-sub000/mem"
	"github.com/AsahiLinux/m1n1-sub000/sart"
)

// Memory is the co-processor's view of memory: device addresses in, host
// bytes out.
type Memory interface {
	Slice(dva, size uint64) ([]byte, error)
}

// DARTMemory resolves device addresses through an IOMMU page table.
type DARTMemory struct {
	Table *dart.Table
	Arena *mem.Arena
}

// Slice implements Memory. The range must be mapped to contiguous physical
// memory.
func (m DARTMemory) Slice(dva, size uint64) ([]byte, error) {
	p0, ok := m.Table.Translate(dva)
	if !ok {
		return nil, fmt.Errorf("dart fault at %#x", dva)
	}
	for a := dva&^(dart.PageSize-1) + dart.PageSize; a < dva+size; a += dart.PageSize {
		p, ok := m.Table.Translate(a)
		if !ok {
			return nil, fmt.Errorf("dart fault at %#x", a)
		}
		if p != p0+(a-dva) {
			return nil, fmt.Errorf("dart mapping of %#x+%#x is not contiguous", dva, size)
		}
	}
	return m.Arena.Slice(p0, size)
}

// SARTMemory checks device accesses against a SART allow-list.
type SARTMemory struct {
	SART  *sart.SART
	Arena *mem.Arena
}

// Slice implements Memory.
func (m SARTMemory) Slice(dva, size uint64) ([]byte, error) {
	if !m.SART.Allowed(dva, size) {
		return nil, fmt.Errorf("sart blocks access to %#x+%#x", dva, size)
	}
	return m.Arena.Slice(dva, size)
}
