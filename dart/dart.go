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

// Package dart describes the IOMMU used to make host buffers visible to a
// co-processor at a chosen device virtual address.
package dart

import (
	"fmt"

	"github.com/golang/glog"
)

// PageSize is the translation granule of the IOMMU.
const PageSize = 16 << 10

// Mapper installs and removes device virtual to physical translations.
type Mapper interface {
	// Map makes physical [paddr, paddr+size) visible at iova.
	Map(iova, paddr, size uint64) error
	// Unmap removes the translations for [iova, iova+size).
	Unmap(iova, size uint64)
}

// Table is an in-memory single level page table implementing Mapper.
// Emulated devices resolve their DMA addresses through Translate.
type Table struct {
	pages map[uint64]uint64
}

// NewTable returns an empty page table.
func NewTable() *Table {
	return &Table{pages: make(map[uint64]uint64)}
}

func aligned(v uint64) bool {
	return v%PageSize == 0
}

// Map implements Mapper. Mapping over an existing translation fails and
// leaves the table unchanged.
func (t *Table) Map(iova, paddr, size uint64) error {
	if !aligned(iova) || !aligned(paddr) {
		return fmt.Errorf("dart: unaligned mapping %#x -> %#x", iova, paddr)
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	for off := uint64(0); off < size; off += PageSize {
		if _, ok := t.pages[iova+off]; ok {
			return fmt.Errorf("dart: iova %#x already mapped", iova+off)
		}
	}
	for off := uint64(0); off < size; off += PageSize {
		t.pages[iova+off] = paddr + off
	}
	glog.V(2).Infof("dart: map %#x -> %#x (+%#x)", iova, paddr, size)
	return nil
}

// Unmap implements Mapper.
func (t *Table) Unmap(iova, size uint64) {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	for off := uint64(0); off < size; off += PageSize {
		delete(t.pages, iova+off)
	}
	glog.V(2).Infof("dart: unmap %#x (+%#x)", iova, size)
}

// Translate returns the physical address iova maps to.
func (t *Table) Translate(iova uint64) (uint64, bool) {
	p, ok := t.pages[iova&^(PageSize-1)]
	if !ok {
		return 0, false
	}
	return p + iova%PageSize, true
}

// Mapped returns the number of mapped pages.
func (t *Table) Mapped() int {
	return len(t.pages)
}
