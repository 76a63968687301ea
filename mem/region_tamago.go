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

//go:build tamago
// +build tamago

package mem

import (
	"fmt"

	"github.com/usbarmory/tamago/dma"
)

// Region is an Allocator backed by a tamago DMA region, for use on hardware.
type Region struct {
	r *dma.Region
}

// NewRegion claims [addr, addr+size) of physical memory for DMA buffers.
func NewRegion(addr uint, size int) (*Region, error) {
	r, err := dma.NewRegion(addr, size, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create DMA region at %#x: %v", addr, err)
	}
	return &Region{r: r}, nil
}

// Alloc implements Allocator.
func (r *Region) Alloc(size, align uint64) (*Buffer, error) {
	addr, buf := r.r.Reserve(int(size), int(align))
	if buf == nil {
		return nil, ErrOutOfMemory
	}
	clear(buf)
	return &Buffer{Addr: uint64(addr), Data: buf}, nil
}

// Free implements Allocator.
func (r *Region) Free(b *Buffer) {
	r.r.Release(uint(b.Addr))
}
