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

// Package mem provides physically contiguous, DMA capable memory for buffers
// shared with a co-processor.
package mem

import (
	"errors"
	"fmt"

	"github.com/AsahiLinux/m1n1-sub000/iova"
	"github.com/golang/glog"
)

// Buffer is a block of physically contiguous memory.
type Buffer struct {
	// Addr is the physical address of Data[0].
	Addr uint64
	Data []byte
}

// Allocator hands out DMA capable buffers.
type Allocator interface {
	// Alloc returns a zeroed buffer of at least size bytes whose physical
	// address is a multiple of align.
	Alloc(size, align uint64) (*Buffer, error)
	// Free returns a buffer obtained from Alloc.
	Free(b *Buffer)
}

// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
var ErrOutOfMemory = errors.New("mem: out of memory")

// Arena is an Allocator over a byte slice standing in for physical memory
// starting at a fixed base address.
// Both the host and an emulated device see the same bytes, the device through
// Slice.
type Arena struct {
	base  uint64
	mem   []byte
	space *iova.Domain
	live  map[uint64]uint64
}

// NewArena returns an arena of size bytes at physical address base.
// base and size must be multiples of iova.Granule.
func NewArena(base, size uint64) (*Arena, error) {
	if base == 0 {
		return nil, errors.New("mem: arena may not start at physical address 0")
	}
	space, err := iova.New(base, base+size)
	if err != nil {
		return nil, fmt.Errorf("mem: failed to create arena: %w", err)
	}
	return &Arena{
		base:  base,
		mem:   make([]byte, size),
		space: space,
		live:  make(map[uint64]uint64),
	}, nil
}

// Alloc implements Allocator. Every allocation is iova.Granule aligned, so
// align may not exceed the granule.
func (a *Arena) Alloc(size, align uint64) (*Buffer, error) {
	if align > iova.Granule || (align != 0 && iova.Granule%align != 0) {
		return nil, fmt.Errorf("mem: unsupported alignment %#x", align)
	}
	addr, err := a.space.Alloc(size)
	if errors.Is(err, iova.ErrExhausted) {
		return nil, ErrOutOfMemory
	} else if err != nil {
		return nil, err
	}
	a.live[addr] = size
	data := a.mem[addr-a.base : addr-a.base+size : addr-a.base+size]
	clear(data)
	glog.V(2).Infof("mem: alloc %#x+%#x", addr, size)
	return &Buffer{Addr: addr, Data: data}, nil
}

// Free implements Allocator.
func (a *Arena) Free(b *Buffer) {
	size, ok := a.live[b.Addr]
	if !ok {
		glog.Errorf("mem: free of unknown buffer %#x", b.Addr)
		return
	}
	delete(a.live, b.Addr)
	a.space.Free(b.Addr, size)
}

// Slice returns the bytes at physical [addr, addr+size).
func (a *Arena) Slice(addr, size uint64) ([]byte, error) {
	if addr < a.base || addr+size > a.base+uint64(len(a.mem)) || addr+size < addr {
		return nil, fmt.Errorf("mem: physical range %#x+%#x outside arena", addr, size)
	}
	off := addr - a.base
	return a.mem[off : off+size : off+size], nil
}

// InUse returns the number of live allocations.
func (a *Arena) InUse() int {
	return len(a.live)
}
