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

// Package iova manages the device virtual address space handed out to
// DART-backed buffers.
//
// A Domain covers [base, limit) and keeps a sorted free list of granule
// aligned blocks. Adjacent free blocks are always coalesced, so the free list
// never contains two blocks where one ends exactly where the next begins.
package iova

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"
)

// Granule is the allocation unit of a Domain.
const Granule = 16 << 10

// ErrExhausted is returned when no free block is large enough for a request.
var ErrExhausted = errors.New("iova: address space exhausted")

// Block is a contiguous range of device addresses.
type Block struct {
	Addr uint64
	Size uint64
}

// End returns the first address past the block.
func (b Block) End() uint64 {
	return b.Addr + b.Size
}

// Domain is a first-fit allocator over a device address range.
// It is not safe for concurrent use; a Domain belongs to exactly one device.
type Domain struct {
	base  uint64
	limit uint64
	free  []Block
}

// New returns a domain covering [base, limit).
// Address 0 is used as the invalid address by callers, so when the range
// starts at 0 the first granule is reserved and can never be allocated.
func New(base, limit uint64) (*Domain, error) {
	if base%Granule != 0 || limit%Granule != 0 {
		return nil, fmt.Errorf("iova: range [%#x, %#x) is not %#x aligned", base, limit, Granule)
	}
	if limit <= base {
		return nil, fmt.Errorf("iova: empty range [%#x, %#x)", base, limit)
	}
	d := &Domain{
		base:  base,
		limit: limit,
		free:  []Block{{Addr: base, Size: limit - base}},
	}
	if base == 0 {
		if err := d.Reserve(0, Granule); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func roundUp(size uint64) uint64 {
	return (size + Granule - 1) &^ (Granule - 1)
}

// Alloc returns the lowest free address with room for size bytes, rounded up
// to the granule.
func (d *Domain) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("iova: zero sized allocation")
	}
	size = roundUp(size)
	for i, b := range d.free {
		if b.Size < size {
			continue
		}
		if b.Size == size {
			d.free = append(d.free[:i], d.free[i+1:]...)
		} else {
			d.free[i] = Block{Addr: b.Addr + size, Size: b.Size - size}
		}
		glog.V(2).Infof("iova: alloc %#x+%#x", b.Addr, size)
		return b.Addr, nil
	}
	return 0, ErrExhausted
}

// Free returns [addr, addr+size) to the domain, merging it with the free
// blocks on either side.
// Freeing a range which is not currently allocated corrupts the free list and
// panics.
func (d *Domain) Free(addr, size uint64) {
	size = roundUp(size)
	if addr%Granule != 0 || addr < d.base || addr+size > d.limit || size == 0 {
		panic(fmt.Sprintf("iova: free of invalid range %#x+%#x", addr, size))
	}
	glog.V(2).Infof("iova: free %#x+%#x", addr, size)

	i := sort.Search(len(d.free), func(i int) bool { return d.free[i].Addr > addr })
	if i > 0 && d.free[i-1].End() > addr {
		panic(fmt.Sprintf("iova: free list corruption, %#x+%#x overlaps free block %#x+%#x", addr, size, d.free[i-1].Addr, d.free[i-1].Size))
	}
	if i < len(d.free) && addr+size > d.free[i].Addr {
		panic(fmt.Sprintf("iova: free list corruption, %#x+%#x overlaps free block %#x+%#x", addr, size, d.free[i].Addr, d.free[i].Size))
	}

	mergePrev := i > 0 && d.free[i-1].End() == addr
	mergeNext := i < len(d.free) && addr+size == d.free[i].Addr
	switch {
	case mergePrev && mergeNext:
		d.free[i-1].Size += size + d.free[i].Size
		d.free = append(d.free[:i], d.free[i+1:]...)
	case mergePrev:
		d.free[i-1].Size += size
	case mergeNext:
		d.free[i] = Block{Addr: addr, Size: size + d.free[i].Size}
	default:
		d.free = append(d.free, Block{})
		copy(d.free[i+1:], d.free[i:])
		d.free[i] = Block{Addr: addr, Size: size}
	}
}

// Reserve removes [addr, addr+size) from the free list so that it is never
// handed out by Alloc. The range must be entirely free.
func (d *Domain) Reserve(addr, size uint64) error {
	if addr%Granule != 0 {
		return fmt.Errorf("iova: reserve of unaligned address %#x", addr)
	}
	size = roundUp(size)
	end := addr + size
	for i, b := range d.free {
		if addr < b.Addr || end > b.End() {
			continue
		}
		switch {
		case addr == b.Addr && end == b.End():
			d.free = append(d.free[:i], d.free[i+1:]...)
		case addr == b.Addr:
			d.free[i] = Block{Addr: end, Size: b.End() - end}
		case end == b.End():
			d.free[i].Size = addr - b.Addr
		default:
			tail := Block{Addr: end, Size: b.End() - end}
			d.free[i].Size = addr - b.Addr
			d.free = append(d.free, Block{})
			copy(d.free[i+2:], d.free[i+1:])
			d.free[i+1] = tail
		}
		return nil
	}
	return fmt.Errorf("iova: range %#x+%#x is not free", addr, size)
}

// Blocks returns a copy of the current free list, sorted by address.
func (d *Domain) Blocks() []Block {
	return append([]Block(nil), d.free...)
}
