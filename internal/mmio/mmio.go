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

// Package mmio describes access to memory mapped peripheral registers.
package mmio

import "sync"

// Regs provides access to a block of peripheral registers. Offsets are
// relative to the start of the block.
type Regs interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
	Read64(off uint64) uint64
	Write64(off uint64, v uint64)
}

// File is an in-memory register block.
// Hooks may be installed to give individual registers side effects, which is
// how fake peripherals are built on top of it.
type File struct {
	mu     sync.Mutex
	regs   map[uint64]uint64
	reads  map[uint64]func() uint64
	writes map[uint64]func(uint64)
}

// NewFile returns an empty register file where every register reads as zero.
func NewFile() *File {
	return &File{
		regs:   make(map[uint64]uint64),
		reads:  make(map[uint64]func() uint64),
		writes: make(map[uint64]func(uint64)),
	}
}

// OnRead makes reads of the register at off return the result of fn.
func (f *File) OnRead(off uint64, fn func() uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[off] = fn
}

// OnWrite makes writes to the register at off call fn instead of storing
// the value.
func (f *File) OnWrite(off uint64, fn func(uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[off] = fn
}

// Load returns the stored value of a register, bypassing any hook.
func (f *File) Load(off uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[off]
}

// Store sets the stored value of a register, bypassing any hook.
func (f *File) Store(off uint64, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[off] = v
}

func (f *File) read(off uint64) uint64 {
	f.mu.Lock()
	fn, ok := f.reads[off]
	v := f.regs[off]
	f.mu.Unlock()
	// Hooks run unlocked so they are free to touch the file themselves.
	if ok {
		return fn()
	}
	return v
}

func (f *File) write(off uint64, v uint64) {
	f.mu.Lock()
	fn, ok := f.writes[off]
	if !ok {
		f.regs[off] = v
	}
	f.mu.Unlock()
	if ok {
		fn(v)
	}
}

// Read32 implements Regs.
func (f *File) Read32(off uint64) uint32 { return uint32(f.read(off)) }

// Write32 implements Regs.
func (f *File) Write32(off uint64, v uint32) { f.write(off, uint64(v)) }

// Read64 implements Regs.
func (f *File) Read64(off uint64) uint64 { return f.read(off) }

// Write64 implements Regs.
func (f *File) Write64(off uint64, v uint64) { f.write(off, v) }
