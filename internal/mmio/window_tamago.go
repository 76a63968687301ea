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

package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Window gives access to the physical register block starting at Base.
type Window struct {
	Base uintptr
}

// Read32 implements Regs.
func (w Window) Read32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(w.Base + uintptr(off))))
}

// Write32 implements Regs.
func (w Window) Write32(off uint64, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(w.Base+uintptr(off))), v)
}

// Read64 implements Regs.
func (w Window) Read64(off uint64) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(w.Base + uintptr(off))))
}

// Write64 implements Regs.
func (w Window) Write64(off uint64, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(w.Base+uintptr(off))), v)
}
