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

package mem

import (
	"errors"
	"testing"

	"github.com/AsahiLinux/m1n1-sub000/iova"
)

const base = 0x8_0000_0000

func TestArenaAllocShared(t *testing.T) {
	a, err := NewArena(base, 4*iova.Granule)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	b, err := a.Alloc(0x1000, 0x4000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.Addr%0x4000 != 0 {
		t.Errorf("Addr %#x not aligned", b.Addr)
	}
	if got, want := len(b.Data), 0x1000; got != want {
		t.Errorf("len(Data) = %#x, want %#x", got, want)
	}
	b.Data[0x10] = 0xaa
	dev, err := a.Slice(b.Addr+0x10, 1)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if dev[0] != 0xaa {
		t.Errorf("device view = %#x, want 0xaa", dev[0])
	}

	a.Free(b)
	c, err := a.Alloc(0x1000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c.Addr != b.Addr {
		t.Errorf("Alloc after Free at %#x, want %#x", c.Addr, b.Addr)
	}
	if c.Data[0x10] != 0 {
		t.Error("reallocated buffer not zeroed")
	}
}

func TestArenaErrors(t *testing.T) {
	if _, err := NewArena(0, iova.Granule); err == nil {
		t.Error("NewArena at 0 succeeded")
	}
	a, err := NewArena(base, 2*iova.Granule)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	if _, err := a.Alloc(1, 2*iova.Granule); err == nil {
		t.Error("Alloc with oversized alignment succeeded")
	}
	if _, err := a.Alloc(3*iova.Granule, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc too large: got %v, want ErrOutOfMemory", err)
	}
	if _, err := a.Slice(base+2*iova.Granule-1, 2); err == nil {
		t.Error("Slice past end succeeded")
	}
	if _, err := a.Slice(base-1, 1); err == nil {
		t.Error("Slice before base succeeded")
	}
}
