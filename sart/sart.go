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

// Package sart drives the allow-list DMA filter used by co-processors which
// sit behind a SART instead of a full IOMMU.
//
// A SART has a small number of entries, each allowing device access to one
// physical range. Entries the bootloader finds already programmed belong to
// the firmware and are never touched.
package sart

import (
	"errors"
	"fmt"

	"github.com/AsahiLinux/m1n1-sub000/internal/mmio"
	"github.com/golang/glog"
)

const (
	// NumEntries is the number of allow-list entries.
	NumEntries = 16
	// Granule is the alignment required of addresses and sizes.
	Granule = 1 << pageShift

	pageShift  = 12
	flagsAllow = 0xff

	v2Config = 0x00
	v2Paddr  = 0x40

	v3Config = 0x00
	v3Paddr  = 0x40
	v3Size   = 0x80
)

var (
	// ErrNoFreeEntry is returned when every entry is in use.
	ErrNoFreeEntry = errors.New("sart: no free entry")
	// ErrNotFound is returned when removing a range that was never allowed.
	ErrNotFound = errors.New("sart: entry not found")
)

type entry struct {
	flags uint32
	paddr uint64
	size  uint64
}

// SART is one SART instance.
type SART struct {
	regs      mmio.Regs
	version   int
	protected uint32
}

// New returns a driver for the SART at regs. Only versions 2 and 3 are
// supported.
func New(regs mmio.Regs, version int) (*SART, error) {
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("sart: unsupported version %d", version)
	}
	s := &SART{regs: regs, version: version}
	for i := 0; i < NumEntries; i++ {
		if e := s.get(i); e.flags != 0 {
			s.protected |= 1 << i
			glog.V(1).Infof("sart: entry %d protected: %#x+%#x flags %#x", i, e.paddr, e.size, e.flags)
		}
	}
	return s, nil
}

func (s *SART) get(i int) entry {
	off := uint64(4 * i)
	switch s.version {
	case 2:
		cfg := s.regs.Read32(v2Config + off)
		return entry{
			flags: cfg >> 24,
			size:  uint64(cfg&0xffffff) << pageShift,
			paddr: uint64(s.regs.Read32(v2Paddr+off)) << pageShift,
		}
	default:
		return entry{
			flags: s.regs.Read32(v3Config + off),
			size:  uint64(s.regs.Read32(v3Size+off)) << pageShift,
			paddr: uint64(s.regs.Read32(v3Paddr+off)) << pageShift,
		}
	}
}

func (s *SART) set(i int, e entry) {
	off := uint64(4 * i)
	switch s.version {
	case 2:
		s.regs.Write32(v2Paddr+off, uint32(e.paddr>>pageShift))
		s.regs.Write32(v2Config+off, e.flags<<24|uint32(e.size>>pageShift)&0xffffff)
	default:
		s.regs.Write32(v3Paddr+off, uint32(e.paddr>>pageShift))
		s.regs.Write32(v3Size+off, uint32(e.size>>pageShift))
		s.regs.Write32(v3Config+off, e.flags)
	}
}

func check(paddr, size uint64) error {
	if paddr%Granule != 0 || size%Granule != 0 || size == 0 {
		return fmt.Errorf("sart: range %#x+%#x is not %#x aligned", paddr, size, Granule)
	}
	return nil
}

// AllowDMA lets the device access physical [paddr, paddr+size).
func (s *SART) AllowDMA(paddr, size uint64) error {
	if err := check(paddr, size); err != nil {
		return err
	}
	for i := 0; i < NumEntries; i++ {
		if s.protected&(1<<i) != 0 || s.get(i).flags != 0 {
			continue
		}
		s.set(i, entry{flags: flagsAllow, paddr: paddr, size: size})
		glog.V(1).Infof("sart: entry %d allows %#x+%#x", i, paddr, size)
		return nil
	}
	return ErrNoFreeEntry
}

// RemoveDMA revokes an allow-list entry previously installed by AllowDMA.
func (s *SART) RemoveDMA(paddr, size uint64) error {
	if err := check(paddr, size); err != nil {
		return err
	}
	for i := 0; i < NumEntries; i++ {
		if s.protected&(1<<i) != 0 {
			continue
		}
		e := s.get(i)
		if e.flags == 0 || e.paddr != paddr || e.size != size {
			continue
		}
		s.set(i, entry{})
		glog.V(1).Infof("sart: entry %d cleared", i)
		return nil
	}
	return ErrNotFound
}

// Allowed reports whether the device may access physical [paddr, paddr+size).
func (s *SART) Allowed(paddr, size uint64) bool {
	for i := 0; i < NumEntries; i++ {
		e := s.get(i)
		if e.flags != 0 && paddr >= e.paddr && paddr+size <= e.paddr+e.size {
			return true
		}
	}
	return false
}
