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

package config

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/u-root/u-root/pkg/dt"
)

// IOPCompatible prefixes the compatible string of co-processor nodes.
const IOPCompatible = "apple,asc"

// Window is a physical register window.
type Window struct {
	Addr uint64
	Size uint64
}

// IOP is a co-processor found in a device tree.
type IOP struct {
	// Name is the node name without its unit address.
	Name string
	// Regs holds the reg property in order: the CPU control block first, then
	// the mailbox.
	Regs []Window
	// SARTVersion is 0 if the node has no sart-version property.
	SARTVersion int
	// IOVABase and IOVALimit come from iova-window; both are 0 if absent.
	IOVABase  uint64
	IOVALimit uint64
}

func property(n *dt.Node, name string) ([]byte, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

func compatible(n *dt.Node) bool {
	v, ok := property(n, "compatible")
	if !ok {
		return false
	}
	for _, c := range strings.Split(strings.TrimRight(string(v), "\x00"), "\x00") {
		if strings.HasPrefix(c, IOPCompatible) {
			return true
		}
	}
	return false
}

func parseIOP(n *dt.Node) (IOP, error) {
	iop := IOP{Name: n.Name}
	if i := strings.IndexByte(iop.Name, '@'); i >= 0 {
		iop.Name = iop.Name[:i]
	}
	reg, ok := property(n, "reg")
	if !ok || len(reg) == 0 || len(reg)%16 != 0 {
		return IOP{}, fmt.Errorf("%s: reg must hold 2-cell address and size pairs", n.Name)
	}
	for i := 0; i < len(reg); i += 16 {
		iop.Regs = append(iop.Regs, Window{
			Addr: binary.BigEndian.Uint64(reg[i:]),
			Size: binary.BigEndian.Uint64(reg[i+8:]),
		})
	}
	if v, ok := property(n, "sart-version"); ok {
		if len(v) != 4 {
			return IOP{}, fmt.Errorf("%s: sart-version is %d bytes, want 4", n.Name, len(v))
		}
		iop.SARTVersion = int(binary.BigEndian.Uint32(v))
	}
	if v, ok := property(n, "iova-window"); ok {
		if len(v) != 16 {
			return IOP{}, fmt.Errorf("%s: iova-window is %d bytes, want 16", n.Name, len(v))
		}
		iop.IOVABase = binary.BigEndian.Uint64(v)
		iop.IOVALimit = binary.BigEndian.Uint64(v[8:])
	}
	return iop, nil
}

// FromDeviceTree returns the co-processors described by a flattened device
// tree blob.
func FromDeviceTree(dtb []byte) ([]IOP, error) {
	fdt, err := dt.ReadFDT(bytes.NewReader(dtb))
	if err != nil {
		return nil, fmt.Errorf("failed to read device tree: %v", err)
	}
	var iops []IOP
	var walk func(n *dt.Node) error
	walk = func(n *dt.Node) error {
		if compatible(n) {
			iop, err := parseIOP(n)
			if err != nil {
				return err
			}
			glog.V(1).Infof("device tree: %s at %#x", iop.Name, iop.Regs[0].Addr)
			iops = append(iops, iop)
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(fdt.RootNode); err != nil {
		return nil, err
	}
	return iops, nil
}

// Apply sets the backing of every device named in iops from the device
// tree. A SART version selects the sart backing; an IOVA window selects dart.
func (d *Devices) Apply(iops []IOP) {
	for _, iop := range iops {
		for i := range d.Devices {
			dev := &d.Devices[i]
			if dev.Name != iop.Name {
				continue
			}
			switch {
			case iop.SARTVersion != 0:
				dev.Backing = BackingSART
				dev.SARTVersion = iop.SARTVersion
			case iop.IOVALimit > iop.IOVABase:
				dev.Backing = BackingDART
				dev.IOVABase, dev.IOVALimit = iop.IOVABase, iop.IOVALimit
			}
		}
	}
}
