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

package rtkit

import (
	"fmt"

	"github.com/AsahiLinux/m1n1-sub000/mem"
	"github.com/golang/glog"
)

const (
	pageSize    = 4 << 10
	bufferAlign = 16 << 10
)

// Buffer is memory shared with the co-processor.
type Buffer struct {
	// Data is the host view of the buffer. It is nil for buffers the firmware
	// allocated itself.
	Data []byte
	// DVA is the address the co-processor uses for the buffer.
	DVA  uint64
	Size uint64

	phys   *mem.Buffer
	mapped uint64
}

// AllocBuffer allocates size bytes of memory and makes them visible to the
// co-processor.
func (d *Device) AllocBuffer(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("rtkit: %s: zero sized buffer", d.name)
	}
	mapped := (size + bufferAlign - 1) &^ (bufferAlign - 1)
	pb, err := d.alloc.Alloc(mapped, bufferAlign)
	if err != nil {
		return nil, fmt.Errorf("rtkit: %s: failed to allocate %#x byte buffer: %w", d.name, size, err)
	}
	b := &Buffer{Data: pb.Data[:size], Size: size, phys: pb, mapped: mapped}

	switch {
	case d.backing.DART != nil:
		dva, err := d.backing.IOVA.Alloc(mapped)
		if err != nil {
			d.alloc.Free(pb)
			return nil, fmt.Errorf("rtkit: %s: failed to allocate iova: %w", d.name, err)
		}
		if err := d.backing.DART.Map(dva, pb.Addr, mapped); err != nil {
			d.backing.IOVA.Free(dva, mapped)
			d.alloc.Free(pb)
			return nil, fmt.Errorf("rtkit: %s: failed to map buffer: %w", d.name, err)
		}
		b.DVA = dva
	case d.backing.SART != nil:
		if err := d.backing.SART.AllowDMA(pb.Addr, mapped); err != nil {
			d.alloc.Free(pb)
			return nil, fmt.Errorf("rtkit: %s: failed to allow DMA to buffer: %w", d.name, err)
		}
		b.DVA = pb.Addr
	default:
		b.DVA = pb.Addr
	}
	glog.V(1).Infof("%s: buffer %#x+%#x at phys %#x", d.name, b.DVA, size, pb.Addr)
	return b, nil
}

// FreeBuffer unmaps and releases a buffer from AllocBuffer and resets it to
// the zero Buffer. Buffers owned by the firmware are only reset.
func (d *Device) FreeBuffer(b *Buffer) {
	if b == nil || b.Size == 0 {
		return
	}
	if b.phys != nil {
		switch {
		case d.backing.DART != nil:
			d.backing.DART.Unmap(b.DVA, b.mapped)
			d.backing.IOVA.Free(b.DVA, b.mapped)
		case d.backing.SART != nil:
			if err := d.backing.SART.RemoveDMA(b.phys.Addr, b.mapped); err != nil {
				glog.Errorf("%s: failed to revoke DMA to %#x: %v", d.name, b.phys.Addr, err)
			}
		}
		d.alloc.Free(b.phys)
	}
	*b = Buffer{}
}

// serveBufferRequest answers a buffer request on ep, allocating b unless the
// firmware supplied its own memory.
func (d *Device) serveBufferRequest(ep uint8, b *Buffer, p uint64) error {
	pages, dva := ParseBufferRequest(p)
	size := uint64(pages) * pageSize
	switch {
	case dva != 0:
		d.FreeBuffer(b)
		*b = Buffer{DVA: dva, Size: size}
		glog.V(1).Infof("%s: endpoint %#02x uses firmware buffer %#x+%#x", d.name, ep, dva, size)
	case b.Size == size && b.phys != nil:
		glog.V(1).Infof("%s: endpoint %#02x reuses buffer %#x", d.name, ep, b.DVA)
	default:
		d.FreeBuffer(b)
		nb, err := d.AllocBuffer(size)
		if err != nil {
			return err
		}
		*b = *nb
	}
	return d.Send(sysMsg(ep, BufferRequest(pages, b.DVA)))
}
