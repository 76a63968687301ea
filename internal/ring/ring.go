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

// Package ring implements the shared memory ring buffers AFK endpoints use to
// carry records between the host and a co-processor.
//
// A ring is a 0xc0 byte header followed by the data area. The header holds the
// data area size and the two cursors, each in its own 64 byte block:
//
//	0x00 bufsz  u32
//	0x40 rptr   u32
//	0x80 wptr   u32
//
// Every record starts on a 64 byte boundary with a 16 byte framing header
// {magic, size, channel, type} followed by size payload bytes. A record never
// straddles the end of the data area: the writer leaves a copy of the framing
// header at the old cursor and writes the record at offset 0 instead, and the
// reader recognises the copy because the size it declares would cross the end.
//
// Cursors are published with atomic stores and observed with atomic loads,
// which orders them after the payload writes they cover. The layout is little
// endian, so rings may only be shared on little endian hosts.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the size of the ring header preceding the data area.
	HeaderSize = 0xc0
	// BlockSize is the cursor granularity.
	BlockSize = 64
	// RecordHeaderSize is the size of the per record framing header.
	RecordHeaderSize = 16
	// Magic is the first word of every framing header, "IOP " in memory.
	Magic = 0x20504f49

	offBufSize = 0x00
	offRptr    = 0x40
	offWptr    = 0x80
)

var (
	// ErrFull is returned when a record does not fit in the free space.
	ErrFull = errors.New("ring: full")
	// ErrBadMagic is returned when a framing header is not valid.
	ErrBadMagic = errors.New("ring: bad record magic")
	// ErrCorrupt is returned when a cursor or record size is out of bounds.
	ErrCorrupt = errors.New("ring: corrupt")
)

// Record is one record read from a ring.
type Record struct {
	// Offset is where the record's framing header starts in the data area.
	Offset  uint32
	Channel uint32
	Type    uint32
	Payload []byte
}

// Ring is a view of a ring living in shared memory.
type Ring struct {
	buf []byte
	cap uint32
}

func alignUp(v uint64) uint64 {
	return (v + BlockSize - 1) &^ (BlockSize - 1)
}

// Advance returns the cursor following n bytes written at pos in a data area
// of capacity bytes: pos+n rounded up to BlockSize, with capacity itself
// wrapping to 0. The result must not lie past the end of the data area.
func Advance(pos, n, capacity uint32) uint32 {
	next := alignUp(uint64(pos) + uint64(n))
	if next > uint64(capacity) {
		panic(fmt.Sprintf("ring: cursor %#x+%#x past capacity %#x", pos, n, capacity))
	}
	if next == uint64(capacity) {
		return 0
	}
	return uint32(next)
}

func check(buf []byte) error {
	if len(buf) <= HeaderSize || (len(buf)-HeaderSize)%BlockSize != 0 {
		return fmt.Errorf("ring: invalid ring size %#x", len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%4 != 0 {
		return errors.New("ring: buffer is not word aligned")
	}
	return nil
}

// Format initialises an empty ring over buf. This is what the co-processor
// does before advertising a ring to the host.
func Format(buf []byte) (*Ring, error) {
	if err := check(buf); err != nil {
		return nil, err
	}
	clear(buf[:HeaderSize])
	r := &Ring{buf: buf, cap: uint32(len(buf) - HeaderSize)}
	binary.LittleEndian.PutUint32(buf[offBufSize:], r.cap)
	return r, nil
}

// Attach returns a view of the ring the co-processor formatted in buf. The
// capacity recorded in the header must match the advertised size of buf.
func Attach(buf []byte) (*Ring, error) {
	if err := check(buf); err != nil {
		return nil, err
	}
	bufsz := binary.LittleEndian.Uint32(buf[offBufSize:])
	if want := uint32(len(buf) - HeaderSize); bufsz != want {
		return nil, fmt.Errorf("ring: header declares %#x bytes, advertised %#x", bufsz, want)
	}
	return &Ring{buf: buf, cap: bufsz}, nil
}

// Capacity returns the size of the data area.
func (r *Ring) Capacity() uint32 {
	return r.cap
}

func (r *Ring) cursor(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.buf[off]))
}

// ReadPtr returns the published read cursor.
func (r *Ring) ReadPtr() uint32 {
	return atomic.LoadUint32(r.cursor(offRptr))
}

// WritePtr returns the published write cursor.
func (r *Ring) WritePtr() uint32 {
	return atomic.LoadUint32(r.cursor(offWptr))
}

func (r *Ring) data() []byte {
	return r.buf[HeaderSize:]
}

func (r *Ring) putHeader(off uint32, size, channel, typ uint32) {
	h := r.data()[off : off+RecordHeaderSize]
	binary.LittleEndian.PutUint32(h[0:], Magic)
	binary.LittleEndian.PutUint32(h[4:], size)
	binary.LittleEndian.PutUint32(h[8:], channel)
	binary.LittleEndian.PutUint32(h[12:], typ)
}

// Put appends a record and publishes the new write cursor, which it also
// returns. If the record does not fit ErrFull is returned and the ring is
// left untouched.
func (r *Ring) Put(channel, typ uint32, payload []byte) (uint32, error) {
	rp, wp := r.ReadPtr(), r.WritePtr()
	if rp >= r.cap || wp >= r.cap {
		return 0, fmt.Errorf("%w: rptr %#x wptr %#x capacity %#x", ErrCorrupt, rp, wp, r.cap)
	}
	size := uint64(len(payload))
	need := RecordHeaderSize + size

	// The write cursor may never catch up with the read cursor, since
	// equal cursors mean an empty ring.
	start, wrap := uint64(wp), false
	switch {
	case wp >= rp && uint64(wp)+need <= uint64(r.cap):
		if alignUp(uint64(wp)+need) == uint64(r.cap) && rp == 0 {
			return 0, ErrFull
		}
	case wp >= rp:
		if alignUp(need) >= uint64(rp) {
			return 0, ErrFull
		}
		start, wrap = 0, true
	default:
		if alignUp(uint64(wp)+need) >= uint64(rp) {
			return 0, ErrFull
		}
	}

	if wrap {
		r.putHeader(wp, uint32(size), channel, typ)
	}
	r.putHeader(uint32(start), uint32(size), channel, typ)
	copy(r.data()[start+RecordHeaderSize:], payload)

	next := Advance(uint32(start), uint32(need), r.cap)
	atomic.StoreUint32(r.cursor(offWptr), next)
	return next, nil
}

func (r *Ring) header(off uint32) (magic, size, channel, typ uint32) {
	h := r.data()[off : off+RecordHeaderSize]
	return binary.LittleEndian.Uint32(h[0:]), binary.LittleEndian.Uint32(h[4:]),
		binary.LittleEndian.Uint32(h[8:]), binary.LittleEndian.Uint32(h[12:])
}

// Peek returns the record at the read cursor without consuming it. The bool
// result is false when the ring is empty.
func (r *Ring) Peek() (Record, bool, error) {
	wp := r.WritePtr()
	rp := r.ReadPtr()
	if rp == wp {
		return Record{}, false, nil
	}
	if rp >= r.cap || wp >= r.cap || rp%BlockSize != 0 {
		return Record{}, false, fmt.Errorf("%w: rptr %#x wptr %#x capacity %#x", ErrCorrupt, rp, wp, r.cap)
	}

	off := rp
	magic, size, channel, typ := r.header(off)
	if magic != Magic {
		return Record{}, false, fmt.Errorf("%w: %#08x at %#x", ErrBadMagic, magic, off)
	}
	if uint64(off)+RecordHeaderSize+uint64(size) > uint64(r.cap) {
		off = 0
		magic, size, channel, typ = r.header(off)
		if magic != Magic {
			return Record{}, false, fmt.Errorf("%w: %#08x at wrapped record", ErrBadMagic, magic)
		}
		if RecordHeaderSize+uint64(size) > uint64(r.cap) {
			return Record{}, false, fmt.Errorf("%w: record size %#x exceeds capacity %#x", ErrCorrupt, size, r.cap)
		}
	}

	payload := make([]byte, size)
	copy(payload, r.data()[off+RecordHeaderSize:])
	return Record{Offset: off, Channel: channel, Type: typ, Payload: payload}, true, nil
}

// Ack consumes rec, which must be the record last returned by Peek, and
// publishes the new read cursor, which it also returns.
func (r *Ring) Ack(rec Record) uint32 {
	next := Advance(rec.Offset, uint32(RecordHeaderSize+len(rec.Payload)), r.cap)
	atomic.StoreUint32(r.cursor(offRptr), next)
	return next
}

// Free returns the number of unused bytes in the data area.
func (r *Ring) Free() uint32 {
	rp, wp := r.ReadPtr(), r.WritePtr()
	if wp >= rp {
		return r.cap - wp + rp
	}
	return rp - wp
}
