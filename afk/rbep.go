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

package afk

// Ring endpoint management messages, type in bits [63:48].
const (
	// RBEPInit opens the ring handshake.
	RBEPInit    = 0x80
	RBEPInitAck = 0xa0
	// RBEPGetBuf asks the host for the shared ring buffer.
	RBEPGetBuf = 0x89
	// RBEPGetBufAck gives the device address of the ring buffer.
	RBEPGetBufAck = 0xa1
	// RBEPInitTx and RBEPInitRx place a ring inside the buffer. Directions
	// are as seen by the host.
	RBEPInitTx = 0x8a
	RBEPInitRx = 0x8b
	// RBEPStart is sent once both rings are in place.
	RBEPStart    = 0xa3
	RBEPStartAck = 0x86
	// RBEPSend is the host's doorbell, carrying its new write cursor.
	RBEPSend = 0xa2
	// RBEPRecv is the firmware's doorbell, carrying its new write cursor.
	RBEPRecv = 0x85
	// RBEPShutdown stops the endpoint.
	RBEPShutdown    = 0xc0
	RBEPShutdownAck = 0xc1
)

func field(v uint64, hi, lo uint) uint64 {
	return v >> lo & (1<<(hi-lo+1) - 1)
}

func prep(hi, lo uint, v uint64) uint64 {
	return (v & (1<<(hi-lo+1) - 1)) << lo
}

// RBEPType returns the type of a ring endpoint message.
func RBEPType(p uint64) uint16 {
	return uint16(field(p, 63, 48))
}

// RBEP builds a ring endpoint message with no arguments.
func RBEP(typ uint16) uint64 {
	return prep(63, 48, uint64(typ))
}

// GetBuf requests a shared buffer of blocks 64 byte blocks.
func GetBuf(blocks, tag uint16) uint64 {
	return RBEP(RBEPGetBuf) | prep(31, 16, uint64(blocks)) | prep(15, 0, uint64(tag))
}

// ParseGetBuf decodes a GETBUF message.
func ParseGetBuf(p uint64) (blocks, tag uint16) {
	return uint16(field(p, 31, 16)), uint16(field(p, 15, 0))
}

// GetBufAck returns the device address of the shared buffer.
func GetBufAck(dva uint64) uint64 {
	return RBEP(RBEPGetBufAck) | prep(47, 0, dva)
}

// ParseGetBufAck decodes a GETBUF_ACK message.
func ParseGetBufAck(p uint64) uint64 {
	return field(p, 47, 0)
}

// InitRing places a ring at off blocks into the shared buffer. typ is
// RBEPInitRx or RBEPInitTx; size counts the ring header too.
func InitRing(typ, off, size, tag uint16) uint64 {
	return RBEP(typ) | prep(47, 32, uint64(off)) | prep(31, 16, uint64(size)) | prep(15, 0, uint64(tag))
}

// ParseInitRing decodes an INIT_RX or INIT_TX message.
func ParseInitRing(p uint64) (off, size, tag uint16) {
	return uint16(field(p, 47, 32)), uint16(field(p, 31, 16)), uint16(field(p, 15, 0))
}

// Cursor builds a SEND or RECV message carrying a new write cursor.
func Cursor(typ uint16, wptr uint32) uint64 {
	return RBEP(typ) | prep(31, 0, uint64(wptr))
}

// ParseCursor returns the write cursor of a SEND or RECV message.
func ParseCursor(p uint64) uint32 {
	return uint32(field(p, 31, 0))
}
