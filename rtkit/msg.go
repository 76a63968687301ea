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

import "fmt"

// Well known endpoints. Endpoints below AppEndpointStart belong to RTKit
// itself, the rest to the firmware's application protocols.
const (
	// EPManagement carries the boot handshake and power state changes.
	EPManagement = 0x00
	// EPCrashlog asks for the crashlog buffer, and again when the firmware
	// crashes.
	EPCrashlog = 0x01
	// EPSyslog carries firmware log lines.
	EPSyslog = 0x02
	EPDebug  = 0x03
	// EPIOReport asks for the performance counter buffer.
	EPIOReport = 0x04
	EPOSLog    = 0x08

	// AppEndpointStart is the first application endpoint.
	AppEndpointStart = 0x20
)

// Management message types.
const (
	// MgmtHello opens the handshake with the firmware's version range.
	MgmtHello = 0x1
	// MgmtHelloAck carries the negotiated version.
	MgmtHelloAck = 0x2
	// MgmtStartEP starts one endpoint.
	MgmtStartEP = 0x5
	// MgmtIOPPwrState requests a co-processor power state.
	MgmtIOPPwrState = 0x6
	// MgmtIOPPwrStateAck reports the co-processor power state reached.
	MgmtIOPPwrStateAck = 0x7
	// MgmtEPMap is one chunk of the endpoint bitmap, 32 endpoints each.
	MgmtEPMap = 0x8
	// MgmtEPMapReply acknowledges a MgmtEPMap chunk and shares its type.
	MgmtEPMapReply = 0x8
	// MgmtAPPwrState sets the application processor power state and is
	// echoed back by the firmware.
	MgmtAPPwrState = 0xb
)

// Message types used on the system endpoints.
const (
	// MsgBufferRequest asks the host for a shared buffer, or tells it where
	// a firmware owned one is.
	MsgBufferRequest = 0x1
	// MsgSyslogLog announces a new syslog entry by index.
	MsgSyslogLog = 0x5
	// MsgSyslogInit gives the syslog entry count and size.
	MsgSyslogInit = 0x8
	// MsgIOReportUnk8 and MsgIOReportUnk12 are echoed back unchanged.
	MsgIOReportUnk8  = 0x8
	MsgIOReportUnk12 = 0xc

	// OSLogInit asks for the oslog buffer. Its type sits in bits [63:56].
	OSLogInit = 0x1
	// OSLogAck answers OSLogInit.
	OSLogAck = 0x3
)

// PowerState is the power state of either side of the link.
type PowerState uint16

const (
	PowerOff PowerState = 0x0
	// PowerSleep is requested by Shutdown.
	PowerSleep PowerState = 0x1
	// PowerQuiesced stops the firmware without putting it to sleep.
	PowerQuiesced PowerState = 0x10
	PowerOn       PowerState = 0x20
	// PowerInit is requested to wake a co-processor and start the handshake.
	PowerInit PowerState = 0x220
)

func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerSleep:
		return "sleep"
	case PowerQuiesced:
		return "quiesced"
	case PowerOn:
		return "on"
	case PowerInit:
		return "init"
	}
	return fmt.Sprintf("PowerState(%#x)", uint16(p))
}

func field(v uint64, hi, lo uint) uint64 {
	return v >> lo & (1<<(hi-lo+1) - 1)
}

func prep(hi, lo uint, v uint64) uint64 {
	return (v & (1<<(hi-lo+1) - 1)) << lo
}

const (
	epMapDone      = 1 << 51
	epMapReplyMore = 1 << 0
	startEPFlag    = 1 << 1
)

// Type returns the message type of a management or system endpoint message.
func Type(p uint64) uint8 {
	return uint8(field(p, 59, 52))
}

// Msg builds a message of the given type. The rest of the payload is taken
// from rest.
func Msg(typ uint8, rest uint64) uint64 {
	return prep(59, 52, uint64(typ)) | rest
}

// Hello is sent by the co-processor with the range of protocol versions it
// speaks.
func Hello(minVer, maxVer uint16) uint64 {
	return Msg(MgmtHello, prep(15, 0, uint64(minVer))|prep(31, 16, uint64(maxVer)))
}

// ParseHello returns the version range of a HELLO or HELLO_ACK.
func ParseHello(p uint64) (minVer, maxVer uint16) {
	return uint16(field(p, 15, 0)), uint16(field(p, 31, 16))
}

// HelloAck confirms the negotiated version.
func HelloAck(ver uint16) uint64 {
	return Msg(MgmtHelloAck, prep(15, 0, uint64(ver))|prep(31, 16, uint64(ver)))
}

// EPMap announces which of 32 endpoints starting at 32*base exist.
func EPMap(base uint8, bitmap uint32, done bool) uint64 {
	p := Msg(MgmtEPMap, prep(34, 32, uint64(base))|uint64(bitmap))
	if done {
		p |= epMapDone
	}
	return p
}

// ParseEPMap decodes an EPMAP message.
func ParseEPMap(p uint64) (base uint8, bitmap uint32, done bool) {
	return uint8(field(p, 34, 32)), uint32(field(p, 31, 0)), p&epMapDone != 0
}

// EPMapReply acknowledges one EPMAP chunk, mirroring its done flag.
func EPMapReply(base uint8, done bool) uint64 {
	p := Msg(MgmtEPMapReply, prep(34, 32, uint64(base)))
	if done {
		return p | epMapDone
	}
	return p | epMapReplyMore
}

// ParseEPMapReply decodes an EPMAP reply.
func ParseEPMapReply(p uint64) (base uint8, done, more bool) {
	return uint8(field(p, 34, 32)), p&epMapDone != 0, p&epMapReplyMore != 0
}

// StartEP asks the co-processor to start an endpoint.
func StartEP(ep uint8) uint64 {
	return Msg(MgmtStartEP, prep(39, 32, uint64(ep))|startEPFlag)
}

// ParseStartEP returns the endpoint of a START_EP message.
func ParseStartEP(p uint64) uint8 {
	return uint8(field(p, 39, 32))
}

// Power builds a power state message of the given management type.
func Power(typ uint8, state PowerState) uint64 {
	return Msg(typ, prep(15, 0, uint64(state)))
}

// ParsePower returns the state carried by a power state message.
func ParsePower(p uint64) PowerState {
	return PowerState(field(p, 15, 0))
}

// BufferRequest is both the co-processor's request for a shared buffer of
// pages 4KB pages and the reply carrying its device address. A request with a
// non-zero address refers to memory the firmware already owns.
func BufferRequest(pages uint8, dva uint64) uint64 {
	return Msg(MsgBufferRequest, prep(51, 44, uint64(pages))|prep(41, 0, dva))
}

// ParseBufferRequest decodes a buffer request.
func ParseBufferRequest(p uint64) (pages uint8, dva uint64) {
	return uint8(field(p, 51, 44)), field(p, 41, 0)
}

// SyslogInit describes the syslog ring: count entries of entrySize message
// bytes each.
func SyslogInit(count, entrySize uint16) uint64 {
	return Msg(MsgSyslogInit, prep(39, 24, uint64(entrySize))|prep(15, 0, uint64(count)))
}

// ParseSyslogInit decodes a SYSLOG_INIT message.
func ParseSyslogInit(p uint64) (count, entrySize uint16) {
	return uint16(field(p, 15, 0)), uint16(field(p, 39, 24))
}

// SyslogLog tells the host a syslog entry is ready.
func SyslogLog(index uint8) uint64 {
	return Msg(MsgSyslogLog, prep(7, 0, uint64(index)))
}

// ParseSyslogLog returns the entry index of a SYSLOG_LOG message.
func ParseSyslogLog(p uint64) uint8 {
	return uint8(field(p, 7, 0))
}

// OSLog builds an oslog endpoint message. The size and address fields are
// laid out as in BufferRequest.
func OSLog(typ uint8, pages uint8, dva uint64) uint64 {
	return prep(63, 56, uint64(typ)) | prep(51, 44, uint64(pages)) | prep(41, 0, dva)
}

// ParseOSLog decodes an oslog endpoint message.
func ParseOSLog(p uint64) (typ uint8, pages uint8, dva uint64) {
	return uint8(field(p, 63, 56)), uint8(field(p, 51, 44)), field(p, 41, 0)
}
