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

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AsahiLinux/m1n1-sub000/internal/ring"
)

// Category is the kind of an EPIC message.
type Category uint8

const (
	// CategoryReport is an unsolicited message, such as an announcement.
	CategoryReport Category = 0x00
	// CategoryNotify is an unsolicited message which may want an answer.
	CategoryNotify Category = 0x10
	// CategoryReply answers a command or a notify.
	CategoryReply Category = 0x20
	// CategoryCommand is a request with DMA buffers.
	CategoryCommand Category = 0x30
)

func (c Category) String() string {
	switch c {
	case CategoryReport:
		return "report"
	case CategoryNotify:
		return "notify"
	case CategoryReply:
		return "reply"
	case CategoryCommand:
		return "command"
	}
	return fmt.Sprintf("Category(%#x)", uint8(c))
}

// RecordType is the type carried in a ring record's framing header.
type RecordType uint32

const (
	// TypeNotify carries reports and notifies in either direction.
	TypeNotify RecordType = 0
	// TypeCommand carries host commands.
	TypeCommand RecordType = 3
	// TypeReply carries firmware replies to commands.
	TypeReply RecordType = 4
	// TypeNotifyAck carries host answers to standard service calls.
	TypeNotifyAck RecordType = 8
)

// Well known EPIC type codes.
const (
	// CodeAnnounce is a report naming the channel it arrives on.
	CodeAnnounce = 0x30
	// CodeStdService is a standard service call made by the firmware.
	CodeStdService = 0xc0
)

const (
	headerVersion    = 2
	subHeaderVersion = 4

	// StdServiceMagic marks a standard service call.
	StdServiceMagic = 0x69706378

	announceNameSize = 32
)

// Header is the EPIC header starting every record payload.
type Header struct {
	Version   uint8
	Seq       uint16
	Pad       uint8
	Unk       uint32
	Timestamp uint64
}

// SubHeader follows Header and describes the message.
type SubHeader struct {
	Length    uint32
	Version   uint8
	Category  Category
	Type      uint16
	Timestamp uint64
	Seq       uint16
	Unk       uint8
	Flags     uint8
	InlineLen uint32
}

// CommandArgs is the body of a command and of its reply.
type CommandArgs struct {
	Retcode uint32
	RxBuf   uint64
	TxBuf   uint64
	RxLen   uint32
	TxLen   uint32
	Pad     uint16
}

// StdCall heads the body of a standard service call and of its reply.
type StdCall struct {
	Pad0  [2]byte
	Group uint16
	// Command selects the call within Group.
	Command uint32
	// Len is the number of argument bytes following the header.
	Len uint32
	// Magic is always StdServiceMagic.
	Magic uint32
	Pad1  [48]byte
}

// Wire sizes of the structures above.
const (
	HeaderSize      = 16
	SubHeaderSize   = 24
	CommandArgsSize = 30
	StdCallSize     = 64
)

// Message is a decoded EPIC message: one of *Report, *Notify, *Reply or
// *Command.
type Message interface {
	Category() Category
	code() uint16
	body() []byte
}

// Report is an unsolicited message. Channel announcements are reports.
type Report struct {
	Code uint16
	Data []byte
}

// Notify is an unsolicited message, possibly expecting a NotifyAck.
type Notify struct {
	Code uint16
	Data []byte
}

// Reply answers a Command or a Notify.
type Reply struct {
	Code uint16
	Data []byte
}

// Command is a request referencing DMA buffers for its arguments and result.
type Command struct {
	Code uint16
	Args CommandArgs
}

func (*Report) Category() Category  { return CategoryReport }
func (*Notify) Category() Category  { return CategoryNotify }
func (*Reply) Category() Category   { return CategoryReply }
func (*Command) Category() Category { return CategoryCommand }

func (m *Report) code() uint16  { return m.Code }
func (m *Notify) code() uint16  { return m.Code }
func (m *Reply) code() uint16   { return m.Code }
func (m *Command) code() uint16 { return m.Code }

func (m *Report) body() []byte { return m.Data }
func (m *Notify) body() []byte { return m.Data }
func (m *Reply) body() []byte  { return m.Data }
func (m *Command) body() []byte {
	b, _ := binary.Append(nil, binary.LittleEndian, &m.Args)
	return b
}

// Args decodes the body of a reply to a command.
func (m *Reply) Args() (CommandArgs, error) {
	var a CommandArgs
	if _, err := binary.Decode(m.Data, binary.LittleEndian, &a); err != nil {
		return a, fmt.Errorf("afk: short command reply: %v", err)
	}
	return a, nil
}

// Frame is one ring record decoded into its EPIC message.
type Frame struct {
	Channel uint32
	Type    RecordType
	Header  Header
	Sub     SubHeader
	Msg     Message
}

// Encode returns the record payload carrying m with the given endpoint and
// service sequence numbers.
func Encode(seq, serviceSeq uint16, m Message) []byte {
	body := m.body()
	sub := SubHeader{
		Length:   uint32(len(body)),
		Version:  subHeaderVersion,
		Category: m.Category(),
		Type:     m.code(),
		Seq:      serviceSeq,
	}
	if m.Category() != CategoryCommand {
		sub.InlineLen = uint32(len(body))
	}
	out := make([]byte, 0, HeaderSize+SubHeaderSize+len(body))
	out, _ = binary.Append(out, binary.LittleEndian, &Header{Version: headerVersion, Seq: seq})
	out, _ = binary.Append(out, binary.LittleEndian, &sub)
	return append(out, body...)
}

// Decode parses a ring record.
func Decode(rec ring.Record) (*Frame, error) {
	f := &Frame{Channel: rec.Channel, Type: RecordType(rec.Type)}
	p := rec.Payload
	if len(p) < HeaderSize+SubHeaderSize {
		return nil, fmt.Errorf("afk: record of %d bytes too short for EPIC headers", len(p))
	}
	binary.Decode(p, binary.LittleEndian, &f.Header)
	binary.Decode(p[HeaderSize:], binary.LittleEndian, &f.Sub)
	if f.Header.Version != headerVersion {
		return nil, fmt.Errorf("afk: unknown EPIC version %d", f.Header.Version)
	}
	body := p[HeaderSize+SubHeaderSize:]
	if int(f.Sub.Length) > len(body) {
		return nil, fmt.Errorf("afk: EPIC length %d exceeds record body %d", f.Sub.Length, len(body))
	}
	body = body[:f.Sub.Length]

	switch f.Sub.Category {
	case CategoryReport:
		f.Msg = &Report{Code: f.Sub.Type, Data: body}
	case CategoryNotify:
		f.Msg = &Notify{Code: f.Sub.Type, Data: body}
	case CategoryReply:
		f.Msg = &Reply{Code: f.Sub.Type, Data: body}
	case CategoryCommand:
		c := &Command{Code: f.Sub.Type}
		if _, err := binary.Decode(body, binary.LittleEndian, &c.Args); err != nil {
			return nil, fmt.Errorf("afk: short command: %v", err)
		}
		f.Msg = c
	default:
		return nil, fmt.Errorf("afk: unknown EPIC category %#x", uint8(f.Sub.Category))
	}
	return f, nil
}

// Announce is the body of a channel announcement.
type Announce struct {
	Name  string
	Props []byte
}

// ParseAnnounce decodes the body of a CodeAnnounce report.
func ParseAnnounce(data []byte) (Announce, error) {
	if len(data) < announceNameSize {
		return Announce{}, errors.New("afk: short announcement")
	}
	name := data[:announceNameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return Announce{Name: string(name), Props: data[announceNameSize:]}, nil
}

// Marshal encodes the announcement.
func (a Announce) Marshal() []byte {
	out := make([]byte, announceNameSize, announceNameSize+len(a.Props))
	copy(out[:announceNameSize-1], a.Name)
	return append(out, a.Props...)
}

// ParseStdCall splits the body of a standard service call into its header and
// arguments.
func ParseStdCall(data []byte) (StdCall, []byte, error) {
	var c StdCall
	if _, err := binary.Decode(data, binary.LittleEndian, &c); err != nil {
		return c, nil, fmt.Errorf("afk: short service call: %v", err)
	}
	if c.Magic != StdServiceMagic {
		return c, nil, fmt.Errorf("afk: bad service call magic %#08x", c.Magic)
	}
	args := data[StdCallSize:]
	if int(c.Len) > len(args) {
		return c, nil, fmt.Errorf("afk: service call length %d exceeds body %d", c.Len, len(args))
	}
	return c, args[:c.Len], nil
}

// Marshal encodes the call header followed by data.
func (c StdCall) Marshal(data []byte) []byte {
	out, _ := binary.Append(make([]byte, 0, StdCallSize+len(data)), binary.LittleEndian, &c)
	return append(out, data...)
}
