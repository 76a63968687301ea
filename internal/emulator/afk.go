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

package emulator

import (
	"encoding/binary"

	"github.com/AsahiLinux/m1n1-sub000/afk"
	"github.com/AsahiLinux/m1n1-sub000/internal/ring"
)

// AFKConfig scripts the firmware side of an AFK endpoint.
type AFKConfig struct {
	Endpoint uint8
	Tag      uint16
	// RingSize is the data capacity of each ring, a multiple of 64.
	RingSize uint32
	// Services are announced on channels 0, 1, ... in order.
	Services []ServiceConfig
	// Noise unrelated reports precede the announcements.
	Noise int
	// BadTag advertises the transmit ring with the wrong tag.
	BadTag bool
	// BadRingSize advertises a receive ring size that disagrees with its
	// header.
	BadRingSize bool
}

// Handler runs one command and returns its return code and result.
type Handler func(code uint16, in []byte) (retcode uint32, out []byte)

// ServiceConfig scripts one channel.
type ServiceConfig struct {
	Name    string
	Props   []byte
	Handler Handler
	// Calls are made into the host before each command is answered.
	Calls []StdCall
}

// StdCall is a standard service call made into the host.
type StdCall struct {
	Group   uint16
	Command uint32
	Args    []byte
}

// StdReply is the host's answer to a StdCall.
type StdReply struct {
	Channel uint32
	Group   uint16
	Command uint32
	Data    []byte
}

// Report is a report the host sent.
type Report struct {
	Channel uint32
	Code    uint16
	Data    []byte
}

type deferredReply struct {
	reply      *afk.Reply
	serviceSeq uint16
	calls      []StdCall
}

type afkState struct {
	cfg      AFKConfig
	running  bool
	blocks   uint16
	toHost   *ring.Ring
	fromHost *ring.Ring
	seq      uint16

	commands   int
	deferred   map[uint32]*deferredReply
	stdReplies []StdReply
	reports    []Report
}

// StdReplies returns the host's answers to standard service calls.
func (e *Emulator) StdReplies() []StdReply {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StdReply(nil), e.afk.stdReplies...)
}

// Reports returns the reports the host sent.
func (e *Emulator) Reports() []Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Report(nil), e.afk.reports...)
}

func (e *Emulator) handleAFK(p uint64) {
	a := &e.afk
	ep := a.cfg.Endpoint
	switch typ := afk.RBEPType(p); typ {
	case afk.RBEPInit:
		e.send(ep, afk.RBEP(afk.RBEPInitAck))
		a.blocks = uint16(2 * (ring.HeaderSize + a.cfg.RingSize) / ring.BlockSize)
		e.send(ep, afk.GetBuf(a.blocks, a.cfg.Tag))
	case afk.RBEPGetBufAck:
		buf, err := e.mem.Slice(afk.ParseGetBufAck(p), uint64(a.blocks)*ring.BlockSize)
		if err != nil {
			e.fail("afk buffer: %v", err)
			return
		}
		rb := a.blocks / 2
		split := uint64(rb) * ring.BlockSize
		if a.toHost, err = ring.Format(buf[:split]); err != nil {
			e.fail("afk rx ring: %v", err)
			return
		}
		if a.fromHost, err = ring.Format(buf[split:]); err != nil {
			e.fail("afk tx ring: %v", err)
			return
		}
		rxSize, txTag := rb, a.cfg.Tag
		if a.cfg.BadRingSize {
			rxSize--
		}
		if a.cfg.BadTag {
			txTag++
		}
		e.send(ep, afk.InitRing(afk.RBEPInitRx, 0, rxSize, a.cfg.Tag))
		e.send(ep, afk.InitRing(afk.RBEPInitTx, rb, rb, txTag))
	case afk.RBEPStart:
		e.send(ep, afk.RBEP(afk.RBEPStartAck))
		a.running = true
		a.deferred = make(map[uint32]*deferredReply)
		for i := 0; i < a.cfg.Noise; i++ {
			e.put(0, afk.TypeNotify, &afk.Report{Code: 0x42}, 0)
		}
		for ch, svc := range a.cfg.Services {
			ann := afk.Announce{Name: svc.Name, Props: svc.Props}
			e.put(uint32(ch), afk.TypeNotify, &afk.Report{Code: afk.CodeAnnounce, Data: ann.Marshal()}, 0)
		}
		e.notifyHost()
	case afk.RBEPSend:
		if !a.running {
			e.fail("afk send before start")
			return
		}
		e.drain()
	case afk.RBEPShutdown:
		a.running = false
		a.toHost, a.fromHost = nil, nil
		e.send(ep, afk.RBEP(afk.RBEPShutdownAck))
	default:
		e.fail("unknown afk message %#016x", p)
	}
}

func (e *Emulator) put(channel uint32, typ afk.RecordType, m afk.Message, serviceSeq uint16) {
	a := &e.afk
	payload := afk.Encode(a.seq, serviceSeq, m)
	a.seq++
	if _, err := a.toHost.Put(channel, uint32(typ), payload); err != nil {
		e.fail("afk rx ring: %v", err)
	}
}

func (e *Emulator) notifyHost() {
	e.send(e.afk.cfg.Endpoint, afk.Cursor(afk.RBEPRecv, e.afk.toHost.WritePtr()))
}

// drain handles everything the host has queued.
func (e *Emulator) drain() {
	a := &e.afk
	wrote := false
	for {
		rec, ok, err := a.fromHost.Peek()
		if err != nil {
			e.fail("afk tx ring: %v", err)
			return
		}
		if !ok {
			break
		}
		a.fromHost.Ack(rec)
		f, err := afk.Decode(rec)
		if err != nil {
			e.fail("%v", err)
			continue
		}
		if e.handleFrame(f) {
			wrote = true
		}
	}
	if wrote {
		e.notifyHost()
	}
}

func (e *Emulator) service(channel uint32) *ServiceConfig {
	if int(channel) >= len(e.afk.cfg.Services) {
		return nil
	}
	return &e.afk.cfg.Services[channel]
}

// handleFrame reports whether anything was written for the host.
func (e *Emulator) handleFrame(f *afk.Frame) bool {
	a := &e.afk
	switch m := f.Msg.(type) {
	case *afk.Command:
		svc := e.service(f.Channel)
		if svc == nil || f.Type != afk.TypeCommand {
			e.fail("command %#x on channel %d with type %d", m.Code, f.Channel, f.Type)
			return false
		}
		a.commands++
		var in []byte
		if m.Args.TxLen > 0 {
			b, err := e.mem.Slice(m.Args.TxBuf, uint64(m.Args.TxLen))
			if err != nil {
				e.fail("command tx buffer: %v", err)
				return false
			}
			in = append(in, b...)
		}
		var retcode uint32
		var out []byte
		if svc.Handler != nil {
			retcode, out = svc.Handler(m.Code, in)
		}
		if n := min(len(out), int(m.Args.RxLen)); n > 0 {
			dst, err := e.mem.Slice(m.Args.RxBuf, uint64(n))
			if err != nil {
				e.fail("command rx buffer: %v", err)
				return false
			}
			copy(dst, out)
		}
		args := m.Args
		args.Retcode = retcode
		args.RxLen = uint32(len(out))
		body, _ := binary.Append(nil, binary.LittleEndian, &args)
		return e.advance(f.Channel, &deferredReply{
			reply:      &afk.Reply{Code: m.Code, Data: body},
			serviceSeq: f.Sub.Seq,
			calls:      svc.Calls,
		})
	case *afk.Reply:
		if f.Type != afk.TypeNotifyAck {
			e.fail("reply of type %d on channel %d", f.Type, f.Channel)
			return false
		}
		call, data, err := afk.ParseStdCall(m.Data)
		if err != nil {
			e.fail("%v", err)
			return false
		}
		a.stdReplies = append(a.stdReplies, StdReply{Channel: f.Channel, Group: call.Group, Command: call.Command, Data: data})
		d := a.deferred[f.Channel]
		if d == nil {
			e.fail("unsolicited service call reply on channel %d", f.Channel)
			return false
		}
		delete(a.deferred, f.Channel)
		d.calls = d.calls[1:]
		return e.advance(f.Channel, d)
	case *afk.Report:
		a.reports = append(a.reports, Report{Channel: f.Channel, Code: m.Code, Data: m.Data})
		return false
	}
	e.fail("unexpected %v on channel %d", f.Msg.Category(), f.Channel)
	return false
}

// advance makes the next pending service call of d, or sends its reply once
// there are none left.
func (e *Emulator) advance(channel uint32, d *deferredReply) bool {
	if len(d.calls) > 0 {
		c := d.calls[0]
		e.afk.deferred[channel] = d
		call := afk.StdCall{Group: c.Group, Command: c.Command, Len: uint32(len(c.Args)), Magic: afk.StdServiceMagic}
		e.put(channel, afk.TypeNotify, &afk.Notify{Code: afk.CodeStdService, Data: call.Marshal(c.Args)}, d.serviceSeq)
		return true
	}
	e.put(channel, afk.TypeReply, d.reply, d.serviceSeq)
	return true
}
