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
	"fmt"

	"github.com/golang/glog"
)

const (
	// MaxServices is the number of channels an endpoint can carry.
	MaxServices = 16

	maxAnnounceTries = 20
)

// ServiceOps are the callbacks of a service driver.
type ServiceOps interface {
	// Init is called with the property blob of the channel announcement.
	// Returning an error rejects the channel.
	Init(s *Service, props []byte) error
	// Call answers standard service call command of group, made by the
	// co-processor while a command is outstanding. reply has the same
	// length as args.
	Call(s *Service, group uint16, command uint32, args, reply []byte) error
}

// ChannelConfig describes the channel a driver wants to bind to.
type ChannelConfig struct {
	// Name is the name the co-processor announces the channel under.
	Name string
	// Ops may be nil for a channel without callbacks.
	Ops ServiceOps
	// Cookie is driver data made available through Service.Cookie.
	Cookie interface{}
	// TxSize and RxSize size the endpoint's command buffers, which are
	// allocated by the first channel started.
	TxSize uint64
	RxSize uint64
}

// Service is a channel bound to a driver.
type Service struct {
	Name    string
	Channel uint32
	Cookie  interface{}

	ep      *Endpoint
	ops     ServiceOps
	seq     uint16
	enabled bool
}

// Service returns the service bound to channel, or nil.
func (e *Endpoint) Service(channel uint32) *Service {
	if channel >= MaxServices {
		return nil
	}
	return e.services[channel]
}

func (e *Endpoint) allocCommandBuffers(txSize, rxSize uint64) error {
	if e.txbuf == nil && txSize > 0 {
		b, err := e.rtk.AllocBuffer(txSize)
		if err != nil {
			return err
		}
		e.txbuf = b
	}
	if e.rxbuf == nil && rxSize > 0 {
		b, err := e.rtk.AllocBuffer(rxSize)
		if err != nil {
			return err
		}
		e.rxbuf = b
	}
	return nil
}

// announcement is a channel announcement not yet claimed by StartChannel.
type announcement struct {
	channel uint32
	Announce
}

// stash keeps the announcement carried by f for a later StartChannel. It
// reports whether f was an announcement.
func (e *Endpoint) stash(f *Frame) bool {
	r, ok := f.Msg.(*Report)
	if !ok || (f.Type != TypeNotify && f.Type != TypeReply) || r.Code != CodeAnnounce {
		return false
	}
	ann, err := ParseAnnounce(r.Data)
	if err != nil {
		glog.Warningf("afk: endpoint %#02x: %v", e.ep, err)
		return true
	}
	if f.Channel >= MaxServices {
		glog.Warningf("afk: endpoint %#02x: %q announced on invalid channel %d", e.ep, ann.Name, f.Channel)
		return true
	}
	glog.V(1).Infof("afk: endpoint %#02x: channel %d %q announced", e.ep, f.Channel, ann.Name)
	e.announced = append(e.announced, announcement{channel: f.Channel, Announce: ann})
	return true
}

// claim binds cfg to the first pending announcement of cfg.Name. Rejected
// announcements are dropped.
func (e *Endpoint) claim(cfg ChannelConfig) *Service {
	for i := 0; i < len(e.announced); {
		a := e.announced[i]
		if a.Name != cfg.Name || e.services[a.channel] != nil {
			i++
			continue
		}
		e.announced = append(e.announced[:i], e.announced[i+1:]...)

		s := &Service{
			Name:    a.Name,
			Channel: a.channel,
			Cookie:  cfg.Cookie,
			ep:      e,
			ops:     cfg.Ops,
		}
		e.services[a.channel] = s
		if s.ops != nil {
			if err := s.ops.Init(s, a.Props); err != nil {
				glog.Warningf("afk: endpoint %#02x: channel %d %q rejected: %v", e.ep, a.channel, a.Name, err)
				e.services[a.channel] = nil
				continue
			}
		}
		s.enabled = true
		glog.Infof("afk: endpoint %#02x: channel %d is %q", e.ep, a.channel, a.Name)
		return s
	}
	return nil
}

// StartChannel binds a service to the channel named in cfg, waiting for the
// co-processor to announce it unless it already has. Announcements of other
// channels are kept for later calls; other traffic received meanwhile is
// dropped. After too many messages without a match ErrTooManyMessages is
// returned.
func (e *Endpoint) StartChannel(cfg ChannelConfig) (*Service, error) {
	if e.state != Started {
		return nil, ErrNotStarted
	}
	if err := e.allocCommandBuffers(cfg.TxSize, cfg.RxSize); err != nil {
		return nil, err
	}
	if s := e.claim(cfg); s != nil {
		return s, nil
	}

	for i := 0; i < maxAnnounceTries; i++ {
		f, err := e.next()
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		if !e.stash(f) {
			glog.Warningf("afk: endpoint %#02x: unexpected %v %#x on channel %d while waiting for %q", e.ep, f.Msg.Category(), f.Sub.Type, f.Channel, cfg.Name)
			continue
		}
		if s := e.claim(cfg); s != nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("afk: endpoint %#02x: waiting for %q: %w", e.ep, cfg.Name, ErrTooManyMessages)
}

// StartInterface binds to a channel without service callbacks.
func (e *Endpoint) StartInterface(name string, txSize, rxSize uint64) (*Service, error) {
	return e.StartChannel(ChannelConfig{Name: name, TxSize: txSize, RxSize: rxSize})
}

// Command sends command code with tx as its argument and waits for the reply.
// Up to len(rx) bytes of the result are copied to rx and their count is
// returned. Standard service calls the co-processor makes in the meantime are
// answered through the service's ops.
func (s *Service) Command(code uint16, tx, rx []byte) (int, error) {
	if !s.enabled || s.ep.state != Started {
		return 0, ErrNotStarted
	}
	e := s.ep
	args := CommandArgs{TxLen: uint32(len(tx))}
	if len(tx) > 0 {
		if e.txbuf == nil || uint64(len(tx)) > e.txbuf.Size {
			return 0, fmt.Errorf("afk: %s: %d byte command does not fit the tx buffer", s.Name, len(tx))
		}
		copy(e.txbuf.Data, tx)
		args.TxBuf = e.txbuf.DVA
	}
	rxCap := 0
	if e.rxbuf != nil {
		rxCap = min(len(rx), int(e.rxbuf.Size))
		args.RxBuf = e.rxbuf.DVA
	}
	args.RxLen = uint32(rxCap)

	s.seq++
	if err := e.transmit(s.Channel, TypeCommand, Encode(e.nextSeq(), s.seq, &Command{Code: code, Args: args})); err != nil {
		return 0, err
	}

	for {
		f, err := e.next()
		if err != nil {
			return 0, err
		}
		if f == nil {
			continue
		}
		switch m := f.Msg.(type) {
		case *Reply:
			if f.Channel != s.Channel || f.Type != TypeReply || m.Code != code {
				break
			}
			a, err := m.Args()
			if err != nil {
				return 0, err
			}
			if a.Retcode != 0 {
				return 0, &RetcodeError{Code: code, Retcode: a.Retcode}
			}
			n := min(int(a.RxLen), rxCap)
			if n > 0 {
				copy(rx, e.rxbuf.Data[:n])
			}
			return n, nil
		case *Report:
			if e.stash(f) {
				continue
			}
		case *Notify:
			if m.Code == CodeStdService {
				if err := e.serveStdCall(f, m); err != nil {
					return 0, err
				}
				continue
			}
		}
		glog.Warningf("afk: %s: discarding %v %#x on channel %d while waiting for reply to %#x", s.Name, f.Msg.Category(), f.Sub.Type, f.Channel, code)
	}
}

// Report sends an unsolicited report on the channel.
func (s *Service) Report(code uint16, data []byte) error {
	if !s.enabled {
		return ErrNotStarted
	}
	s.seq++
	return s.ep.transmit(s.Channel, TypeNotify, Encode(s.ep.nextSeq(), s.seq, &Report{Code: code, Data: data}))
}

// serveStdCall answers a standard service call, echoing its header back as a
// reply.
func (e *Endpoint) serveStdCall(f *Frame, m *Notify) error {
	s := e.Service(f.Channel)
	if s == nil || !s.enabled {
		glog.Warningf("afk: endpoint %#02x: service call on unbound channel %d", e.ep, f.Channel)
		return nil
	}
	call, args, err := ParseStdCall(m.Data)
	if err != nil {
		glog.Warningf("afk: %s: %v", s.Name, err)
		return nil
	}
	reply := make([]byte, len(args))
	if s.ops != nil {
		if err := s.ops.Call(s, call.Group, call.Command, args, reply); err != nil {
			glog.Warningf("afk: %s: service call %d/%d failed: %v", s.Name, call.Group, call.Command, err)
		}
	}
	glog.V(1).Infof("afk: %s: answered service call %d/%d", s.Name, call.Group, call.Command)
	return e.transmit(f.Channel, TypeNotifyAck, Encode(e.nextSeq(), f.Sub.Seq, &Reply{Code: m.Code, Data: call.Marshal(reply)}))
}
