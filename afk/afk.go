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

// Package afk implements AFK ring endpoints and the EPIC protocol carried over
// them.
//
// An Endpoint sits on one RTKit application endpoint. The co-processor asks
// for a shared buffer, carves a receive and a transmit ring out of it, and
// then announces named channels. A Service is bound to one announced channel
// and issues commands and reports over it.
package afk

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/AsahiLinux/m1n1-sub000/asc"
	"github.com/AsahiLinux/m1n1-sub000/internal/ring"
	"github.com/AsahiLinux/m1n1-sub000/rtkit"
	"github.com/golang/glog"
)

var (
	// ErrRingFull is returned when a message does not fit in the transmit
	// ring. Callers may retry once the co-processor has caught up.
	ErrRingFull = ring.ErrFull
	// ErrBadMagic is returned when the receive ring holds a corrupt record.
	ErrBadMagic = ring.ErrBadMagic
	// ErrTooManyMessages is returned when the wanted channel is not announced
	// within a bounded number of messages.
	ErrTooManyMessages = errors.New("afk: too many unexpected messages")
	// ErrRetcode is matched by every *RetcodeError.
	ErrRetcode = errors.New("afk: command failed")
	// ErrNotStarted is returned for traffic on an endpoint or service that
	// is not running.
	ErrNotStarted = errors.New("afk: not started")
	// ErrProtocol is returned when the co-processor breaks the ring endpoint
	// handshake.
	ErrProtocol = errors.New("afk: protocol error")
)

// RetcodeError is a command the co-processor completed with a non-zero
// return code.
type RetcodeError struct {
	Code    uint16
	Retcode uint32
}

func (e *RetcodeError) Error() string {
	return fmt.Sprintf("afk: command %#x failed with retcode %#x", e.Code, e.Retcode)
}

// Is makes errors.Is(err, ErrRetcode) hold.
func (e *RetcodeError) Is(target error) bool {
	return target == ErrRetcode
}

// RTKit is the part of an RTKit device an Endpoint uses. *rtkit.Device
// implements it.
type RTKit interface {
	Send(m asc.Message) error
	Recv() (asc.Message, bool, error)
	StartEP(ep uint8) error
	AllocBuffer(size uint64) (*rtkit.Buffer, error)
	FreeBuffer(b *rtkit.Buffer)
}

// State is the lifecycle state of an Endpoint.
type State int

const (
	// Uninitialized is an endpoint Init has not started yet.
	Uninitialized State = iota
	// WaitingBuffers waits for the buffer request and ring placement.
	WaitingBuffers
	// Starting has both rings and waits for the start acknowledgement.
	Starting
	// Started carries channel traffic.
	Started
	// Stopped has been shut down and released its buffers.
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case WaitingBuffers:
		return "waiting for buffers"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Endpoint is one AFK ring endpoint.
type Endpoint struct {
	rtk      RTKit
	ep       uint8
	state    State
	stopping bool

	buf *rtkit.Buffer
	tag uint16
	rx  *ring.Ring
	tx  *ring.Ring
	seq uint16

	services  [MaxServices]*Service
	announced []announcement

	txbuf *rtkit.Buffer
	rxbuf *rtkit.Buffer
}

// Init starts application endpoint ep on rtk and runs the ring handshake
// until the endpoint is ready for traffic.
func Init(rtk RTKit, ep uint8) (*Endpoint, error) {
	if ep < rtkit.AppEndpointStart {
		return nil, fmt.Errorf("afk: endpoint %#02x is a system endpoint", ep)
	}
	e := &Endpoint{rtk: rtk, ep: ep}
	if err := rtk.StartEP(ep); err != nil {
		return nil, err
	}
	if err := e.send(RBEP(RBEPInit)); err != nil {
		return nil, err
	}
	e.state = WaitingBuffers
	for e.state != Started {
		if err := e.poll(); err != nil {
			e.release()
			return nil, err
		}
	}
	glog.Infof("afk: endpoint %#02x started", ep)
	return e, nil
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State { return e.state }

func (e *Endpoint) send(p uint64) error {
	return e.rtk.Send(asc.Message{Endpoint: e.ep, Payload: p})
}

func (e *Endpoint) nextSeq() uint16 {
	s := e.seq
	e.seq++
	return s
}

// poll handles at most one mailbox message.
func (e *Endpoint) poll() error {
	m, ok, err := e.rtk.Recv()
	if err != nil {
		return err
	}
	if !ok {
		runtime.Gosched()
		return nil
	}
	if m.Endpoint != e.ep {
		glog.Warningf("afk: endpoint %#02x: dropping message %v", e.ep, m)
		return nil
	}
	return e.handle(m.Payload)
}

func (e *Endpoint) protoErr(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	glog.Errorf("afk: endpoint %#02x: %s", e.ep, msg)
	return fmt.Errorf("afk: endpoint %#02x: %s: %w", e.ep, msg, ErrProtocol)
}

func (e *Endpoint) handle(p uint64) error {
	switch typ := RBEPType(p); typ {
	case RBEPInitAck:
		glog.V(1).Infof("afk: endpoint %#02x: init ack", e.ep)
	case RBEPGetBuf:
		if e.state != WaitingBuffers {
			return e.protoErr("buffer request while %v", e.state)
		}
		blocks, tag := ParseGetBuf(p)
		if blocks == 0 {
			return e.protoErr("empty buffer request")
		}
		if e.buf != nil {
			e.rtk.FreeBuffer(e.buf)
			e.rx, e.tx = nil, nil
		}
		b, err := e.rtk.AllocBuffer(uint64(blocks) * ring.BlockSize)
		if err != nil {
			return err
		}
		e.buf, e.tag = b, tag
		glog.V(1).Infof("afk: endpoint %#02x: buffer %#x+%#x tag %#x", e.ep, b.DVA, b.Size, tag)
		return e.send(GetBufAck(b.DVA))
	case RBEPInitRx, RBEPInitTx:
		if e.state != WaitingBuffers || e.buf == nil {
			return e.protoErr("ring setup while %v", e.state)
		}
		off, size, tag := ParseInitRing(p)
		if tag != e.tag {
			return e.protoErr("ring tag %#x, buffer tag %#x", tag, e.tag)
		}
		start, end := uint64(off)*ring.BlockSize, (uint64(off)+uint64(size))*ring.BlockSize
		if end > uint64(len(e.buf.Data)) {
			return e.protoErr("ring %#x+%#x outside %#x byte buffer", start, end-start, len(e.buf.Data))
		}
		r, err := ring.Attach(e.buf.Data[start:end])
		if err != nil {
			return e.protoErr("%v", err)
		}
		if typ == RBEPInitRx {
			e.rx = r
		} else {
			e.tx = r
		}
		if e.rx != nil && e.tx != nil {
			e.state = Starting
			return e.send(RBEP(RBEPStart))
		}
	case RBEPStartAck:
		if e.state != Starting {
			return e.protoErr("start ack while %v", e.state)
		}
		e.state = Started
	case RBEPRecv:
		glog.V(2).Infof("afk: endpoint %#02x: rx wptr %#x", e.ep, ParseCursor(p))
	case RBEPShutdownAck:
		if e.state != Started || !e.stopping {
			return e.protoErr("shutdown ack while %v", e.state)
		}
		e.state = Stopped
	default:
		glog.Warningf("afk: endpoint %#02x: unknown message %#016x", e.ep, p)
	}
	return nil
}

// transmit writes one record to the transmit ring and rings the doorbell.
func (e *Endpoint) transmit(channel uint32, typ RecordType, payload []byte) error {
	if e.state != Started {
		return ErrNotStarted
	}
	wptr, err := e.tx.Put(channel, uint32(typ), payload)
	if err != nil {
		return fmt.Errorf("afk: endpoint %#02x: %w", e.ep, err)
	}
	return e.send(Cursor(RBEPSend, wptr))
}

// receive waits for the next record in the receive ring.
func (e *Endpoint) receive() (ring.Record, error) {
	for {
		if e.state != Started {
			return ring.Record{}, ErrNotStarted
		}
		rec, ok, err := e.rx.Peek()
		if err != nil {
			glog.Errorf("afk: endpoint %#02x: %v", e.ep, err)
			return ring.Record{}, err
		}
		if ok {
			return rec, nil
		}
		if err := e.poll(); err != nil {
			return ring.Record{}, err
		}
	}
}

// next consumes the next record and decodes it. Records which do not decode
// are logged and returned as nil.
func (e *Endpoint) next() (*Frame, error) {
	rec, err := e.receive()
	if err != nil {
		return nil, err
	}
	e.rx.Ack(rec)
	f, err := Decode(rec)
	if err != nil {
		glog.Warningf("afk: endpoint %#02x: dropping record on channel %d: %v", e.ep, rec.Channel, err)
		return nil, nil
	}
	return f, nil
}

func (e *Endpoint) release() {
	for _, b := range []**rtkit.Buffer{&e.buf, &e.txbuf, &e.rxbuf} {
		if *b != nil {
			e.rtk.FreeBuffer(*b)
			*b = nil
		}
	}
	e.rx, e.tx = nil, nil
	e.services = [MaxServices]*Service{}
	e.announced = nil
}

// Shutdown stops the endpoint and releases its buffers.
func (e *Endpoint) Shutdown() error {
	if e.state == Stopped {
		return nil
	}
	if err := e.send(RBEP(RBEPShutdown)); err != nil {
		return err
	}
	e.stopping = true
	for e.state != Stopped {
		if err := e.poll(); err != nil {
			return err
		}
	}
	e.release()
	glog.Infof("afk: endpoint %#02x stopped", e.ep)
	return nil
}
