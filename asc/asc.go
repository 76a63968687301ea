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

// Package asc drives the mailbox of an ASC co-processor: the doorbell
// register pair used to exchange (payload, endpoint) messages with RTKit
// firmware, and the control register that starts the co-processor CPU.
package asc

import (
	"errors"
	"fmt"
	"time"

	"github.com/AsahiLinux/m1n1-sub000/internal/mmio"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// Register offsets within the CPU control block.
const (
	CPUControl = 0x44
	// CPUControlStart in CPUControl runs the co-processor.
	CPUControlStart = 0x10
)

// Register offsets within the mailbox block.
const (
	// A2IControl holds the status of the host to co-processor queue.
	A2IControl = 0x110
	// A2ISend0 takes the payload, A2ISend1 the endpoint. Writing A2ISend1
	// enqueues the message.
	A2ISend0 = 0x800
	A2ISend1 = 0x808

	// I2AControl holds the status of the co-processor to host queue.
	I2AControl = 0x114
	// I2ARecv0 holds the payload, I2ARecv1 the endpoint. Reading I2ARecv1
	// dequeues the message.
	I2ARecv0 = 0x830
	I2ARecv1 = 0x838

	// ControlFull and ControlEmpty are status bits of both control
	// registers.
	ControlFull  = 1 << 16
	ControlEmpty = 1 << 17
)

// DefaultSendTimeout bounds how long Send waits for room in the mailbox.
const DefaultSendTimeout = 200 * time.Millisecond

var (
	// ErrTimeout is returned when no message arrives in time.
	ErrTimeout = errors.New("asc: timed out waiting for message")
	// ErrMailboxFull is returned when the co-processor does not drain the
	// mailbox in time.
	ErrMailboxFull = errors.New("asc: mailbox full")
)

// Message is one mailbox message.
type Message struct {
	Payload  uint64
	Endpoint uint8
}

func (m Message) String() string {
	return fmt.Sprintf("ep %#02x: %#016x", m.Endpoint, m.Payload)
}

// Transport exchanges messages with a co-processor.
type Transport interface {
	// Send queues a message for the co-processor.
	Send(m Message) error
	// Recv returns the next pending message, if there is one.
	Recv() (Message, bool)
	// RecvTimeout waits up to d for a message.
	RecvTimeout(d time.Duration) (Message, error)
}

// Mailbox is the register level Transport of one ASC.
type Mailbox struct {
	cpu  mmio.Regs
	mbox mmio.Regs
	// SendTimeout bounds Send, DefaultSendTimeout if zero.
	SendTimeout time.Duration
}

// New returns the mailbox whose CPU control and mailbox registers are at cpu
// and mbox respectively.
func New(cpu, mbox mmio.Regs) *Mailbox {
	return &Mailbox{cpu: cpu, mbox: mbox}
}

// Start releases the co-processor CPU.
func (m *Mailbox) Start() {
	m.cpu.Write32(CPUControl, m.cpu.Read32(CPUControl)|CPUControlStart)
}

// Stop halts the co-processor CPU.
func (m *Mailbox) Stop() {
	m.cpu.Write32(CPUControl, m.cpu.Read32(CPUControl)&^CPUControlStart)
}

// Running reports whether the co-processor CPU has been started.
func (m *Mailbox) Running() bool {
	return m.cpu.Read32(CPUControl)&CPUControlStart != 0
}

// CanSend reports whether there is room in the outbound mailbox.
func (m *Mailbox) CanSend() bool {
	return m.mbox.Read32(A2IControl)&ControlFull == 0
}

// CanRecv reports whether there is a message waiting in the inbound mailbox.
func (m *Mailbox) CanRecv() bool {
	return m.mbox.Read32(I2AControl)&ControlEmpty == 0
}

var errNotReady = errors.New("not ready")

// poll busy waits for ready to return true, giving up after d.
func poll(d time.Duration, ready func() bool) bool {
	if ready() {
		return true
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Microsecond
	bo.MaxInterval = time.Millisecond
	bo.MaxElapsedTime = d
	return backoff.Retry(func() error {
		if !ready() {
			return errNotReady
		}
		return nil
	}, bo) == nil
}

// Send implements Transport.
// Writing SEND1 pushes the message into the mailbox, so SEND0 goes first.
func (m *Mailbox) Send(msg Message) error {
	d := m.SendTimeout
	if d == 0 {
		d = DefaultSendTimeout
	}
	if !poll(d, m.CanSend) {
		glog.Errorf("asc: mailbox full, dropping %v", msg)
		return ErrMailboxFull
	}
	glog.V(2).Infof("asc: send %v", msg)
	m.mbox.Write64(A2ISend0, msg.Payload)
	m.mbox.Write64(A2ISend1, uint64(msg.Endpoint))
	return nil
}

// Recv implements Transport.
// Reading RECV1 pops the message, so RECV0 is read first.
func (m *Mailbox) Recv() (Message, bool) {
	if !m.CanRecv() {
		return Message{}, false
	}
	payload := m.mbox.Read64(I2ARecv0)
	meta := m.mbox.Read64(I2ARecv1)
	msg := Message{Payload: payload, Endpoint: uint8(meta)}
	glog.V(2).Infof("asc: recv %v", msg)
	return msg, true
}

// RecvTimeout implements Transport.
func (m *Mailbox) RecvTimeout(d time.Duration) (Message, error) {
	if !poll(d, m.CanRecv) {
		return Message{}, ErrTimeout
	}
	msg, _ := m.Recv()
	return msg, nil
}
