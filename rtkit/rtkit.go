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

// Package rtkit implements the host side of the RTKit co-processor protocol:
// the wake and version handshake, endpoint discovery, power state changes and
// the system endpoints every RTKit firmware exposes.
//
// A Device is driven entirely by its caller. Nothing happens in the
// background; messages from the co-processor are only processed from within
// Boot, Recv and the power state calls.
package rtkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/AsahiLinux/m1n1-sub000/asc"
	"github.com/AsahiLinux/m1n1-sub000/dart"
	"github.com/AsahiLinux/m1n1-sub000/mem"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

const (
	// MinVersion and MaxVersion bound the protocol versions we speak.
	MinVersion = 11
	MaxVersion = 12

	// DefaultTimeout bounds each step of the boot and power handshakes.
	DefaultTimeout = time.Second
)

var (
	// ErrCrashed is returned once the co-processor has reported a crash.
	ErrCrashed = errors.New("rtkit: co-processor crashed")
	// ErrVersion is returned when no protocol version is shared with the
	// co-processor.
	ErrVersion = errors.New("rtkit: no common protocol version")
	// ErrProtocol is returned when the co-processor sends something the
	// handshake does not allow.
	ErrProtocol = errors.New("rtkit: protocol error")
)

// IOVA allocates device virtual addresses. *iova.Domain implements it.
type IOVA interface {
	Alloc(size uint64) (uint64, error)
	Free(addr, size uint64)
}

// AllowList grants a device access to physical memory. *sart.SART implements
// it.
type AllowList interface {
	AllowDMA(paddr, size uint64) error
	RemoveDMA(paddr, size uint64) error
}

// Backing selects how buffers are made visible to the co-processor: through
// an IOMMU with its address space, through an allow-list, or, if neither is
// set, by physical address.
type Backing struct {
	DART dart.Mapper
	IOVA IOVA
	SART AllowList
}

// Device is the host side of one RTKit co-processor.
type Device struct {
	name    string
	t       asc.Transport
	alloc   mem.Allocator
	backing Backing

	// Timeout bounds each handshake step, DefaultTimeout if zero.
	Timeout time.Duration

	version   uint16
	endpoints [256]bool
	iopPower  PowerState
	apPower   PowerState
	crashed   bool

	syslog   Buffer
	crashlog Buffer
	ioreport Buffer
	oslog    Buffer

	syslogCount     uint32
	syslogEntrySize uint32
}

// New returns a device talking to the co-processor over t. Buffers the
// firmware asks for are allocated from alloc and made visible through b.
func New(name string, t asc.Transport, alloc mem.Allocator, b Backing) (*Device, error) {
	if b.DART != nil && b.SART != nil {
		return nil, fmt.Errorf("rtkit: %s: both DART and SART given", name)
	}
	if b.DART != nil && b.IOVA == nil {
		return nil, fmt.Errorf("rtkit: %s: DART given without an IOVA domain", name)
	}
	if t == nil || alloc == nil {
		return nil, fmt.Errorf("rtkit: %s: transport and allocator are required", name)
	}
	return &Device{
		name:    name,
		t:       t,
		alloc:   alloc,
		backing: b,
	}, nil
}

// Name returns the name the device was created with.
func (d *Device) Name() string { return d.name }

// Version returns the negotiated protocol version, 0 before Boot.
func (d *Device) Version() uint16 { return d.version }

// IOPPower returns the last power state reported by the co-processor.
func (d *Device) IOPPower() PowerState { return d.iopPower }

// APPower returns the last AP power state acknowledged by the co-processor.
func (d *Device) APPower() PowerState { return d.apPower }

// Crashed reports whether the co-processor has crashed.
func (d *Device) Crashed() bool { return d.crashed }

// Endpoints returns the endpoints the co-processor announced during Boot.
func (d *Device) Endpoints() []uint8 {
	var eps []uint8
	for i, ok := range d.endpoints {
		if ok {
			eps = append(eps, uint8(i))
		}
	}
	return eps
}

func (d *Device) timeout() time.Duration {
	if d.Timeout == 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

func (d *Device) sendMgmt(p uint64) error {
	return d.Send(asc.Message{Endpoint: EPManagement, Payload: p})
}

// recvMgmt waits for the next management message during the handshake.
func (d *Device) recvMgmt(what string, typ uint8) (uint64, error) {
	m, err := d.t.RecvTimeout(d.timeout())
	if err != nil {
		return 0, fmt.Errorf("rtkit: %s: waiting for %s: %w", d.name, what, err)
	}
	if m.Endpoint != EPManagement || Type(m.Payload) != typ {
		glog.Errorf("%s: expected %s, got %v", d.name, what, m)
		return 0, fmt.Errorf("rtkit: %s: unexpected message %v while waiting for %s: %w", d.name, m, what, ErrProtocol)
	}
	return m.Payload, nil
}

// Boot wakes the co-processor and runs the handshake until it reports that it
// is up, then switches the AP power state to on.
func (d *Device) Boot() error {
	glog.Infof("%s: booting", d.name)
	if err := d.sendMgmt(Power(MgmtIOPPwrState, PowerInit)); err != nil {
		return fmt.Errorf("rtkit: %s: failed to send wakeup: %w", d.name, err)
	}

	hello, err := d.recvMgmt("HELLO", MgmtHello)
	if err != nil {
		return err
	}
	peerMin, peerMax := ParseHello(hello)
	want := min(uint16(MaxVersion), peerMax)
	if want < max(uint16(MinVersion), peerMin) {
		glog.Errorf("%s: firmware speaks versions [%d, %d], we speak [%d, %d]", d.name, peerMin, peerMax, MinVersion, MaxVersion)
		return fmt.Errorf("rtkit: %s: firmware versions [%d, %d]: %w", d.name, peerMin, peerMax, ErrVersion)
	}
	if err := d.sendMgmt(HelloAck(want)); err != nil {
		return fmt.Errorf("rtkit: %s: failed to send HELLO_ACK: %w", d.name, err)
	}
	d.version = want
	glog.Infof("%s: protocol version %d", d.name, want)

	for {
		p, err := d.recvMgmt("EPMAP", MgmtEPMap)
		if err != nil {
			return err
		}
		base, bitmap, done := ParseEPMap(p)
		for i := 0; i < 32; i++ {
			if bitmap&(1<<i) != 0 {
				ep := int(base)*32 + i
				d.endpoints[ep] = true
				glog.V(1).Infof("%s: endpoint %#02x available", d.name, ep)
			}
		}
		if err := d.sendMgmt(EPMapReply(base, done)); err != nil {
			return fmt.Errorf("rtkit: %s: failed to send EPMAP reply: %w", d.name, err)
		}
		if done {
			break
		}
	}

	for _, ep := range []uint8{EPCrashlog, EPSyslog, EPDebug, EPIOReport, EPOSLog} {
		if !d.endpoints[ep] {
			continue
		}
		if err := d.StartEP(ep); err != nil {
			return err
		}
	}

	if err := d.waitFor("IOP power on", func() bool { return d.iopPower == PowerOn }); err != nil {
		return err
	}
	if err := d.SetAPPower(PowerOn); err != nil {
		return err
	}
	glog.Infof("%s: booted", d.name)
	return nil
}

var errNotReady = errors.New("not ready")

// waitFor processes incoming messages until done returns true or the timeout
// expires. Application messages received while waiting are dropped.
func (d *Device) waitFor(what string, done func() bool) error {
	op := func() error {
		for !done() {
			app, got, err := d.process()
			if err != nil {
				return backoff.Permanent(err)
			}
			if app != nil {
				glog.Warningf("%s: discarding message %v while waiting for %s", d.name, *app, what)
			}
			if !got {
				return errNotReady
			}
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Microsecond
	bo.MaxInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = d.timeout()
	err := backoff.Retry(op, bo)
	if errors.Is(err, errNotReady) {
		return fmt.Errorf("rtkit: %s: waiting for %s: %w", d.name, what, asc.ErrTimeout)
	}
	return err
}

// Send sends a message to the co-processor.
func (d *Device) Send(m asc.Message) error {
	if d.crashed {
		return ErrCrashed
	}
	return d.t.Send(m)
}

// StartEP asks the co-processor to start endpoint ep.
func (d *Device) StartEP(ep uint8) error {
	glog.V(1).Infof("%s: starting endpoint %#02x", d.name, ep)
	if err := d.sendMgmt(StartEP(ep)); err != nil {
		return fmt.Errorf("rtkit: %s: failed to start endpoint %#02x: %w", d.name, ep, err)
	}
	return nil
}

// Recv processes at most one message from the co-processor. Messages for the
// system endpoints are handled here; a message for an application endpoint
// is returned with true.
func (d *Device) Recv() (asc.Message, bool, error) {
	app, _, err := d.process()
	if err != nil || app == nil {
		return asc.Message{}, false, err
	}
	return *app, true, nil
}

// process handles one message. got is false if nothing was pending.
func (d *Device) process() (app *asc.Message, got bool, err error) {
	if d.crashed {
		return nil, false, ErrCrashed
	}
	m, ok := d.t.Recv()
	if !ok {
		return nil, false, nil
	}
	if m.Endpoint >= AppEndpointStart {
		return &m, true, nil
	}
	switch m.Endpoint {
	case EPManagement:
		d.handleMgmt(m.Payload)
	case EPCrashlog:
		err = d.handleCrashlog(m.Payload)
	case EPSyslog:
		err = d.handleSyslog(m.Payload)
	case EPIOReport:
		err = d.handleIOReport(m.Payload)
	case EPOSLog:
		err = d.handleOSLog(m.Payload)
	default:
		glog.Warningf("%s: unhandled message on system endpoint: %v", d.name, m)
	}
	return nil, true, err
}

func (d *Device) handleMgmt(p uint64) {
	switch Type(p) {
	case MgmtIOPPwrStateAck:
		d.iopPower = ParsePower(p)
		glog.V(1).Infof("%s: IOP power state %v", d.name, d.iopPower)
	case MgmtAPPwrState:
		d.apPower = ParsePower(p)
		glog.V(1).Infof("%s: AP power state %v", d.name, d.apPower)
	default:
		glog.Warningf("%s: unknown management message %#016x", d.name, p)
	}
}

func (d *Device) setPower(state PowerState) error {
	if err := d.sendMgmt(Power(MgmtIOPPwrState, state)); err != nil {
		return fmt.Errorf("rtkit: %s: failed to request power state %v: %w", d.name, state, err)
	}
	return d.waitFor(fmt.Sprintf("IOP power state %v", state), func() bool { return d.iopPower == state })
}

// SetAPPower tells the co-processor the AP is entering state and waits for it
// to acknowledge.
func (d *Device) SetAPPower(state PowerState) error {
	if err := d.sendMgmt(Power(MgmtAPPwrState, state)); err != nil {
		return fmt.Errorf("rtkit: %s: failed to send AP power state %v: %w", d.name, state, err)
	}
	return d.waitFor(fmt.Sprintf("AP power state %v", state), func() bool { return d.apPower == state })
}

// Shutdown puts the co-processor to sleep.
func (d *Device) Shutdown() error {
	if err := d.setPower(PowerSleep); err != nil {
		return err
	}
	glog.Infof("%s: asleep", d.name)
	return nil
}

// Quiesce asks the co-processor to stop all activity while staying awake.
func (d *Device) Quiesce() error {
	return d.setPower(PowerQuiesced)
}

// Free releases the buffers allocated for the system endpoints. The
// co-processor must not be running.
func (d *Device) Free() {
	for _, b := range []*Buffer{&d.syslog, &d.crashlog, &d.ioreport, &d.oslog} {
		d.FreeBuffer(b)
	}
}
