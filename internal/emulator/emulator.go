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

// Package emulator is a scripted RTKit co-processor. It plays the firmware
// side of the RTKit and AFK protocols behind a set of fake mailbox
// registers, so the host stack can be exercised end to end without hardware.
//
// The emulator reacts synchronously: every message the host pushes into the
// mailbox is handled before the register write returns, and any replies are
// queued for the host to read.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AsahiLinux/m1n1-sub000/asc"
	"github.com/AsahiLinux/m1n1-sub000/internal/mmio"
	"github.com/AsahiLinux/m1n1-sub000/rtkit"
	"github.com/golang/glog"
)

// Config scripts the emulated firmware.
type Config struct {
	Name string
	// MinVersion and MaxVersion are the protocol versions offered in HELLO.
	MinVersion uint16
	MaxVersion uint16
	// Endpoints are announced in the endpoint map.
	Endpoints []uint8
	// BufferPages is the size of the buffer requested on each system
	// endpoint, in 4KB pages. Unlisted endpoints ask for one page.
	BufferPages map[uint8]uint8
	// FirmwareBuffers lists endpoints whose buffer the firmware provides
	// itself, at the given device address.
	FirmwareBuffers map[uint8]uint64
	// SyslogCount and SyslogEntrySize describe the syslog ring.
	SyslogCount     uint16
	SyslogEntrySize uint16
	// Syslog lines are emitted while booting.
	Syslog []string
	// AFK configures an AFK endpoint, if any.
	AFK *AFKConfig
}

// Status is a snapshot of the emulated firmware.
type Status struct {
	Name        string           `json:"name"`
	Version     uint16           `json:"version"`
	IOPPower    string           `json:"iop_power"`
	APPower     string           `json:"ap_power"`
	Started     []int            `json:"started_endpoints"`
	SyslogAcks  int              `json:"syslog_acks"`
	Commands    int              `json:"commands"`
	Crashed     bool             `json:"crashed"`
	AFKRunning  bool             `json:"afk_running"`
	Buffers     map[uint8]uint64 `json:"buffers"`
	LastFailure string           `json:"last_failure,omitempty"`
}

type chunk struct {
	base   uint8
	bitmap uint32
}

// Emulator is one emulated co-processor.
type Emulator struct {
	cfg Config
	mem Memory

	cpu  *mmio.File
	mbox *mmio.File

	mu      sync.Mutex
	outbox  []asc.Message
	latched uint64
	err     error

	advertised map[uint8]bool
	chunks     []chunk
	nextChunk  int
	epmapDone  bool
	started    map[uint8]bool
	pending    map[uint8]bool
	buffers    map[uint8]uint64
	version    uint16
	iop        rtkit.PowerState
	ap         rtkit.PowerState
	poweredOn  bool
	syslogAcks int
	crashed    bool

	afk afkState
}

// New returns an emulator whose DMA accesses go through m.
func New(cfg Config, m Memory) *Emulator {
	e := &Emulator{
		cfg:        cfg,
		mem:        m,
		cpu:        mmio.NewFile(),
		mbox:       mmio.NewFile(),
		advertised: make(map[uint8]bool),
		buffers:    make(map[uint8]uint64),
	}
	for _, ep := range cfg.Endpoints {
		e.advertised[ep] = true
	}
	e.chunks = epmapChunks(cfg.Endpoints)
	if cfg.AFK != nil {
		e.afk.cfg = *cfg.AFK
	}
	e.resetHandshake()

	e.mbox.OnRead(asc.A2IControl, func() uint64 { return 0 })
	e.mbox.OnRead(asc.I2AControl, func() uint64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.outbox) == 0 {
			return asc.ControlEmpty
		}
		return 0
	})
	e.mbox.OnWrite(asc.A2ISend0, func(v uint64) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.latched = v
	})
	e.mbox.OnWrite(asc.A2ISend1, func(v uint64) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.receive(asc.Message{Payload: e.latched, Endpoint: uint8(v)})
	})
	e.mbox.OnRead(asc.I2ARecv0, func() uint64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.outbox) == 0 {
			return 0
		}
		return e.outbox[0].Payload
	})
	e.mbox.OnRead(asc.I2ARecv1, func() uint64 {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.outbox) == 0 {
			return 0
		}
		m := e.outbox[0]
		e.outbox = e.outbox[1:]
		return uint64(m.Endpoint)
	})
	return e
}

func epmapChunks(eps []uint8) []chunk {
	byBase := map[uint8]uint32{}
	for _, ep := range eps {
		byBase[ep/32] |= 1 << (ep % 32)
	}
	var cs []chunk
	for base, bm := range byBase {
		cs = append(cs, chunk{base: base, bitmap: bm})
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].base < cs[j].base })
	if len(cs) == 0 {
		cs = []chunk{{}}
	}
	return cs
}

// CPURegs returns the co-processor's CPU control registers.
func (e *Emulator) CPURegs() mmio.Regs { return e.cpu }

// MailboxRegs returns the co-processor's mailbox registers.
func (e *Emulator) MailboxRegs() mmio.Regs { return e.mbox }

// Err returns the first protocol violation the firmware observed.
func (e *Emulator) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// SyslogAcks returns the number of syslog entries the host acknowledged.
func (e *Emulator) SyslogAcks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syslogAcks
}

// Status returns a snapshot of the firmware state.
func (e *Emulator) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Name:       e.cfg.Name,
		Version:    e.version,
		IOPPower:   e.iop.String(),
		APPower:    e.ap.String(),
		SyslogAcks: e.syslogAcks,
		Commands:   e.afk.commands,
		Crashed:    e.crashed,
		AFKRunning: e.afk.running,
		Buffers:    make(map[uint8]uint64),
	}
	for ep := range e.started {
		s.Started = append(s.Started, int(ep))
	}
	sort.Ints(s.Started)
	for ep, dva := range e.buffers {
		s.Buffers[ep] = dva
	}
	if e.err != nil {
		s.LastFailure = e.err.Error()
	}
	return s
}

func (e *Emulator) fail(format string, args ...interface{}) {
	err := fmt.Errorf("emulator %s: "+format, append([]interface{}{e.cfg.Name}, args...)...)
	glog.Errorf("%v", err)
	if e.err == nil {
		e.err = err
	}
}

func (e *Emulator) send(ep uint8, p uint64) {
	glog.V(2).Infof("emulator %s: send ep %#02x: %#016x", e.cfg.Name, ep, p)
	e.outbox = append(e.outbox, asc.Message{Endpoint: ep, Payload: p})
}

func (e *Emulator) running() bool {
	return e.cpu.Load(asc.CPUControl)&asc.CPUControlStart != 0
}

func (e *Emulator) receive(m asc.Message) {
	glog.V(2).Infof("emulator %s: recv %v", e.cfg.Name, m)
	switch {
	case !e.running():
		glog.Warningf("emulator %s: CPU not running, dropping %v", e.cfg.Name, m)
		return
	case e.crashed:
		glog.Warningf("emulator %s: crashed, dropping %v", e.cfg.Name, m)
		return
	case m.Endpoint == rtkit.EPManagement:
		e.handleMgmt(m.Payload)
	case m.Endpoint < rtkit.AppEndpointStart:
		e.handleSystem(m.Endpoint, m.Payload)
	case e.cfg.AFK != nil && m.Endpoint == e.cfg.AFK.Endpoint:
		e.handleAFK(m.Payload)
	default:
		e.fail("message for unknown endpoint %v", m)
	}
	e.maybePowerOn()
}

func (e *Emulator) resetHandshake() {
	e.nextChunk = 0
	e.epmapDone = false
	e.started = make(map[uint8]bool)
	e.pending = make(map[uint8]bool)
	e.poweredOn = false
}

func (e *Emulator) handleMgmt(p uint64) {
	switch rtkit.Type(p) {
	case rtkit.MgmtIOPPwrState:
		switch st := rtkit.ParsePower(p); st {
		case rtkit.PowerInit, rtkit.PowerOn:
			e.resetHandshake()
			e.send(rtkit.EPManagement, rtkit.Hello(e.cfg.MinVersion, e.cfg.MaxVersion))
		case rtkit.PowerSleep, rtkit.PowerQuiesced, rtkit.PowerOff:
			e.iop = st
			e.send(rtkit.EPManagement, rtkit.Power(rtkit.MgmtIOPPwrStateAck, st))
		default:
			e.fail("unknown IOP power state %v", st)
		}
	case rtkit.MgmtHelloAck:
		lo, hi := rtkit.ParseHello(p)
		if lo != hi || lo < e.cfg.MinVersion || lo > e.cfg.MaxVersion {
			e.fail("bad HELLO_ACK versions [%d, %d]", lo, hi)
			return
		}
		e.version = lo
		e.sendChunk()
	case rtkit.MgmtEPMapReply:
		if e.nextChunk >= len(e.chunks) {
			e.fail("unexpected EPMAP reply")
			return
		}
		c := e.chunks[e.nextChunk]
		last := e.nextChunk == len(e.chunks)-1
		base, done, more := rtkit.ParseEPMapReply(p)
		if base != c.base || done != last || more == last {
			e.fail("EPMAP reply %#016x does not match chunk %d", p, c.base)
			return
		}
		e.nextChunk++
		if last {
			e.epmapDone = true
		} else {
			e.sendChunk()
		}
	case rtkit.MgmtStartEP:
		ep := rtkit.ParseStartEP(p)
		if !e.advertised[ep] {
			e.fail("start of unknown endpoint %#02x", ep)
			return
		}
		e.started[ep] = true
		e.startSystem(ep)
	case rtkit.MgmtAPPwrState:
		e.ap = rtkit.ParsePower(p)
		e.send(rtkit.EPManagement, rtkit.Power(rtkit.MgmtAPPwrState, e.ap))
	default:
		e.fail("unknown management message %#016x", p)
	}
}

func (e *Emulator) sendChunk() {
	c := e.chunks[e.nextChunk]
	e.send(rtkit.EPManagement, rtkit.EPMap(c.base, c.bitmap, e.nextChunk == len(e.chunks)-1))
}

func (e *Emulator) pages(ep uint8) uint8 {
	if n, ok := e.cfg.BufferPages[ep]; ok {
		return n
	}
	return 1
}

func (e *Emulator) requestBuffer(ep uint8) {
	if e.buffers[ep] != 0 {
		return
	}
	e.pending[ep] = true
	e.send(ep, rtkit.BufferRequest(e.pages(ep), e.cfg.FirmwareBuffers[ep]))
}

func (e *Emulator) startSystem(ep uint8) {
	switch ep {
	case rtkit.EPCrashlog, rtkit.EPIOReport:
		e.requestBuffer(ep)
	case rtkit.EPSyslog:
		e.send(ep, rtkit.SyslogInit(e.cfg.SyslogCount, e.cfg.SyslogEntrySize))
		e.requestBuffer(ep)
	case rtkit.EPOSLog:
		if e.buffers[ep] == 0 {
			e.pending[ep] = true
			e.send(ep, rtkit.OSLog(rtkit.OSLogInit, e.pages(ep), e.cfg.FirmwareBuffers[ep]))
		}
	}
}

func (e *Emulator) handleSystem(ep uint8, p uint64) {
	if ep == rtkit.EPOSLog {
		typ, pages, dva := rtkit.ParseOSLog(p)
		if typ != rtkit.OSLogAck {
			e.fail("unknown oslog message %#016x", p)
			return
		}
		e.acceptBuffer(ep, pages, dva)
		return
	}
	switch typ := rtkit.Type(p); {
	case typ == rtkit.MsgBufferRequest:
		pages, dva := rtkit.ParseBufferRequest(p)
		e.acceptBuffer(ep, pages, dva)
	case ep == rtkit.EPSyslog && typ == rtkit.MsgSyslogLog:
		e.syslogAcks++
	case ep == rtkit.EPIOReport && (typ == rtkit.MsgIOReportUnk8 || typ == rtkit.MsgIOReportUnk12):
	default:
		e.fail("unexpected message %#016x on endpoint %#02x", p, ep)
	}
}

func (e *Emulator) acceptBuffer(ep uint8, pages uint8, dva uint64) {
	if !e.pending[ep] {
		e.fail("unsolicited buffer reply on endpoint %#02x", ep)
		return
	}
	if pages != e.pages(ep) {
		e.fail("buffer reply on endpoint %#02x has %d pages, asked for %d", ep, pages, e.pages(ep))
		return
	}
	if own := e.cfg.FirmwareBuffers[ep]; own != 0 && dva != own {
		e.fail("firmware buffer on endpoint %#02x moved from %#x to %#x", ep, own, dva)
		return
	}
	if pages > 0 {
		if _, err := e.mem.Slice(dva, uint64(pages)*4096); err != nil && e.cfg.FirmwareBuffers[ep] == 0 {
			e.fail("buffer for endpoint %#02x not accessible: %v", ep, err)
			return
		}
	}
	delete(e.pending, ep)
	e.buffers[ep] = dva
}

// maybePowerOn reports power on once the endpoint map is acknowledged, every
// system endpoint is started and every buffer request is answered.
func (e *Emulator) maybePowerOn() {
	if e.poweredOn || !e.epmapDone || len(e.pending) > 0 {
		return
	}
	for _, ep := range []uint8{rtkit.EPCrashlog, rtkit.EPSyslog, rtkit.EPDebug, rtkit.EPIOReport, rtkit.EPOSLog} {
		if e.advertised[ep] && !e.started[ep] {
			return
		}
	}
	e.poweredOn = true
	e.emitSyslog()
	if e.started[rtkit.EPIOReport] {
		e.send(rtkit.EPIOReport, rtkit.Msg(rtkit.MsgIOReportUnk8, 0))
	}
	e.iop = rtkit.PowerOn
	e.send(rtkit.EPManagement, rtkit.Power(rtkit.MgmtIOPPwrStateAck, rtkit.PowerOn))
}

const syslogEntryHeader = 32

func (e *Emulator) emitSyslog() {
	dva := e.buffers[rtkit.EPSyslog]
	if dva == 0 || e.cfg.SyslogCount == 0 {
		return
	}
	stride := uint64(syslogEntryHeader + e.cfg.SyslogEntrySize)
	buf, err := e.mem.Slice(dva, uint64(e.pages(rtkit.EPSyslog))*4096)
	if err != nil {
		e.fail("syslog buffer: %v", err)
		return
	}
	for i, line := range e.cfg.Syslog {
		idx := uint64(i % int(e.cfg.SyslogCount))
		if (idx+1)*stride > uint64(len(buf)) {
			e.fail("syslog entry %d does not fit the buffer", idx)
			return
		}
		entry := buf[idx*stride : (idx+1)*stride]
		clear(entry)
		binary.LittleEndian.PutUint32(entry[0:], uint32(len(line)))
		copy(entry[8:syslogEntryHeader-1], "emulator")
		copy(entry[syslogEntryHeader:len(entry)-1], line)
		e.send(rtkit.EPSyslog, rtkit.SyslogLog(uint8(idx)))
	}
}

// ErrNoCrashlog is returned by Crash when the host never provided a crashlog
// buffer.
var ErrNoCrashlog = errors.New("emulator: no crashlog buffer")

// Crash makes the firmware crash: a crashlog naming reason is written to the
// crashlog buffer and the host is notified. The emulator ignores everything
// afterwards.
func (e *Emulator) Crash(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dva := e.buffers[rtkit.EPCrashlog]
	if dva == 0 {
		return ErrNoCrashlog
	}
	buf, err := e.mem.Slice(dva, uint64(e.pages(rtkit.EPCrashlog))*4096)
	if err != nil {
		return err
	}
	log := rtkit.MarshalCrashlog([]rtkit.CrashlogEntry{
		{Type: rtkit.CrashlogVersion, Payload: []byte(e.cfg.Name + " emulator\x00")},
		{Type: rtkit.CrashlogString, Payload: append([]byte(reason), 0)},
	})
	if len(log) > len(buf) {
		return fmt.Errorf("emulator: crashlog of %d bytes does not fit", len(log))
	}
	copy(buf, log)
	e.crashed = true
	e.send(rtkit.EPCrashlog, rtkit.BufferRequest(e.pages(rtkit.EPCrashlog), 0))
	return nil
}
