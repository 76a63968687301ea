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
	"errors"
	"testing"

	"github.com/AsahiLinux/m1n1-sub000/asc"
	"github.com/AsahiLinux/m1n1-sub000/dart"
	"github.com/AsahiLinux/m1n1-sub000/internal/mmio"
	"github.com/AsahiLinux/m1n1-sub000/mem"
	"github.com/AsahiLinux/m1n1-sub000/rtkit"
	"github.com/AsahiLinux/m1n1-sub000/sart"
	"github.com/google/go-cmp/cmp"
)

const arenaBase = 0x8_0000_0000

func newArena(t *testing.T) *mem.Arena {
	t.Helper()
	a, err := mem.NewArena(arenaBase, 1<<20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return a
}

func mgmt(p uint64) asc.Message {
	return asc.Message{Endpoint: rtkit.EPManagement, Payload: p}
}

func exchange(t *testing.T, mb *asc.Mailbox, send uint64) asc.Message {
	t.Helper()
	if err := mb.Send(mgmt(send)); err != nil {
		t.Fatalf("Send(%#x): %v", send, err)
	}
	m, ok := mb.Recv()
	if !ok {
		t.Fatalf("no reply to %#x", send)
	}
	return m
}

func TestHandshake(t *testing.T) {
	e := New(Config{Name: "test", MinVersion: 11, MaxVersion: 12, Endpoints: []uint8{0x20}}, newArena(t))
	mb := asc.New(e.CPURegs(), e.MailboxRegs())

	if err := mb.Send(mgmt(rtkit.Power(rtkit.MgmtIOPPwrState, rtkit.PowerInit))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m, ok := mb.Recv(); ok {
		t.Fatalf("stopped CPU answered with %v", m)
	}

	mb.Start()
	for _, step := range []struct {
		send uint64
		want asc.Message
	}{
		{send: rtkit.Power(rtkit.MgmtIOPPwrState, rtkit.PowerInit), want: mgmt(rtkit.Hello(11, 12))},
		{send: rtkit.HelloAck(12), want: mgmt(rtkit.EPMap(1, 1, true))},
		{send: rtkit.EPMapReply(1, true), want: mgmt(rtkit.Power(rtkit.MgmtIOPPwrStateAck, rtkit.PowerOn))},
		{send: rtkit.Power(rtkit.MgmtAPPwrState, rtkit.PowerOn), want: mgmt(rtkit.Power(rtkit.MgmtAPPwrState, rtkit.PowerOn))},
		{send: rtkit.Power(rtkit.MgmtIOPPwrState, rtkit.PowerSleep), want: mgmt(rtkit.Power(rtkit.MgmtIOPPwrStateAck, rtkit.PowerSleep))},
	} {
		if diff := cmp.Diff(step.want, exchange(t, mb, step.send)); diff != "" {
			t.Errorf("reply to %#x: (-want +got)\n%s", step.send, diff)
		}
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err: %v", err)
	}

	want := Status{
		Name:     "test",
		Version:  12,
		IOPPower: "sleep",
		APPower:  "on",
		Buffers:  map[uint8]uint64{},
	}
	if diff := cmp.Diff(want, e.Status()); diff != "" {
		t.Errorf("Status: (-want +got)\n%s", diff)
	}
}

func TestHandshakeErrors(t *testing.T) {
	for _, test := range []struct {
		desc string
		seq  []uint64
	}{
		{
			desc: "version outside range",
			seq:  []uint64{rtkit.Power(rtkit.MgmtIOPPwrState, rtkit.PowerInit), rtkit.HelloAck(10)},
		},
		{
			desc: "epmap reply for wrong base",
			seq:  []uint64{rtkit.Power(rtkit.MgmtIOPPwrState, rtkit.PowerInit), rtkit.HelloAck(11), rtkit.EPMapReply(0, true)},
		},
		{
			desc: "start of unknown endpoint",
			seq:  []uint64{rtkit.StartEP(0x21)},
		},
		{
			desc: "unknown management message",
			seq:  []uint64{rtkit.Msg(0x3f, 0)},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			e := New(Config{Name: "test", MinVersion: 11, MaxVersion: 11, Endpoints: []uint8{0x20}}, newArena(t))
			mb := asc.New(e.CPURegs(), e.MailboxRegs())
			mb.Start()
			for _, p := range test.seq {
				if err := mb.Send(mgmt(p)); err != nil {
					t.Fatalf("Send: %v", err)
				}
			}
			if e.Err() == nil {
				t.Error("Err() = nil, want failure")
			}
		})
	}
}

func TestEPMapChunks(t *testing.T) {
	for _, test := range []struct {
		eps  []uint8
		want []chunk
	}{
		{eps: nil, want: []chunk{{}}},
		{eps: []uint8{1, 2, 4}, want: []chunk{{base: 0, bitmap: 0x16}}},
		{eps: []uint8{0x40, 2, 0x20, 0x21}, want: []chunk{{base: 0, bitmap: 4}, {base: 1, bitmap: 3}, {base: 2, bitmap: 1}}},
	} {
		got := epmapChunks(test.eps)
		if diff := cmp.Diff(test.want, got, cmp.AllowUnexported(chunk{})); diff != "" {
			t.Errorf("epmapChunks(%v): (-want +got)\n%s", test.eps, diff)
		}
	}
}

func TestCrashWithoutCrashlog(t *testing.T) {
	e := New(Config{Name: "test"}, newArena(t))
	if err := e.Crash("boom"); !errors.Is(err, ErrNoCrashlog) {
		t.Errorf("Crash: %v, want %v", err, ErrNoCrashlog)
	}
}

func TestDARTMemory(t *testing.T) {
	a := newArena(t)
	tbl := dart.NewTable()
	if err := tbl.Map(0x100000, arenaBase, 2*dart.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Map(0x200000, arenaBase+4*dart.PageSize, dart.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Map(0x200000+dart.PageSize, arenaBase, dart.PageSize); err != nil {
		t.Fatal(err)
	}
	m := DARTMemory{Table: tbl, Arena: a}

	for _, test := range []struct {
		desc      string
		dva, size uint64
		wantErr   bool
	}{
		{desc: "one page", dva: 0x100000, size: 16},
		{desc: "across pages", dva: 0x100000 + dart.PageSize - 8, size: 16},
		{desc: "unmapped", dva: 0x300000, size: 16, wantErr: true},
		{desc: "runs off mapping", dva: 0x100000 + dart.PageSize, size: 2 * dart.PageSize, wantErr: true},
		{desc: "not contiguous", dva: 0x200000, size: 2 * dart.PageSize, wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			b, err := m.Slice(test.dva, test.size)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Slice: %v, wantErr %t", err, test.wantErr)
			}
			if err == nil && uint64(len(b)) != test.size {
				t.Errorf("got %d bytes, want %d", len(b), test.size)
			}
		})
	}

	b, _ := m.Slice(0x100000+dart.PageSize, 4)
	copy(b, "abcd")
	if got, _ := a.Slice(arenaBase+dart.PageSize, 4); string(got) != "abcd" {
		t.Errorf("write through DART landed elsewhere: %q", got)
	}
}

func TestSARTMemory(t *testing.T) {
	s, err := sart.New(mmio.NewFile(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AllowDMA(arenaBase, 2*sart.Granule); err != nil {
		t.Fatal(err)
	}
	m := SARTMemory{SART: s, Arena: newArena(t)}
	if _, err := m.Slice(arenaBase+16, 64); err != nil {
		t.Errorf("Slice of allowed range: %v", err)
	}
	if _, err := m.Slice(arenaBase+sart.Granule, 2*sart.Granule); err == nil {
		t.Error("Slice past allowed range succeeded")
	}
}
