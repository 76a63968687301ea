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

package ring

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testCap = 0x400

func newRing(t *testing.T) (*Ring, []byte) {
	t.Helper()
	buf := make([]byte, HeaderSize+testCap)
	r, err := Format(buf)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return r, buf
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func TestAdvance(t *testing.T) {
	for _, test := range []struct {
		pos, n, want uint32
	}{
		{pos: 0, n: 16, want: 64},
		{pos: 0, n: 64, want: 64},
		{pos: 0, n: 65, want: 128},
		{pos: 0x3c0, n: 0x40, want: 0},
		{pos: 0x3c0, n: 0x3f, want: 0},
		{pos: 0x340, n: 0x10, want: 0x380},
	} {
		if got := Advance(test.pos, test.n, testCap); got != test.want {
			t.Errorf("Advance(%#x, %#x) = %#x, want %#x", test.pos, test.n, got, test.want)
		}
	}
}

func TestAdvancePastEndPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Advance(0x3c0, 0x41, testCap)
}

func TestAttach(t *testing.T) {
	_, buf := newRing(t)
	r, err := Attach(buf)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := r.Capacity(); got != testCap {
		t.Errorf("Capacity() = %#x, want %#x", got, testCap)
	}
	if _, err := Attach(buf[:len(buf)-BlockSize]); err == nil {
		t.Error("Attach with size not matching header succeeded")
	}
	if _, err := Format(make([]byte, HeaderSize+10)); err == nil {
		t.Error("Format of unaligned size succeeded")
	}
}

func TestPutPeekAck(t *testing.T) {
	tx, buf := newRing(t)
	rx, err := Attach(buf)
	if err != nil {
		t.Fatal(err)
	}
	for i, size := range []int{0, 1, 47, 48, 200, 300, 17, 500, 400} {
		p := payload(size, byte(i))
		if _, err := tx.Put(3, 4, p); err != nil {
			t.Fatalf("Put(%d bytes): %v", size, err)
		}
		rec, ok, err := rx.Peek()
		if err != nil || !ok {
			t.Fatalf("Peek after Put(%d bytes): %v, %v", size, ok, err)
		}
		if rec.Channel != 3 || rec.Type != 4 {
			t.Errorf("record channel/type = %d/%d, want 3/4", rec.Channel, rec.Type)
		}
		if diff := cmp.Diff(p, rec.Payload); diff != "" {
			t.Errorf("payload of %d bytes diff (-want +got):\n%s", size, diff)
		}
		want := Advance(rec.Offset, uint32(RecordHeaderSize+size), testCap)
		if got := rx.Ack(rec); got != want || rx.ReadPtr() != want {
			t.Errorf("Ack = %#x (ReadPtr %#x), want %#x", got, rx.ReadPtr(), want)
		}
		if _, ok, _ := rx.Peek(); ok {
			t.Fatal("ring not empty after Ack")
		}
	}
}

func TestWrap(t *testing.T) {
	r, _ := newRing(t)
	for i := 0; i < 3; i++ {
		if _, err := r.Put(0, 0, payload(200, 0)); err != nil {
			t.Fatal(err)
		}
		rec, _, err := r.Peek()
		if err != nil {
			t.Fatal(err)
		}
		r.Ack(rec)
	}
	if got, want := r.WritePtr(), uint32(0x300); got != want {
		t.Fatalf("WritePtr = %#x, want %#x", got, want)
	}

	p := payload(300, 7)
	w, err := r.Put(1, 2, p)
	if err != nil {
		t.Fatalf("wrapping Put: %v", err)
	}
	if want := uint32(0x140); w != want {
		t.Errorf("wrapped WritePtr = %#x, want %#x", w, want)
	}
	rec, ok, err := r.Peek()
	if err != nil || !ok {
		t.Fatalf("Peek: %v, %v", ok, err)
	}
	if rec.Offset != 0 {
		t.Errorf("wrapped record at %#x, want 0", rec.Offset)
	}
	if !bytes.Equal(rec.Payload, p) {
		t.Error("wrapped payload mismatch")
	}
	if got, want := r.Ack(rec), uint32(0x140); got != want {
		t.Errorf("Ack = %#x, want %#x", got, want)
	}
}

func TestFullLeavesRingUntouched(t *testing.T) {
	// In setup, a positive entry puts a record of that size and ack consumes
	// the oldest record.
	const ack = -1
	for _, test := range []struct {
		desc  string
		setup []int
		size  int
	}{
		{
			desc: "would fill empty ring",
			size: testCap - RecordHeaderSize,
		}, {
			desc:  "would reach read cursor at zero",
			setup: []int{testCap - RecordHeaderSize - BlockSize},
			size:  1,
		}, {
			desc:  "one byte more than free space after wrap",
			setup: []int{200, 200, 200, ack},
			// 0x200 bytes are free.
			size: 0x200 - RecordHeaderSize + 1,
		}, {
			desc:  "write cursor behind read cursor",
			setup: []int{200, 200, 200, ack, ack, ack, 300},
			size:  0x300 - 0x140 - RecordHeaderSize,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			r, buf := newRing(t)
			for _, n := range test.setup {
				if n == ack {
					rec, _, err := r.Peek()
					if err != nil {
						t.Fatal(err)
					}
					r.Ack(rec)
					continue
				}
				if _, err := r.Put(0, 0, payload(n, 1)); err != nil {
					t.Fatalf("setup Put(%d): %v", n, err)
				}
			}
			before := append([]byte(nil), buf...)
			if _, err := r.Put(5, 5, payload(test.size, 9)); !errors.Is(err, ErrFull) {
				t.Fatalf("Put(%d): got %v, want ErrFull", test.size, err)
			}
			if !bytes.Equal(before, buf) {
				t.Error("failed Put modified the ring")
			}
		})
	}
}

func TestPeekBadMagic(t *testing.T) {
	r, buf := newRing(t)
	if _, err := r.Put(0, 0, payload(8, 0)); err != nil {
		t.Fatal(err)
	}
	buf[HeaderSize] ^= 0xff
	if _, _, err := r.Peek(); !errors.Is(err, ErrBadMagic) {
		t.Errorf("Peek: got %v, want ErrBadMagic", err)
	}
}

func TestPeekOversizedRecord(t *testing.T) {
	r, buf := newRing(t)
	if _, err := r.Put(0, 0, payload(8, 0)); err != nil {
		t.Fatal(err)
	}
	// Claim a record bigger than the whole ring.
	buf[HeaderSize+5] = 0x10
	if _, _, err := r.Peek(); err == nil {
		t.Error("Peek of oversized record succeeded")
	}
}
