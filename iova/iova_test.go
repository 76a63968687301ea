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

package iova

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const mb = 1 << 20

func mustNew(t *testing.T, base, limit uint64) *Domain {
	t.Helper()
	d, err := New(base, limit)
	if err != nil {
		t.Fatalf("New(%#x, %#x): %v", base, limit, err)
	}
	return d
}

func checkCoalesced(t *testing.T, d *Domain) {
	t.Helper()
	bs := d.Blocks()
	for i := 1; i < len(bs); i++ {
		if bs[i-1].End() >= bs[i].Addr {
			t.Fatalf("free list not coalesced or unsorted: %+v", bs)
		}
	}
}

func TestNew(t *testing.T) {
	for _, test := range []struct {
		desc       string
		base       uint64
		limit      uint64
		wantErr    bool
		wantBlocks []Block
	}{
		{
			desc:       "zero base reserves first granule",
			base:       0,
			limit:      mb,
			wantBlocks: []Block{{Addr: Granule, Size: mb - Granule}},
		}, {
			desc:       "non-zero base",
			base:       mb,
			limit:      2 * mb,
			wantBlocks: []Block{{Addr: mb, Size: mb}},
		}, {
			desc:    "unaligned base",
			base:    0x1000,
			limit:   mb,
			wantErr: true,
		}, {
			desc:    "empty",
			base:    mb,
			limit:   mb,
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			d, err := New(test.base, test.limit)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("New: got err %v, want err %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(test.wantBlocks, d.Blocks()); diff != "" {
				t.Errorf("Blocks diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllocNeverReturnsZero(t *testing.T) {
	d := mustNew(t, 0, 4*Granule)
	seen := map[uint64]bool{}
	for {
		a, err := d.Alloc(1)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if a == 0 {
			t.Fatal("Alloc returned address 0")
		}
		if seen[a] {
			t.Fatalf("Alloc returned %#x twice", a)
		}
		seen[a] = true
	}
	if got, want := len(seen), 3; got != want {
		t.Errorf("got %d allocations, want %d", got, want)
	}
}

func TestAllocFirstFit(t *testing.T) {
	d := mustNew(t, mb, 2*mb)
	a, err := d.Alloc(Granule + 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != mb {
		t.Errorf("first alloc at %#x, want %#x", a, uint64(mb))
	}
	b, err := d.Alloc(Granule)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if want := uint64(mb + 2*Granule); b != want {
		t.Errorf("second alloc at %#x, want %#x (size rounded up)", b, want)
	}
	d.Free(a, Granule+1)
	c, err := d.Alloc(Granule)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c != a {
		t.Errorf("alloc after free at %#x, want reuse of %#x", c, a)
	}
}

func TestAllocExhausted(t *testing.T) {
	d := mustNew(t, mb, mb+4*Granule)
	if _, err := d.Alloc(5 * Granule); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Alloc too large: got %v, want ErrExhausted", err)
	}
	if _, err := d.Alloc(4 * Granule); err != nil {
		t.Fatalf("Alloc exact: %v", err)
	}
	if got := d.Blocks(); len(got) != 0 {
		t.Errorf("free list after exact alloc = %+v, want empty", got)
	}
	if _, err := d.Alloc(Granule); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Alloc on empty list: got %v, want ErrExhausted", err)
	}
	d.Free(mb+Granule, Granule)
	if diff := cmp.Diff([]Block{{Addr: mb + Granule, Size: Granule}}, d.Blocks()); diff != "" {
		t.Errorf("free into empty list diff (-want +got):\n%s", diff)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	d := mustNew(t, 0, 16*mb)
	if _, err := d.Alloc(3 * Granule); err != nil {
		t.Fatal(err)
	}
	x, err := d.Alloc(2 * Granule)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Alloc(Granule); err != nil {
		t.Fatal(err)
	}
	d.Free(x, 2*Granule)

	for _, size := range []uint64{1, Granule, 2 * Granule, 5 * Granule, mb, 3*mb + 7} {
		before := d.Blocks()
		a, err := d.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc(%#x): %v", size, err)
		}
		d.Free(a, size)
		if diff := cmp.Diff(before, d.Blocks()); diff != "" {
			t.Errorf("Alloc/Free(%#x) changed free list (-before +after):\n%s", size, diff)
		}
	}
}

func TestFreeMerges(t *testing.T) {
	for _, test := range []struct {
		desc  string
		order []int
	}{
		{desc: "ascending", order: []int{0, 1, 2, 3}},
		{desc: "descending", order: []int{3, 2, 1, 0}},
		{desc: "middle last", order: []int{0, 2, 3, 1}},
		{desc: "interleaved", order: []int{1, 3, 0, 2}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			d := mustNew(t, mb, mb+4*Granule)
			var addrs []uint64
			for i := 0; i < 4; i++ {
				a, err := d.Alloc(Granule)
				if err != nil {
					t.Fatal(err)
				}
				addrs = append(addrs, a)
			}
			for _, i := range test.order {
				d.Free(addrs[i], Granule)
				checkCoalesced(t, d)
			}
			if diff := cmp.Diff([]Block{{Addr: mb, Size: 4 * Granule}}, d.Blocks()); diff != "" {
				t.Errorf("Blocks diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReserve(t *testing.T) {
	const base = mb
	const limit = mb + 8*Granule
	for _, test := range []struct {
		desc       string
		addr, size uint64
		wantErr    bool
		wantBlocks []Block
	}{
		{
			desc:       "whole block",
			addr:       base,
			size:       8 * Granule,
			wantBlocks: []Block{},
		}, {
			desc:       "prefix",
			addr:       base,
			size:       2 * Granule,
			wantBlocks: []Block{{Addr: base + 2*Granule, Size: 6 * Granule}},
		}, {
			desc:       "suffix",
			addr:       base + 6*Granule,
			size:       2 * Granule,
			wantBlocks: []Block{{Addr: base, Size: 6 * Granule}},
		}, {
			desc: "split",
			addr: base + 3*Granule,
			size: Granule,
			wantBlocks: []Block{
				{Addr: base, Size: 3 * Granule},
				{Addr: base + 4*Granule, Size: 4 * Granule},
			},
		}, {
			desc:    "outside",
			addr:    limit,
			size:    Granule,
			wantErr: true,
		}, {
			desc:    "unaligned",
			addr:    base + 0x1000,
			size:    Granule,
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			d := mustNew(t, base, limit)
			err := d.Reserve(test.addr, test.size)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Reserve: got err %v, want err %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(test.wantBlocks, d.Blocks(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Blocks diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReserveAllocated(t *testing.T) {
	d := mustNew(t, mb, 2*mb)
	a, err := d.Alloc(Granule)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Reserve(a, Granule); err == nil {
		t.Error("Reserve of allocated range succeeded")
	}
}

func TestFreeCorruptionPanics(t *testing.T) {
	for _, test := range []struct {
		desc string
		fn   func(d *Domain)
	}{
		{
			desc: "double free",
			fn: func(d *Domain) {
				a, _ := d.Alloc(Granule)
				d.Free(a, Granule)
				d.Free(a, Granule)
			},
		}, {
			desc: "overlaps next",
			fn: func(d *Domain) {
				a, _ := d.Alloc(Granule)
				d.Free(a, 2*Granule)
			},
		}, {
			desc: "outside domain",
			fn: func(d *Domain) {
				d.Free(4*mb, Granule)
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			d := mustNew(t, mb, 2*mb)
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			test.fn(d)
		})
	}
}

func TestRandomSequenceStaysCoalesced(t *testing.T) {
	type alloc struct{ addr, size uint64 }
	r := rand.New(rand.NewSource(1))
	d := mustNew(t, 0, 64*mb)
	initial := d.Blocks()
	var live []alloc
	for i := 0; i < 2000; i++ {
		if len(live) == 0 || r.Intn(3) != 0 {
			size := uint64(r.Intn(8*Granule) + 1)
			a, err := d.Alloc(size)
			if errors.Is(err, ErrExhausted) {
				continue
			}
			if err != nil {
				t.Fatal(err)
			}
			live = append(live, alloc{a, size})
		} else {
			j := r.Intn(len(live))
			d.Free(live[j].addr, live[j].size)
			live = append(live[:j], live[j+1:]...)
		}
		checkCoalesced(t, d)
	}
	for _, a := range live {
		d.Free(a.addr, a.size)
		checkCoalesced(t, d)
	}
	if diff := cmp.Diff(initial, d.Blocks()); diff != "" {
		t.Errorf("free list after releasing everything (-want +got):\n%s", diff)
	}
}
