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

package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const goodConfig = `
Devices:
  - Name: dcp
    Backing: dart
    IOVABase: 0x100000
    IOVALimit: 0x100000000
    MemoryBase: 0x800000000
    MemorySize: 0x400000
    MinVersion: 11
    MaxVersion: 12
    Endpoints: [1, 2, 4, 0x20]
    SyslogCount: 8
    SyslogEntrySize: 0x80
    Syslog: ["up"]
    AFK:
      Endpoint: 0x20
      Tag: 0x5a
      RingSize: 0x4000
      TxSize: 0x1000
      RxSize: 0x1000
      Services:
        - Name: disp0-service
          Props: "0102"
          Command: 0x22
          Args: hello
          Calls:
            - Group: 2
              Command: 3
              Args: ping
  - Name: smc
    Backing: sart
    SARTVersion: 3
    MemoryBase: 0x900000000
    MemorySize: 0x100000
    MinVersion: 11
    MaxVersion: 11
`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(goodConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Devices{Devices: []Device{
		{
			Name:            "dcp",
			Backing:         BackingDART,
			IOVABase:        0x100000,
			IOVALimit:       0x100000000,
			MemoryBase:      0x800000000,
			MemorySize:      0x400000,
			MinVersion:      11,
			MaxVersion:      12,
			Endpoints:       []int{1, 2, 4, 0x20},
			SyslogCount:     8,
			SyslogEntrySize: 0x80,
			Syslog:          []string{"up"},
			AFK: &AFK{
				Endpoint: 0x20,
				Tag:      0x5a,
				RingSize: 0x4000,
				TxSize:   0x1000,
				RxSize:   0x1000,
				Services: []Service{{
					Name:    "disp0-service",
					Props:   "0102",
					Command: 0x22,
					Args:    "hello",
					Calls:   []Call{{Group: 2, Command: 3, Args: "ping"}},
				}},
			},
		},
		{
			Name:        "smc",
			Backing:     BackingSART,
			SARTVersion: 3,
			MemoryBase:  0x900000000,
			MemorySize:  0x100000,
			MinVersion:  11,
			MaxVersion:  11,
		},
	}}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Parse: (-want +got)\n%s", diff)
	}
	props, err := d.Devices[0].AFK.Services[0].PropBytes()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2}, props); diff != "" {
		t.Errorf("PropBytes: (-want +got)\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		desc        string
		old, new    string
		appendExtra string
	}{
		{desc: "unknown field", appendExtra: "    Colour: blue\n"},
		{desc: "duplicate name", old: "Name: smc", new: "Name: dcp"},
		{desc: "missing name", old: "Name: smc", new: "Name: \"\""},
		{desc: "unknown backing", old: "Backing: sart", new: "Backing: iommu"},
		{desc: "sart version", old: "SARTVersion: 3", new: "SARTVersion: 1"},
		{desc: "empty iova window", old: "IOVALimit: 0x100000000", new: "IOVALimit: 0x100000"},
		{desc: "no memory", old: "MemorySize: 0x100000", new: "MemorySize: 0"},
		{desc: "version range", old: "MaxVersion: 12", new: "MaxVersion: 10"},
		{desc: "endpoint range", old: "[1, 2, 4, 0x20]", new: "[1, 2, 4, 0x20, 256]"},
		{desc: "afk endpoint not offered", old: "[1, 2, 4, 0x20]", new: "[1, 2, 4]"},
		{desc: "afk on system endpoint", old: "Endpoint: 0x20", new: "Endpoint: 4"},
		{desc: "ring size", old: "RingSize: 0x4000", new: "RingSize: 0x4001"},
		{desc: "service props", old: "Props: \"0102\"", new: "Props: \"xyz\""},
		{desc: "service name", old: "Name: disp0-service", new: "Name: " + strings.Repeat("s", 32)},
		{desc: "args too large", old: "TxSize: 0x1000", new: "TxSize: 2"},
		{desc: "syslog without ring", old: "SyslogCount: 8", new: "SyslogCount: 0"},
	} {
		t.Run(test.desc, func(t *testing.T) {
			cfg := goodConfig + test.appendExtra
			if test.old != "" {
				if !strings.Contains(cfg, test.old) {
					t.Fatalf("config does not contain %q", test.old)
				}
				cfg = strings.Replace(cfg, test.old, test.new, 1)
			}
			if _, err := Parse([]byte(cfg)); err == nil {
				t.Error("Parse succeeded")
			}
		})
	}
	if _, err := Parse([]byte("Devices: []\n")); err == nil {
		t.Error("Parse of empty device list succeeded")
	}
}
