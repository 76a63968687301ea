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

// Package config describes the co-processors to bring up: how their buffers
// are backed, what the firmware offers, and which AFK services they carry.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"

	"gopkg.in/yaml.v2"
)

// Backings a Device may use.
const (
	BackingDART = "dart"
	BackingSART = "sart"
	BackingNone = "none"
)

// Devices is the top level of a config file.
type Devices struct {
	Devices []Device `yaml:"Devices"`
}

// Device is one co-processor.
type Device struct {
	// Name identifies the device in logs and in the status server.
	Name string `yaml:"Name"`
	// Backing is one of "dart", "sart" or "none".
	Backing string `yaml:"Backing"`
	// SARTVersion is required for the sart backing.
	SARTVersion int `yaml:"SARTVersion"`
	// IOVABase and IOVALimit bound the device address space of the dart
	// backing.
	IOVABase  uint64 `yaml:"IOVABase"`
	IOVALimit uint64 `yaml:"IOVALimit"`
	// MemoryBase and MemorySize locate the physical memory buffers are
	// allocated from.
	MemoryBase uint64 `yaml:"MemoryBase"`
	MemorySize uint64 `yaml:"MemorySize"`

	// MinVersion and MaxVersion are the protocol versions the firmware speaks.
	MinVersion uint16 `yaml:"MinVersion"`
	MaxVersion uint16 `yaml:"MaxVersion"`
	// Endpoints the firmware offers.
	Endpoints       []int    `yaml:"Endpoints"`
	SyslogCount     uint16   `yaml:"SyslogCount"`
	SyslogEntrySize uint16   `yaml:"SyslogEntrySize"`
	Syslog          []string `yaml:"Syslog"`

	AFK *AFK `yaml:"AFK"`
}

// AFK is a ring endpoint on a Device.
type AFK struct {
	Endpoint int    `yaml:"Endpoint"`
	Tag      uint16 `yaml:"Tag"`
	RingSize uint32 `yaml:"RingSize"`
	// TxSize and RxSize size the host command buffers.
	TxSize   uint64    `yaml:"TxSize"`
	RxSize   uint64    `yaml:"RxSize"`
	Services []Service `yaml:"Services"`
}

// Service is one announced channel and the command issued on it.
type Service struct {
	Name string `yaml:"Name"`
	// Props is the hex encoded property blob of the announcement.
	Props string `yaml:"Props"`
	// Command and Args are sent once the channel is up.
	Command uint16 `yaml:"Command"`
	Args    string `yaml:"Args"`
	// Reply is what the firmware answers with. The arguments are echoed back
	// reversed if it is empty.
	Reply   string `yaml:"Reply"`
	Retcode uint32 `yaml:"Retcode"`
	// Calls are standard service calls the firmware makes before replying.
	Calls []Call `yaml:"Calls"`
}

// Call is a standard service call into the host.
type Call struct {
	Group   uint16 `yaml:"Group"`
	Command uint32 `yaml:"Command"`
	Args    string `yaml:"Args"`
}

// Parse decodes and validates a config file.
func Parse(b []byte) (Devices, error) {
	var d Devices
	if err := yaml.UnmarshalStrict(b, &d); err != nil {
		return Devices{}, fmt.Errorf("failed to unmarshal config: %v", err)
	}
	if err := d.Validate(); err != nil {
		return Devices{}, err
	}
	return d, nil
}

func (d Devices) Validate() error {
	if len(d.Devices) == 0 {
		return errors.New("no devices")
	}
	seen := make(map[string]bool)
	for i, dev := range d.Devices {
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("device %d: %v", i, err)
		}
		if seen[dev.Name] {
			return fmt.Errorf("duplicate device %q", dev.Name)
		}
		seen[dev.Name] = true
	}
	return nil
}

func validEndpoint(ep int) bool {
	return ep >= 0 && ep < 256
}

func (d Device) Validate() error {
	if d.Name == "" {
		return errors.New("missing field: Name")
	}
	switch d.Backing {
	case BackingDART:
		if d.IOVALimit <= d.IOVABase {
			return fmt.Errorf("%s: empty IOVA window [%#x, %#x)", d.Name, d.IOVABase, d.IOVALimit)
		}
	case BackingSART:
		if d.SARTVersion != 2 && d.SARTVersion != 3 {
			return fmt.Errorf("%s: unsupported SART version %d", d.Name, d.SARTVersion)
		}
	case BackingNone:
	default:
		return fmt.Errorf("%s: unknown backing %q", d.Name, d.Backing)
	}
	if d.MemoryBase == 0 || d.MemorySize == 0 {
		return fmt.Errorf("%s: missing field: MemoryBase or MemorySize", d.Name)
	}
	if d.MinVersion == 0 || d.MaxVersion < d.MinVersion {
		return fmt.Errorf("%s: bad version range [%d, %d]", d.Name, d.MinVersion, d.MaxVersion)
	}
	for _, ep := range d.Endpoints {
		if !validEndpoint(ep) {
			return fmt.Errorf("%s: invalid endpoint %d", d.Name, ep)
		}
	}
	if len(d.Syslog) > 0 && (d.SyslogCount == 0 || d.SyslogEntrySize == 0) {
		return fmt.Errorf("%s: syslog lines without a syslog ring", d.Name)
	}
	if d.AFK != nil {
		if err := d.AFK.Validate(); err != nil {
			return fmt.Errorf("%s: %v", d.Name, err)
		}
		found := false
		for _, ep := range d.Endpoints {
			found = found || ep == d.AFK.Endpoint
		}
		if !found {
			return fmt.Errorf("%s: AFK endpoint %#x is not offered", d.Name, d.AFK.Endpoint)
		}
	}
	return nil
}

func (a AFK) Validate() error {
	if a.Endpoint < 0x20 || !validEndpoint(a.Endpoint) {
		return fmt.Errorf("AFK endpoint %#x is not an application endpoint", a.Endpoint)
	}
	if a.RingSize == 0 || a.RingSize%64 != 0 {
		return fmt.Errorf("AFK ring size %#x is not a multiple of 64", a.RingSize)
	}
	if len(a.Services) > 16 {
		return fmt.Errorf("%d AFK services, at most 16 fit", len(a.Services))
	}
	for _, s := range a.Services {
		if err := s.Validate(); err != nil {
			return err
		}
		if uint64(len(s.Args)) > a.TxSize {
			return fmt.Errorf("service %q: arguments do not fit TxSize %#x", s.Name, a.TxSize)
		}
	}
	return nil
}

func (s Service) Validate() error {
	if s.Name == "" {
		return errors.New("missing field: Name")
	}
	if len(s.Name) > 31 {
		return fmt.Errorf("service name %q too long", s.Name)
	}
	if _, err := s.PropBytes(); err != nil {
		return fmt.Errorf("service %q: %v", s.Name, err)
	}
	return nil
}

// PropBytes decodes Props.
func (s Service) PropBytes() ([]byte, error) {
	b, err := hex.DecodeString(s.Props)
	if err != nil {
		return nil, fmt.Errorf("unparseable Props: %v", err)
	}
	return b, nil
}
