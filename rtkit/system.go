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

package rtkit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/AsahiLinux/m1n1-sub000/asc"
	"github.com/golang/glog"
)

func sysMsg(ep uint8, p uint64) asc.Message {
	return asc.Message{Endpoint: ep, Payload: p}
}

// A second buffer request on the crashlog endpoint is how the firmware
// reports that it has crashed.
func (d *Device) handleCrashlog(p uint64) error {
	if Type(p) != MsgBufferRequest {
		glog.Warningf("%s: unknown crashlog message %#016x", d.name, p)
		return nil
	}
	if d.crashlog.Size == 0 {
		return d.serveBufferRequest(EPCrashlog, &d.crashlog, p)
	}
	d.crashed = true
	glog.Errorf("%s: co-processor crashed", d.name)
	if d.crashlog.Data == nil {
		glog.Errorf("%s: crashlog at %#x is not host visible", d.name, d.crashlog.DVA)
	} else if err := LogCrash(d.name, d.crashlog.Data); err != nil {
		glog.Errorf("%s: failed to parse crashlog: %v", d.name, err)
	}
	return ErrCrashed
}

// syslog entries are {u32 hdr; u32 unk; char context[24]; char msg[size]}.
const syslogEntryHeader = 32

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), "\r\n")
}

func (d *Device) handleSyslog(p uint64) error {
	switch Type(p) {
	case MsgBufferRequest:
		return d.serveBufferRequest(EPSyslog, &d.syslog, p)
	case MsgSyslogInit:
		count, size := ParseSyslogInit(p)
		d.syslogCount, d.syslogEntrySize = uint32(count), uint32(size)
		glog.V(1).Infof("%s: syslog has %d entries of %d bytes", d.name, count, size)
		return nil
	case MsgSyslogLog:
		idx := uint32(ParseSyslogLog(p))
		stride := syslogEntryHeader + d.syslogEntrySize
		off := uint64(idx) * uint64(stride)
		switch {
		case idx >= d.syslogCount:
			glog.Warningf("%s: syslog index %d out of range", d.name, idx)
		case d.syslog.Data == nil || off+uint64(stride) > uint64(len(d.syslog.Data)):
			glog.Warningf("%s: syslog entry %d not readable", d.name, idx)
		default:
			e := d.syslog.Data[off : off+uint64(stride)]
			glog.Infof("%s: syslog [%s] %s", d.name, cstring(e[8:syslogEntryHeader]), cstring(e[syslogEntryHeader:]))
		}
		return d.Send(sysMsg(EPSyslog, p))
	}
	glog.Warningf("%s: unknown syslog message %#016x", d.name, p)
	return nil
}

func (d *Device) handleIOReport(p uint64) error {
	switch Type(p) {
	case MsgBufferRequest:
		return d.serveBufferRequest(EPIOReport, &d.ioreport, p)
	case MsgIOReportUnk8, MsgIOReportUnk12:
		return d.Send(sysMsg(EPIOReport, p))
	}
	glog.Warningf("%s: unknown ioreport message %#016x", d.name, p)
	return nil
}

func (d *Device) handleOSLog(p uint64) error {
	typ, pages, dva := ParseOSLog(p)
	if typ != OSLogInit {
		glog.Warningf("%s: unknown oslog message %#016x", d.name, p)
		return nil
	}
	size := uint64(pages) * pageSize
	switch {
	case size == 0:
	case dva != 0:
		d.FreeBuffer(&d.oslog)
		d.oslog = Buffer{DVA: dva, Size: size}
	case d.oslog.Size != size:
		d.FreeBuffer(&d.oslog)
		b, err := d.AllocBuffer(size)
		if err != nil {
			return err
		}
		d.oslog = *b
	}
	return d.Send(sysMsg(EPOSLog, OSLog(OSLogAck, pages, d.oslog.DVA)))
}

// Crashlog framing.
const (
	crashlogHeaderSize = 32
	crashlogEntryHead  = 16

	CrashlogMagic   = 0x434c4845 // CLHE
	CrashlogString  = 0x43737472 // Cstr
	CrashlogVersion = 0x43766572 // Cver
)

// CrashlogHeader starts every crashlog.
type CrashlogHeader struct {
	Type      uint32
	Version   uint32
	TotalSize uint32
	Flags     uint32
	Pad       [16]byte
}

// CrashlogEntry is one crashlog entry. Size includes the 16 byte entry head.
type CrashlogEntry struct {
	Type    uint32
	Flags   uint32
	Payload []byte
}

func fourcc(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return string(b[:])
}

// ParseCrashlog decodes the crashlog in buf.
func ParseCrashlog(buf []byte) (CrashlogHeader, []CrashlogEntry, error) {
	var h CrashlogHeader
	if _, err := binary.Decode(buf, binary.LittleEndian, &h); err != nil {
		return h, nil, fmt.Errorf("short crashlog: %v", err)
	}
	if h.Type != CrashlogMagic {
		return h, nil, fmt.Errorf("bad crashlog magic %#08x", h.Type)
	}
	end := min(uint64(h.TotalSize), uint64(len(buf)))
	var entries []CrashlogEntry
	for off := uint64(crashlogHeaderSize); off+crashlogEntryHead <= end; {
		typ := binary.LittleEndian.Uint32(buf[off:])
		flags := binary.LittleEndian.Uint32(buf[off+8:])
		size := uint64(binary.LittleEndian.Uint32(buf[off+12:]))
		if size < crashlogEntryHead || off+size > end {
			return h, entries, fmt.Errorf("crashlog entry %q at %#x has bad size %#x", fourcc(typ), off, size)
		}
		entries = append(entries, CrashlogEntry{
			Type:    typ,
			Flags:   flags,
			Payload: append([]byte(nil), buf[off+crashlogEntryHead:off+size]...),
		})
		off += size
	}
	return h, entries, nil
}

// MarshalCrashlog builds a crashlog from entries.
func MarshalCrashlog(entries []CrashlogEntry) []byte {
	var body []byte
	for _, e := range entries {
		var head [crashlogEntryHead]byte
		binary.LittleEndian.PutUint32(head[0:], e.Type)
		binary.LittleEndian.PutUint32(head[8:], e.Flags)
		binary.LittleEndian.PutUint32(head[12:], uint32(crashlogEntryHead+len(e.Payload)))
		body = append(body, head[:]...)
		body = append(body, e.Payload...)
	}
	h := CrashlogHeader{Type: CrashlogMagic, TotalSize: uint32(crashlogHeaderSize + len(body))}
	out, _ := binary.Append(nil, binary.LittleEndian, &h)
	return append(out, body...)
}

// LogCrash logs the crashlog in buf.
func LogCrash(name string, buf []byte) error {
	_, entries, err := ParseCrashlog(buf)
	for _, e := range entries {
		switch e.Type {
		case CrashlogString:
			glog.Errorf("%s: crash: %s", name, cstring(e.Payload))
		case CrashlogVersion:
			glog.Errorf("%s: crash: firmware %s", name, cstring(e.Payload))
		default:
			glog.Errorf("%s: crash: %s entry, %d bytes", name, fourcc(e.Type), len(e.Payload))
		}
	}
	return err
}
