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

// Package impl is the implementation of the co-processor emulator command.
package impl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/AsahiLinux/m1n1-sub000/afk"
	"github.com/AsahiLinux/m1n1-sub000/asc"
	ih "github.com/AsahiLinux/m1n1-sub000/cmd/iop_emu/internal/http"
	"github.com/AsahiLinux/m1n1-sub000/config"
	"github.com/AsahiLinux/m1n1-sub000/dart"
	"github.com/AsahiLinux/m1n1-sub000/internal/emulator"
	"github.com/AsahiLinux/m1n1-sub000/internal/mmio"
	"github.com/AsahiLinux/m1n1-sub000/iova"
	"github.com/AsahiLinux/m1n1-sub000/mem"
	"github.com/AsahiLinux/m1n1-sub000/rtkit"
	"github.com/AsahiLinux/m1n1-sub000/sart"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// Opts encapsulates options for running the emulator.
type Opts struct {
	Devices config.Devices
	// DeviceTree is an optional flattened device tree overriding the
	// backing of the devices it describes.
	DeviceTree []byte
	// ListenAddr serves device status until the context is done, if set.
	ListenAddr string
}

// Result is the outcome of the command issued on one service.
type Result struct {
	Device  string
	Service string
	Reply   []byte
	Err     error
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s/%s: %v", r.Device, r.Service, r.Err)
	}
	return fmt.Sprintf("%s/%s: %q", r.Device, r.Service, r.Reply)
}

type device struct {
	cfg config.Device
	emu *emulator.Emulator
	rtk *rtkit.Device
}

// fleet implements ih.Fleet.
type fleet struct {
	devs map[string]*device
}

func (f fleet) Names() []string {
	names := make([]string, 0, len(f.devs))
	for n := range f.devs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f fleet) Status(name string) (emulator.Status, bool) {
	d, ok := f.devs[name]
	if !ok {
		return emulator.Status{}, false
	}
	return d.emu.Status(), true
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func handler(s config.Service) emulator.Handler {
	return func(code uint16, in []byte) (uint32, []byte) {
		switch {
		case s.Retcode != 0:
			return s.Retcode, nil
		case s.Reply != "":
			return 0, []byte(s.Reply)
		}
		return 0, reverse(in)
	}
}

func emulatorConfig(c config.Device) (emulator.Config, error) {
	ec := emulator.Config{
		Name:            c.Name,
		MinVersion:      c.MinVersion,
		MaxVersion:      c.MaxVersion,
		SyslogCount:     c.SyslogCount,
		SyslogEntrySize: c.SyslogEntrySize,
		Syslog:          c.Syslog,
	}
	for _, ep := range c.Endpoints {
		ec.Endpoints = append(ec.Endpoints, uint8(ep))
	}
	if c.AFK == nil {
		return ec, nil
	}
	ac := &emulator.AFKConfig{
		Endpoint: uint8(c.AFK.Endpoint),
		Tag:      c.AFK.Tag,
		RingSize: c.AFK.RingSize,
	}
	for _, s := range c.AFK.Services {
		props, err := s.PropBytes()
		if err != nil {
			return emulator.Config{}, err
		}
		sc := emulator.ServiceConfig{Name: s.Name, Props: props, Handler: handler(s)}
		for _, call := range s.Calls {
			sc.Calls = append(sc.Calls, emulator.StdCall{Group: call.Group, Command: call.Command, Args: []byte(call.Args)})
		}
		ac.Services = append(ac.Services, sc)
	}
	ec.AFK = ac
	return ec, nil
}

func newDevice(c config.Device) (*device, error) {
	arena, err := mem.NewArena(c.MemoryBase, c.MemorySize)
	if err != nil {
		return nil, err
	}
	var (
		b rtkit.Backing
		m emulator.Memory
	)
	switch c.Backing {
	case config.BackingDART:
		space, err := iova.New(c.IOVABase, c.IOVALimit)
		if err != nil {
			return nil, err
		}
		tbl := dart.NewTable()
		b = rtkit.Backing{DART: tbl, IOVA: space}
		m = emulator.DARTMemory{Table: tbl, Arena: arena}
	case config.BackingSART:
		s, err := sart.New(mmio.NewFile(), c.SARTVersion)
		if err != nil {
			return nil, err
		}
		b = rtkit.Backing{SART: s}
		m = emulator.SARTMemory{SART: s, Arena: arena}
	default:
		m = arena
	}
	ec, err := emulatorConfig(c)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", c.Name, err)
	}
	emu := emulator.New(ec, m)
	mb := asc.New(emu.CPURegs(), emu.MailboxRegs())
	mb.Start()
	rtk, err := rtkit.New(c.Name, mb, arena, b)
	if err != nil {
		return nil, err
	}
	return &device{cfg: c, emu: emu, rtk: rtk}, nil
}

// hostOps answers standard service calls by echoing their arguments.
type hostOps struct {
	device string
}

func (o hostOps) Init(s *afk.Service, props []byte) error {
	glog.Infof("%s: %s announced with %d bytes of properties", o.device, s.Name, len(props))
	return nil
}

func (o hostOps) Call(s *afk.Service, group uint16, command uint32, args, reply []byte) error {
	glog.Infof("%s: %s: service call %d/%d with %q", o.device, s.Name, group, command, args)
	copy(reply, args)
	return nil
}

// runAFK binds every service of the device in announce order, then issues
// one command per service and stops the endpoint again.
func (d *device) runAFK(ctx context.Context) ([]Result, error) {
	c := d.cfg.AFK
	ep, err := afk.Init(d.rtk, uint8(c.Endpoint))
	if err != nil {
		return nil, err
	}
	svcs := make([]*afk.Service, 0, len(c.Services))
	for _, sc := range c.Services {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		svc, err := ep.StartChannel(afk.ChannelConfig{
			Name:   sc.Name,
			Ops:    hostOps{device: d.cfg.Name},
			TxSize: c.TxSize,
			RxSize: c.RxSize,
		})
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}

	var results []Result
	for i, sc := range c.Services {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		svc := svcs[i]
		rx := make([]byte, c.RxSize)
		n, err := svc.Command(sc.Command, []byte(sc.Args), rx)
		r := Result{Device: d.cfg.Name, Service: sc.Name, Err: err}
		if err == nil {
			r.Reply = rx[:n]
		} else if !errors.Is(err, afk.ErrRetcode) {
			return nil, err
		}
		results = append(results, r)
	}
	return results, ep.Shutdown()
}

func (d *device) run(ctx context.Context) ([]Result, error) {
	if err := d.rtk.Boot(); err != nil {
		return nil, err
	}
	var results []Result
	if d.cfg.AFK != nil {
		r, err := d.runAFK(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.cfg.Name, err)
		}
		results = r
	}
	if err := d.rtk.Shutdown(); err != nil {
		return nil, err
	}
	d.rtk.Free()
	if err := d.emu.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Main boots every configured device, runs its services and returns what
// the commands answered.
func Main(ctx context.Context, opts Opts) ([]Result, error) {
	devs := opts.Devices
	if len(opts.DeviceTree) > 0 {
		iops, err := config.FromDeviceTree(opts.DeviceTree)
		if err != nil {
			return nil, err
		}
		devs.Apply(iops)
		if err := devs.Validate(); err != nil {
			return nil, fmt.Errorf("config after applying device tree: %v", err)
		}
	}

	f := fleet{devs: make(map[string]*device)}
	for _, c := range devs.Devices {
		d, err := newDevice(c)
		if err != nil {
			return nil, fmt.Errorf("failed to set up %s: %w", c.Name, err)
		}
		f.devs[c.Name] = d
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range f.Names() {
		d := f.devs[name]
		g.Go(func() error {
			r, err := d.run(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Device != results[j].Device {
			return results[i].Device < results[j].Device
		}
		return results[i].Service < results[j].Service
	})

	if opts.ListenAddr == "" {
		return results, nil
	}
	return results, serve(ctx, opts.ListenAddr, f)
}

func serve(ctx context.Context, addr string, f fleet) error {
	r := mux.NewRouter()
	ih.NewServer(f).RegisterHandlers(r)
	hServer := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	e := make(chan error, 1)
	go func() {
		e <- hServer.ListenAndServe()
		close(e)
	}()
	glog.Infof("Serving device status on %s", addr)
	select {
	case err := <-e:
		return err
	case <-ctx.Done():
	}
	glog.Info("Server shutting down")
	if err := hServer.Shutdown(context.Background()); err != nil {
		glog.Errorf("server.Shutdown(): %v", err)
	}
	if err := <-e; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
