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

// iop_emu brings up emulated RTKit co-processors, runs their AFK services and
// reports what each service answered.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/AsahiLinux/m1n1-sub000/cmd/iop_emu/impl"
	"github.com/AsahiLinux/m1n1-sub000/config"
	"github.com/golang/glog"

	_ "embed"
)

var (
	configFile = flag.String("config", "", "Path to a devices YAML file, the built-in devices are used if empty")
	dtbFile    = flag.String("dtb", "", "Path to a flattened device tree selecting device backings")
	listenAddr = flag.String("listen", "", "address:port to serve device status on after the run")

	//go:embed devices.yaml
	defaultDevices []byte
)

func main() {
	flag.Parse()
	ctx := context.Background()

	raw := defaultDevices
	if *configFile != "" {
		b, err := os.ReadFile(*configFile)
		if err != nil {
			glog.Exitf("Failed to read config: %v", err)
		}
		raw = b
	}
	devs, err := config.Parse(raw)
	if err != nil {
		glog.Exitf("Invalid config: %v", err)
	}
	opts := impl.Opts{Devices: devs, ListenAddr: *listenAddr}
	if *dtbFile != "" {
		if opts.DeviceTree, err = os.ReadFile(*dtbFile); err != nil {
			glog.Exitf("Failed to read device tree: %v", err)
		}
	}

	results, err := impl.Main(ctx, opts)
	for _, r := range results {
		fmt.Println(r)
	}
	if err != nil {
		glog.Exit(err.Error())
	}
}
