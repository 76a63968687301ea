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

// Package http serves the state of emulated co-processors.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/AsahiLinux/m1n1-sub000/internal/emulator"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

const (
	// HTTPGetDevices lists the device names.
	HTTPGetDevices = "/iop/v0/devices"
	// HTTPGetStatus returns the status of one device. The placeholder is
	// the device name.
	HTTPGetStatus = "/iop/v0/devices/%s/status"
)

// Fleet is the set of devices being served.
type Fleet interface {
	// Names returns the device names, sorted.
	Names() []string
	// Status returns the state of the named device.
	Status(name string) (emulator.Status, bool)
}

// Server serves a Fleet.
type Server struct {
	f Fleet
}

// NewServer creates a new server.
func NewServer(f Fleet) *Server {
	return &Server{f: f}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to convert to JSON: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/json")
	if _, err := w.Write(b); err != nil {
		glog.Errorf("w.Write(): %v", err)
	}
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.f.Names())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	st, ok := s.f.Status(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown device %q", name), http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

// RegisterHandlers registers HTTP handlers for the status endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc(HTTPGetDevices, s.getDevices).Methods("GET")
	r.HandleFunc(fmt.Sprintf(HTTPGetStatus, "{name:[a-zA-Z0-9-]+}"), s.getStatus).Methods("GET")
}
