/*
 * Copyright 2012-2023 Jason Woods and contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/driskell/apm-courier/ac-lib/core"
	"gopkg.in/tylerb/graceful.v1"
)

// StatusCallback returns a status structure for inclusion in the status
// response; it must be safe to call from the request goroutine
type StatusCallback func() interface{}

// Server provides a REST interface for inspecting the agent
type Server struct {
	config    *Config
	version   string
	startTime time.Time
	callbacks map[string]StatusCallback
	listener  net.Listener
	server    *graceful.Server
}

// NewServer creates a new admin server with the given configuration
func NewServer(config *Config) *Server {
	return &Server{
		config:    config,
		version:   core.APMCourierVersion,
		startTime: time.Now(),
		callbacks: make(map[string]StatusCallback),
	}
}

// SetEntry registers a status callback under the given key
// Must be called before Start
func (l *Server) SetEntry(path string, callback StatusCallback) {
	l.callbacks[path] = callback
}

// Start binds the listen address and begins serving requests
func (l *Server) Start() error {
	listener, err := net.Listen("tcp", l.config.Bind)
	if err != nil {
		return err
	}

	l.listener = listener
	l.server = &graceful.Server{
		// We handle shutdown ourselves
		NoSignalHandling: true,
		Server: &http.Server{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				l.handle(w, r)
			}),
		},
	}

	go l.server.Serve(l.listener)

	log.Info("[admin] REST admin now listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listen address
func (l *Server) Addr() net.Addr {
	return l.listener.Addr()
}

// Stop shuts down the server, waiting for in-flight requests to complete
func (l *Server) Stop() {
	l.server.Stop(10 * time.Second)
	<-l.server.StopChan()
	log.Info("[admin] REST administration stopped")
}

func (l *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		l.accessLog(r, http.StatusMethodNotAllowed)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]interface{}{
		"version": l.version,
		"uptime":  time.Since(l.startTime).String(),
		"runtime": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"go version": runtime.Version(),
		},
	}
	for path, callback := range l.callbacks {
		status[path] = callback()
	}

	response, err := json.Marshal(status)
	if err != nil {
		l.accessLog(r, http.StatusInternalServerError)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	l.accessLog(r, http.StatusOK)
	w.Header().Add("Content-Type", "application/json")
	w.Write(response)
}

func (l *Server) accessLog(r *http.Request, c int) {
	log.Debug("[admin] %s %s %d", r.Method, r.URL.Path, c)
}
