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

package metadata

import (
	"encoding/json"
	"os"
	"runtime"
	"strings"

	"github.com/driskell/apm-courier/ac-lib/config"
	"github.com/driskell/apm-courier/ac-lib/core"
)

// Agent identifies this agent to the intake endpoint
type Agent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Language describes the language the instrumented service runs on
type Language struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Runtime describes the runtime the instrumented service runs on
type Runtime struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Service describes the instrumented service
type Service struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Agent       Agent    `json:"agent"`
	Language    Language `json:"language"`
	Runtime     Runtime  `json:"runtime"`
}

// System describes the host the agent runs on
type System struct {
	Hostname     string `json:"hostname"`
	Architecture string `json:"architecture"`
	Platform     string `json:"platform"`
}

// Process describes the running process
type Process struct {
	Pid   int    `json:"pid"`
	Title string `json:"title,omitempty"`
}

// Document is the metadata document sent as the first line of every intake
// stream
type Document struct {
	Service Service `json:"service"`
	System  System  `json:"system"`
	Process Process `json:"process"`
}

// Builder produces the serialized metadata document for intake streams
// The contents are resolved once at creation and never change
type Builder struct {
	document Document
}

// NewBuilder creates a metadata builder from the general configuration
func NewBuilder(general *config.General) *Builder {
	goVersion := strings.TrimPrefix(runtime.Version(), "go")

	return &Builder{
		document: Document{
			Service: Service{
				Name:        general.ServiceName,
				Version:     general.ServiceVersion,
				Environment: general.Environment,
				Agent: Agent{
					Name:    core.APMCourierAgentName,
					Version: core.APMCourierVersion,
				},
				Language: Language{
					Name:    "go",
					Version: goVersion,
				},
				Runtime: Runtime{
					Name:    "go",
					Version: goVersion,
				},
			},
			System: System{
				Hostname:     general.Host,
				Architecture: runtime.GOARCH,
				Platform:     runtime.GOOS,
			},
			Process: Process{
				Pid:   os.Getpid(),
				Title: os.Args[0],
			},
		},
	}
}

// Document returns the metadata document contents
func (b *Builder) Document() Document {
	return b.document
}

// Serialize returns the metadata document as a single JSON line, ready to be
// written as the first line of an intake stream
func (b *Builder) Serialize() ([]byte, error) {
	return json.Marshal(struct {
		Metadata Document `json:"metadata"`
	}{Metadata: b.document})
}
