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

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/op/go-logging.v1"
)

const (
	defaultGeneralHost        string        = "localhost.localdomain"
	defaultGeneralLogLevel    logging.Level = logging.INFO
	defaultGeneralLogStdout   bool          = true
	defaultGeneralServiceName string        = "apm-courier"
)

// serviceNamePattern constrains service names to characters the intake
// endpoint accepts
var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// General holds the general configuration
type General struct {
	Environment    string        `config:"environment"`
	Host           string        `config:"host"`
	LogFile        string        `config:"log file"`
	LogLevel       logging.Level `config:"log level"`
	LogStdout      bool          `config:"log stdout"`
	ServiceName    string        `config:"service name"`
	ServiceVersion string        `config:"service version"`
}

// Validate the configuration
func (gc *General) Validate(p *Parser, path string) (err error) {
	if !serviceNamePattern.MatchString(gc.ServiceName) {
		err = fmt.Errorf("%s/service name may only contain alphanumeric characters, spaces, underscores and dashes", path)
		return
	}

	if gc.Host == "" {
		ret, hostErr := os.Hostname()
		if hostErr == nil {
			gc.Host = ret
		} else {
			gc.Host = defaultGeneralHost
			log.Warning("Failed to determine the FQDN: %s", hostErr)
			log.Warning("Falling back to using default hostname: %s", gc.Host)
		}
	}

	return
}

// General returns the general configuration
func (c *Config) General() *General {
	return c.Sections["general"].(*General)
}

func init() {
	RegisterSection("general", func() interface{} {
		return &General{
			LogLevel:    defaultGeneralLogLevel,
			LogStdout:   defaultGeneralLogStdout,
			ServiceName: defaultGeneralServiceName,
		}
	})
}
