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

package main

import (
	"bufio"
	"os"

	"github.com/driskell/apm-courier/ac-lib/admin"
	"github.com/driskell/apm-courier/ac-lib/core"
	"github.com/driskell/apm-courier/ac-lib/metadata"
	"github.com/driskell/apm-courier/ac-lib/transports/intake"
	"gopkg.in/op/go-logging.v1"
)

// maxEventLength bounds the size of a single event line read from stdin
const maxEventLength = 1024 * 1024

var app *core.App

func main() {
	app = core.NewApp("APM Courier", "apm-courier", core.APMCourierVersion)
	app.StartUp()

	log := logging.MustGetLogger("apm-courier")

	builder := metadata.NewBuilder(app.Config().General())
	factory := app.Config().Section("intake").(*intake.Factory)

	connection, err := factory.NewConnection(builder, logging.MustGetLogger("intake"))
	if err != nil {
		log.Fatalf("Failed to initialise the intake connection: %s", err)
	}

	// Deliver anything pending before we exit
	app.OnShutdown(connection.Flush)

	adminConfig := app.Config().Section("admin").(*admin.Config)
	if adminConfig.Enabled {
		server := admin.NewServer(adminConfig)
		server.SetEntry("intake", func() interface{} {
			return connection.Status()
		})
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start the REST admin: %s", err)
		}
		app.OnShutdown(server.Stop)
	}

	// Ship pre-serialized events from stdin, one JSON document per line
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventLength)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			event := make([]byte, len(line))
			copy(event, line)
			connection.Write(event)
		}

		if err := scanner.Err(); err != nil {
			log.Errorf("Failed to read events from stdin: %s", err)
		}

		app.Stop()
	}()

	app.Run()
}
