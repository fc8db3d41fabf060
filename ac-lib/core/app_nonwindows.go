// +build !windows

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

package core

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignals registers platform specific shutdown signals with the
// shutdown channel and reload signals with the reload channel
func (a *App) registerSignals() {
	// *nix systems support SIGTERM so handle shutdown on that too
	signal.Notify(a.signalChan, os.Interrupt, syscall.SIGTERM)

	// *nix has SIGHUP for reload
	signal.Notify(a.signalChan, syscall.SIGHUP)
}

// isShutdownSignal returns true if the signal provided is a shutdown signal
func isShutdownSignal(signal os.Signal) bool {
	return signal != syscall.SIGHUP
}
