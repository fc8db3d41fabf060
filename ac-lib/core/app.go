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
	"flag"
	"fmt"
	golog "log"
	"os"

	"github.com/driskell/apm-courier/ac-lib/config"
	"gopkg.in/op/go-logging.v1"
)

// App represents a courier application
type App struct {
	name          string
	binName       string
	version       string
	configFile    string
	config        *config.Config
	signalChan    chan os.Signal
	logFile       *fileLogBackend
	shutdownFuncs []func()
}

// NewApp creates a new courier application
func NewApp(name, binName, version string) *App {
	return &App{
		name:       name,
		binName:    binName,
		version:    version,
		signalChan: make(chan os.Signal, 1),
	}
}

// StartUp processes the command line arguments, loads the configuration and
// sets up logging
func (a *App) StartUp() {
	var version bool
	var configDebug bool
	var configTest bool

	flag.BoolVar(&version, "version", false, "Show version information")
	flag.BoolVar(&configDebug, "config-debug", false, "Enable configuration parsing debug logs on the console")
	flag.BoolVar(&configTest, "config-test", false, "Test the configuration specified by -config")
	flag.StringVar(&a.configFile, "config", config.DefaultConfigurationFile, "The configuration file to load")

	flag.Parse()

	if version {
		fmt.Printf("%s version %s\n", a.name, a.version)
		os.Exit(0)
	}

	if a.configFile == "" {
		fmt.Fprintf(os.Stderr, "Please specify a configuration file with -config.\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Enable config logging if requested
	if configDebug {
		logging.SetLevel(logging.DEBUG, "config")
	}

	err := a.loadConfig()

	if configTest {
		if err == nil {
			fmt.Printf("Configuration OK\n")
			os.Exit(0)
		}
		fmt.Printf("Configuration test failed: %s\n", err)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Configuration error: %s\n", err)
		os.Exit(1)
	}

	if err = a.configureLogging(); err != nil {
		fmt.Printf("Failed to initialise logging: %s", err)
		os.Exit(1)
	}
}

// Run the application until a shutdown signal is received, then run the
// registered shutdown functions before returning
func (a *App) Run() {
	a.registerSignals()

	log.Notice("%s version %s ready", a.name, a.version)

SignalLoop:
	for {
		select {
		case signal := <-a.signalChan:
			if signal == nil || isShutdownSignal(signal) {
				a.cleanShutdown()
				break SignalLoop
			}

			a.ReloadConfig()
		}
	}

	log.Notice("Exiting")

	if a.logFile != nil {
		a.logFile.Close()
	}
}

// Stop requests the application to start shutting down
func (a *App) Stop() {
	close(a.signalChan)
}

// OnShutdown registers a function to run during clean shutdown, in the order
// registered
func (a *App) OnShutdown(f func()) {
	a.shutdownFuncs = append(a.shutdownFuncs, f)
}

// Config returns the configuration
func (a *App) Config() *config.Config {
	return a.config
}

// Version returns the application version
func (a *App) Version() string {
	return a.version
}

// configureLogging enables the available logging backends
func (a *App) configureLogging() (err error) {
	backends := make([]logging.Backend, 0, 2)

	// First, the stdout backend
	if a.config.General().LogStdout {
		backends = append(backends, logging.NewLogBackend(os.Stdout, "", golog.LstdFlags|golog.Lmicroseconds))
	}

	// Log file?
	if a.config.General().LogFile != "" {
		a.logFile, err = newFileLogBackend(a.config.General().LogFile, "", golog.LstdFlags|golog.Lmicroseconds)
		if err != nil {
			return
		}

		backends = append(backends, a.logFile)
	}

	// Set backends BEFORE log level (or we reset log level)
	logging.SetBackend(backends...)

	// Set the logging level
	logging.SetLevel(a.config.General().LogLevel, "")

	return nil
}

// loadConfig loads the configuration data
func (a *App) loadConfig() error {
	a.config = config.NewConfig()
	return a.config.Load(a.configFile)
}

// ReloadConfig reloads the configuration data and applies the logging
// changes; transport settings require a restart to change
func (a *App) ReloadConfig() error {
	if err := a.loadConfig(); err != nil {
		log.Error("Configuration reload failed: %s", err)
		return err
	}

	log.Notice("Configuration reload successful")

	// Update the log level
	logging.SetLevel(a.config.General().LogLevel, "")

	// Reopen the log file if we specified one
	if a.logFile != nil {
		a.logFile.Reopen()
		log.Notice("Log file reopened")
	}

	return nil
}

// cleanShutdown initiates a clean shutdown of the application
func (a *App) cleanShutdown() {
	log.Notice("Initiating shutdown")

	for _, f := range a.shutdownFuncs {
		f()
	}
}
