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

package intake

import (
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// responseExcerptLimit bounds how much of an error response body is kept for
// logging
const responseExcerptLimit = 1024

// streamResult carries the outcome of an intake request once it completes
type streamResult struct {
	status string
	code   int
	body   []byte
	err    error
}

// Connection delivers serialized telemetry events to the intake endpoint
// over one chunked POST stream at a time, opening lazily on the first write
// and closing when flushed, when the configured byte threshold is reached,
// or when the configured request time expires
//
// Write and Flush are safe to call from any goroutine and never return an
// error: delivery failures are logged and the connection returns to idle, so
// a telemetry outage can never destabilise the instrumented application
type Connection struct {
	// Constructor
	config   *Factory
	client   *http.Client
	metadata []byte
	logger   *logging.Logger

	// mutex guards the stream state, the active encoder and the counters as
	// one atomic unit; config and metadata are immutable and read lock-free
	mutex      sync.Mutex
	generation uint64
	encoder    *StreamEncoder
	watchdog   *time.Timer
	resultChan chan *streamResult

	streamsOpened    uint64
	streamsCompleted uint64
	eventsWritten    uint64
	deliveryErrors   uint64
	bytesSent        int64
}

// Status reports connection activity for the status API
type Status struct {
	Streaming        bool   `json:"streaming"`
	StreamsOpened    uint64 `json:"streams_opened"`
	StreamsCompleted uint64 `json:"streams_completed"`
	EventsWritten    uint64 `json:"events_written"`
	DeliveryErrors   uint64 `json:"delivery_errors"`
	BytesSent        int64  `json:"bytes_sent"`
}

// Write appends one serialized event to the intake stream, opening a new
// stream if none is open
// When sending is disabled this is a no-op and no network activity occurs
func (c *Connection) Write(event []byte) {
	if c.config.DisableSend {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.encoder == nil {
		if !c.openStream() {
			return
		}
	}

	if err := c.appendLine(event); err != nil {
		c.failStream(err)
		return
	}

	c.eventsWritten++

	if c.encoder.Bytes() >= c.config.APIRequestSize {
		// Size threshold reached; routine close, same path as Flush
		c.closeStream()
	}
}

// Flush closes the current stream, waiting until the final bytes are on the
// wire and the response consumed
// Flushing an idle connection is a no-op; safe to call from any goroutine
func (c *Connection) Flush() {
	if c.config.DisableSend {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.encoder == nil {
		return
	}

	c.closeStream()
}

// Status returns the current connection counters
func (c *Connection) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	status := Status{
		Streaming:        c.encoder != nil,
		StreamsOpened:    c.streamsOpened,
		StreamsCompleted: c.streamsCompleted,
		EventsWritten:    c.eventsWritten,
		DeliveryErrors:   c.deliveryErrors,
		BytesSent:        c.bytesSent,
	}
	if c.encoder != nil {
		status.BytesSent += c.encoder.Bytes()
	}

	return status
}

// openStream starts a new chunked intake request and writes the metadata
// line, arming the request time watchdog
// Returns false if the stream could not be opened; the failure is logged and
// the connection remains idle
func (c *Connection) openStream() bool {
	bodyReader, bodyWriter := io.Pipe()

	request, err := http.NewRequest("POST", c.config.intakeURL, bodyReader)
	if err != nil {
		bodyWriter.Close()
		bodyReader.Close()
		c.deliveryErrors++
		c.logger.Errorf("Failed to open intake stream to %s: %s", c.config.intakeURL, err)
		return false
	}

	request.Header.Set("Content-Type", "application/x-ndjson")
	request.Header.Set("User-Agent", userAgent())
	if c.config.HTTPCompression {
		request.Header.Set("Content-Encoding", "gzip")
	}
	if c.config.SecretToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.config.SecretToken)
	}

	resultChan := make(chan *streamResult, 1)
	go c.performRequest(request, resultChan)

	c.generation++
	generation := c.generation
	c.encoder = NewStreamEncoder(bodyWriter, c.config.HTTPCompression)
	c.resultChan = resultChan
	c.watchdog = time.AfterFunc(c.config.APIRequestTime, func() {
		c.expireStream(generation)
	})
	c.streamsOpened++

	// Metadata always leads the stream; flushing it also forces the
	// connection open so transport failures surface on the first write
	if err := c.appendLine(c.metadata); err != nil {
		c.failStream(err)
		return false
	}

	return true
}

// performRequest runs the intake request and reports the outcome
// The response body is drained so the connection can be reused
func (c *Connection) performRequest(request *http.Request, resultChan chan<- *streamResult) {
	response, err := c.client.Do(request)
	if err != nil {
		resultChan <- &streamResult{err: err}
		return
	}

	body, _ := ioutil.ReadAll(io.LimitReader(response.Body, responseExcerptLimit))
	io.Copy(ioutil.Discard, response.Body)
	response.Body.Close()

	resultChan <- &streamResult{status: response.Status, code: response.StatusCode, body: body}
}

// appendLine writes one NDJSON line through the encoder and flushes so the
// byte count tracks the wire
func (c *Connection) appendLine(line []byte) error {
	if err := c.encoder.Append(line); err != nil {
		return err
	}
	if err := c.encoder.Append([]byte{'\n'}); err != nil {
		return err
	}
	return c.encoder.Flush()
}

// expireStream is called by the watchdog when the request time is exceeded
// The generation check ensures a timer armed for a previous stream can never
// close the stream that replaced it
func (c *Connection) expireStream(generation uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.encoder == nil || generation != c.generation {
		return
	}

	c.closeStream()
}

// closeStream gracefully finalises the stream body and consumes the result
func (c *Connection) closeStream() {
	closeErr := c.encoder.Close()
	c.finishStream(<-c.resultChan, closeErr)
}

// failStream abandons a stream whose body writes have failed
// The request outcome takes precedence when the transport holds the real
// cause; a failed write on an otherwise successful request is still a
// delivery failure as the events never reached the wire
func (c *Connection) failStream(appendErr error) {
	c.finishStream(<-c.resultChan, appendErr)
}

// finishStream logs the stream outcome and returns the connection to idle
func (c *Connection) finishStream(result *streamResult, localErr error) {
	c.watchdog.Stop()

	switch {
	case result.err != nil:
		c.deliveryErrors++
		c.logger.Errorf("Failed to deliver events to %s: %s", c.config.intakeURL, result.err)
	case result.code < 200 || result.code > 299:
		c.deliveryErrors++
		c.logger.Errorf("Unexpected status from %s: %s [Body: %s]", c.config.intakeURL, result.status, result.body)
	case localErr != nil:
		c.deliveryErrors++
		c.logger.Errorf("Failed to deliver events to %s: %s", c.config.intakeURL, localErr)
	default:
		c.streamsCompleted++
		c.logger.Debugf("Completed intake request to %s (%d bytes)", c.config.intakeURL, c.encoder.Bytes())
	}

	c.bytesSent += c.encoder.Bytes()
	c.encoder = nil
	c.watchdog = nil
	c.resultChan = nil
}
