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
	"compress/gzip"
	"io"
)

// countingWriter wraps the sink and counts the bytes actually emitted to it
type countingWriter struct {
	sink  io.WriteCloser
	bytes int64
}

func (w *countingWriter) Write(data []byte) (int, error) {
	length, err := w.sink.Write(data)
	w.bytes += int64(length)
	return length, err
}

// StreamEncoder feeds an intake stream body, compressing incrementally when
// compression is enabled so arbitrarily long streams never buffer whole in
// memory
type StreamEncoder struct {
	counter    *countingWriter
	compressor *gzip.Writer
}

// NewStreamEncoder wraps the given sink, compressing if requested
func NewStreamEncoder(sink io.WriteCloser, compress bool) *StreamEncoder {
	ret := &StreamEncoder{
		counter: &countingWriter{sink: sink},
	}

	if compress {
		ret.compressor = gzip.NewWriter(ret.counter)
	}

	return ret
}

// Append writes bytes into the stream
func (e *StreamEncoder) Append(data []byte) (err error) {
	if e.compressor != nil {
		_, err = e.compressor.Write(data)
	} else {
		_, err = e.counter.Write(data)
	}
	return
}

// Flush pushes any pending compressed data through to the sink so the byte
// count reflects what is on the wire
func (e *StreamEncoder) Flush() error {
	if e.compressor == nil {
		return nil
	}
	return e.compressor.Flush()
}

// Bytes returns the number of bytes emitted to the sink so far, measured
// after compression when compression is enabled
func (e *StreamEncoder) Bytes() int64 {
	return e.counter.bytes
}

// Close writes the compressor trailer and closes the sink
// Must be called at most once; the connection's close is idempotent so it
// never calls twice
func (e *StreamEncoder) Close() error {
	var err error
	if e.compressor != nil {
		err = e.compressor.Close()
	}
	if closeErr := e.counter.sink.Close(); err == nil {
		err = closeErr
	}
	return err
}
