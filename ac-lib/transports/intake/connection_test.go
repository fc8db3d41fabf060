package intake

import (
	"compress/gzip"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driskell/apm-courier/ac-lib/config"
	"gopkg.in/op/go-logging.v1"
)

type testSerializer struct {
	data []byte
}

func (s *testSerializer) Serialize() ([]byte, error) {
	return s.data, nil
}

var testMetadata = []byte(`{"metadata":{"service":{"name":"test"}}}`)

type intakeRequest struct {
	header http.Header
	body   []byte
}

type intakeServer struct {
	*httptest.Server

	mutex     sync.Mutex
	requests  []intakeRequest
	active    int
	maxActive int
}

func newIntakeServer(t *testing.T, status int, response string) *intakeServer {
	server := &intakeServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.handle(t, w, r, status, response)
	}))
	return server
}

func newIntakeTLSServer(t *testing.T, status int, response string) *intakeServer {
	server := &intakeServer{}
	server.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.handle(t, w, r, status, response)
	}))
	return server
}

func (s *intakeServer) handle(t *testing.T, w http.ResponseWriter, r *http.Request, status int, response string) {
	s.mutex.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		s.active--
		s.mutex.Unlock()
	}()

	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("Failed to open gzip stream: %s", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reader = gzipReader
	}

	body, err := ioutil.ReadAll(reader)
	if err != nil {
		t.Errorf("Failed to read request body: %s", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mutex.Lock()
	s.requests = append(s.requests, intakeRequest{header: r.Header.Clone(), body: body})
	s.mutex.Unlock()

	w.WriteHeader(status)
	w.Write([]byte(response))
}

func (s *intakeServer) maxActiveRequests() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.maxActive
}

func (s *intakeServer) receivedRequests() []intakeRequest {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	requests := make([]intakeRequest, len(s.requests))
	copy(requests, s.requests)
	return requests
}

func newTestFactory(t *testing.T, serverURL string) *Factory {
	factory := &Factory{
		APIRequestSize:   defaultAPIRequestSize,
		APIRequestTime:   defaultAPIRequestTime,
		ConnectTimeout:   defaultConnectTimeout,
		HTTPCompression:  defaultHTTPCompression,
		VerifyServerCert: defaultVerifyServerCert,
		ServerURL:        serverURL,
	}
	if err := factory.Validate(config.NewParser(config.NewConfig()), "/intake"); err != nil {
		t.Fatalf("Unexpected validation failure: %s", err)
	}
	return factory
}

func newTestConnection(t *testing.T, factory *Factory) (*Connection, *logging.MemoryBackend) {
	backend := logging.NewMemoryBackend(128)
	logger := logging.MustGetLogger("intake-test")
	logger.SetBackend(logging.AddModuleLevel(backend))

	connection, err := factory.NewConnection(&testSerializer{data: testMetadata}, logger)
	if err != nil {
		t.Fatalf("Failed to create connection: %s", err)
	}
	return connection, backend
}

func loggedMessages(backend *logging.MemoryBackend) []string {
	var messages []string
	for node := backend.Head(); node != nil; node = node.Next() {
		messages = append(messages, node.Record.Message())
	}
	return messages
}

func assertLogged(t *testing.T, backend *logging.MemoryBackend, substring string) {
	for _, message := range loggedMessages(backend) {
		if strings.Contains(message, substring) {
			return
		}
	}
	t.Errorf("Expected a log message containing %q, received: %v", substring, loggedMessages(backend))
}

func TestConnectionIdle(t *testing.T) {
	factory := newTestFactory(t, "http://127.0.0.1:1")
	connection, _ := newTestConnection(t, factory)

	status := connection.Status()
	if status.Streaming {
		t.Error("Expected a new connection to be idle")
	}
	if status.StreamsOpened != 0 || status.EventsWritten != 0 || status.BytesSent != 0 {
		t.Errorf("Expected zeroed counters on a new connection, received: %+v", status)
	}

	// Flushing an idle connection must not attempt any network activity
	connection.Flush()

	if status := connection.Status(); status.StreamsOpened != 0 || status.DeliveryErrors != 0 {
		t.Errorf("Expected idle flush to be a no-op, received: %+v", status)
	}
}

func TestConnectionDisableSend(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.DisableSend = true
	connection, _ := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))
	connection.Flush()

	if requests := server.receivedRequests(); len(requests) != 0 {
		t.Errorf("Expected no requests with sending disabled, received %d", len(requests))
	}
	if status := connection.Status(); status.StreamsOpened != 0 || status.EventsWritten != 0 {
		t.Errorf("Expected zeroed counters with sending disabled, received: %+v", status)
	}
}

func TestConnectionWriteFlush(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	connection, _ := newTestConnection(t, factory)

	event := []byte(`{"transaction":{"id":"1234"}}`)
	connection.Write(event)

	if status := connection.Status(); !status.Streaming || status.StreamsOpened != 1 {
		t.Errorf("Expected an open stream after the first write, received: %+v", status)
	}

	connection.Flush()

	requests := server.receivedRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, received %d", len(requests))
	}

	expected := string(testMetadata) + "\n" + string(event) + "\n"
	if string(requests[0].body) != expected {
		t.Errorf("Expected body %q, received %q", expected, requests[0].body)
	}

	if contentType := requests[0].header.Get("Content-Type"); contentType != "application/x-ndjson" {
		t.Errorf("Expected Content-Type application/x-ndjson, received: %s", contentType)
	}
	if encoding := requests[0].header.Get("Content-Encoding"); encoding != "gzip" {
		t.Errorf("Expected Content-Encoding gzip, received: %s", encoding)
	}
	if agent := requests[0].header.Get("User-Agent"); !strings.HasPrefix(agent, "apm-courier/") {
		t.Errorf("Expected User-Agent to identify the agent, received: %s", agent)
	}
	if auth := requests[0].header.Get("Authorization"); auth != "" {
		t.Errorf("Expected no Authorization header without a secret token, received: %s", auth)
	}

	status := connection.Status()
	if status.Streaming || status.StreamsCompleted != 1 || status.EventsWritten != 1 || status.DeliveryErrors != 0 {
		t.Errorf("Expected a completed stream, received: %+v", status)
	}
	if status.BytesSent <= 0 {
		t.Errorf("Expected bytes sent to be tracked, received: %+v", status)
	}
}

func TestConnectionFlushIdempotent(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	connection, _ := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))
	connection.Flush()
	connection.Flush()

	if requests := server.receivedRequests(); len(requests) != 1 {
		t.Errorf("Expected repeated flush to be a no-op, received %d requests", len(requests))
	}
	if status := connection.Status(); status.StreamsOpened != 1 || status.StreamsCompleted != 1 {
		t.Errorf("Expected a single completed stream, received: %+v", status)
	}
}

func TestConnectionSecretToken(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.SecretToken = "sekrit"
	connection, _ := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))
	connection.Flush()

	requests := server.receivedRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, received %d", len(requests))
	}
	if auth := requests[0].header.Get("Authorization"); auth != "Bearer sekrit" {
		t.Errorf("Expected Authorization Bearer sekrit, received: %s", auth)
	}
}

func TestConnectionNoCompression(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.HTTPCompression = false
	connection, _ := newTestConnection(t, factory)

	event := []byte(`{"error":{"id":"5678"}}`)
	connection.Write(event)
	connection.Flush()

	requests := server.receivedRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, received %d", len(requests))
	}
	if encoding := requests[0].header.Get("Content-Encoding"); encoding != "" {
		t.Errorf("Expected no Content-Encoding header, received: %s", encoding)
	}

	expected := string(testMetadata) + "\n" + string(event) + "\n"
	if string(requests[0].body) != expected {
		t.Errorf("Expected body %q, received %q", expected, requests[0].body)
	}
}

func TestConnectionSizeThreshold(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.APIRequestSize = 1
	factory.HTTPCompression = false
	connection, _ := newTestConnection(t, factory)

	// The threshold is checked after each write so the first write should
	// open, send and complete a whole stream
	connection.Write([]byte(`{"span":{}}`))

	if requests := server.receivedRequests(); len(requests) != 1 {
		t.Fatalf("Expected the size threshold to close the stream, received %d requests", len(requests))
	}
	if status := connection.Status(); status.Streaming || status.StreamsCompleted != 1 {
		t.Errorf("Expected a completed stream, received: %+v", status)
	}

	// The next write must open a fresh stream
	connection.Write([]byte(`{"span":{}}`))

	if requests := server.receivedRequests(); len(requests) != 2 {
		t.Errorf("Expected a second stream, received %d requests", len(requests))
	}
	if status := connection.Status(); status.StreamsOpened != 2 || status.EventsWritten != 2 {
		t.Errorf("Expected two streams with one event each, received: %+v", status)
	}
}

func TestConnectionTimeThreshold(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.APIRequestTime = 100 * time.Millisecond
	connection, _ := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))

	deadline := time.Now().Add(5 * time.Second)
	for connection.Status().StreamsCompleted == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected the request time to close the stream, received: %+v", connection.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status := connection.Status(); status.Streaming || status.DeliveryErrors != 0 {
		t.Errorf("Expected a clean time-based close, received: %+v", status)
	}

	// Writing after a time-based close must open a fresh stream
	connection.Write([]byte(`{"span":{}}`))
	connection.Flush()

	if requests := server.receivedRequests(); len(requests) != 2 {
		t.Errorf("Expected a second stream, received %d requests", len(requests))
	}
}

func TestConnectionServerError(t *testing.T) {
	server := newIntakeServer(t, http.StatusInternalServerError, `{"accepted":0}`)
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	connection, backend := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))
	connection.Flush()

	if status := connection.Status(); status.DeliveryErrors != 1 || status.StreamsCompleted != 0 {
		t.Errorf("Expected a delivery error, received: %+v", status)
	}
	if status := connection.Status(); status.Streaming {
		t.Error("Expected the connection to return to idle after a server error")
	}
	assertLogged(t, backend, "Unexpected status")

	// The connection must remain usable
	connection.Write([]byte(`{"span":{}}`))
	connection.Flush()

	if status := connection.Status(); status.StreamsOpened != 2 {
		t.Errorf("Expected a new stream after the error, received: %+v", status)
	}
}

func TestConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to allocate a port: %s", err)
	}
	address := listener.Addr().String()
	listener.Close()

	factory := newTestFactory(t, "http://"+address)
	connection, backend := newTestConnection(t, factory)

	// Write must contain the failure; it never returns an error or panics
	connection.Write([]byte(`{"span":{}}`))

	if status := connection.Status(); status.DeliveryErrors != 1 || status.Streaming {
		t.Errorf("Expected a contained delivery error, received: %+v", status)
	}
	assertLogged(t, backend, "Failed to deliver events")

	connection.Flush()

	if status := connection.Status(); status.DeliveryErrors != 1 {
		t.Errorf("Expected flush after failure to be a no-op, received: %+v", status)
	}
}

func TestConnectionServerStoppedReading(t *testing.T) {
	handlerDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("Expected the response writer to support hijacking")
			return
		}
		conn, buffer, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("Failed to hijack the connection: %s", err)
			return
		}
		// Answer success without reading the body, then drop the socket so
		// further body writes have nowhere to go
		buffer.WriteString("HTTP/1.1 202 Accepted\r\nContent-Length: 0\r\n\r\n")
		buffer.Flush()
		conn.Close()
	}))
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	connection, backend := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))
	<-handlerDone

	// Keep writing until a write lands on the dead stream; a stream whose
	// body writes failed must count as a delivery error even though the
	// request itself reported success
	deadline := time.Now().Add(5 * time.Second)
	for connection.Status().DeliveryErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected a delivery error for the dead stream, received: %+v", connection.Status())
		}
		connection.Write([]byte(`{"span":{}}`))
		time.Sleep(10 * time.Millisecond)
	}

	status := connection.Status()
	if status.StreamsCompleted != 0 {
		t.Errorf("Expected the dead stream not to be reported as completed, received: %+v", status)
	}
	if status.Streaming {
		t.Error("Expected the connection to return to idle")
	}
	assertLogged(t, backend, "Failed to deliver events")
}

func TestConnectionInvalidIntakeURL(t *testing.T) {
	factory := newTestFactory(t, "http://127.0.0.1:1")
	factory.intakeURL = "://missing-scheme"
	connection, backend := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))

	if status := connection.Status(); status.DeliveryErrors != 1 || status.Streaming {
		t.Errorf("Expected a contained open failure, received: %+v", status)
	}
	assertLogged(t, backend, "Failed to open intake stream")
}

func TestConnectionUnresponsiveServer(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ioutil.ReadAll(r.Body)
		<-release
	}))
	defer server.Close()
	defer close(release)

	factory := newTestFactory(t, server.URL)
	factory.ConnectTimeout = 500 * time.Millisecond
	connection, backend := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))

	// Flush must not wait forever on a server that accepts the stream but
	// never answers
	start := time.Now()
	connection.Flush()

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected flush to be time-bounded, took %s", elapsed)
	}
	if status := connection.Status(); status.DeliveryErrors != 1 || status.Streaming {
		t.Errorf("Expected a delivery error for the unresponsive server, received: %+v", status)
	}
	assertLogged(t, backend, "Failed to deliver events")
}

func TestConnectionVerifyServerCert(t *testing.T) {
	server := newIntakeTLSServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	connection, backend := newTestConnection(t, factory)

	connection.Write([]byte(`{"span":{}}`))

	if status := connection.Status(); status.DeliveryErrors != 1 || status.Streaming {
		t.Errorf("Expected a contained verification failure, received: %+v", status)
	}
	assertLogged(t, backend, "certificate")

	if requests := server.receivedRequests(); len(requests) != 0 {
		t.Errorf("Expected no requests to reach the server, received %d", len(requests))
	}
}

func TestConnectionVerifyServerCertDisabled(t *testing.T) {
	server := newIntakeTLSServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.VerifyServerCert = false
	connection, _ := newTestConnection(t, factory)

	event := []byte(`{"span":{}}`)
	connection.Write(event)
	connection.Flush()

	requests := server.receivedRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, received %d", len(requests))
	}

	expected := string(testMetadata) + "\n" + string(event) + "\n"
	if string(requests[0].body) != expected {
		t.Errorf("Expected body %q, received %q", expected, requests[0].body)
	}
	if status := connection.Status(); status.StreamsCompleted != 1 || status.DeliveryErrors != 0 {
		t.Errorf("Expected a completed stream, received: %+v", status)
	}
}

func TestConnectionConcurrentWrites(t *testing.T) {
	server := newIntakeServer(t, http.StatusAccepted, "")
	defer server.Close()

	factory := newTestFactory(t, server.URL)
	factory.APIRequestSize = 256
	factory.HTTPCompression = false
	connection, _ := newTestConnection(t, factory)

	var group sync.WaitGroup
	for i := 0; i < 4; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for j := 0; j < 25; j++ {
				connection.Write([]byte(`{"span":{"id":"concurrent"}}`))
			}
		}()
	}
	group.Wait()

	connection.Flush()

	status := connection.Status()
	if status.EventsWritten != 100 {
		t.Errorf("Expected 100 events written, received: %+v", status)
	}
	if status.DeliveryErrors != 0 {
		t.Errorf("Expected no delivery errors, received: %+v", status)
	}

	// Streams must never overlap: one stream closes fully before the next
	// opens, so the server never sees more than one request in flight
	if max := server.maxActiveRequests(); max != 1 {
		t.Errorf("Expected at most one stream in flight at a time, received %d", max)
	}

	// Every event must arrive exactly once across the streams
	var events int
	for _, request := range server.receivedRequests() {
		lines := strings.Split(strings.TrimSuffix(string(request.body), "\n"), "\n")
		if lines[0] != string(testMetadata) {
			t.Errorf("Expected every stream to lead with metadata, received: %q", lines[0])
		}
		events += len(lines) - 1
	}
	if events != 100 {
		t.Errorf("Expected 100 events delivered, received %d", events)
	}
}
