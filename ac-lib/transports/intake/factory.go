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
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driskell/apm-courier/ac-lib/config"
	"gopkg.in/op/go-logging.v1"
)

const (
	defaultAPIRequestTime   time.Duration = 10 * time.Second
	defaultAPIRequestSize   int64         = 768 * 1024
	defaultConnectTimeout   time.Duration = 30 * time.Second
	defaultHTTPCompression  bool          = true
	defaultVerifyServerCert bool          = true

	// intakePath is the fixed events resource on the intake endpoint
	intakePath = "/intake/v2/events"

	// Default to TLS 1.2 minimum, supported since Go 1.2
	defaultMinTLSVersion = tls.VersionTLS12
)

// Serializer produces the metadata document that leads every intake stream
// It is called exactly once, when the connection is created
type Serializer interface {
	Serialize() ([]byte, error)
}

// Factory holds the resolved intake configuration
// It allows creation of Connection instances that use this configuration
type Factory struct {
	APIRequestSize   int64         `config:"api request size"`
	APIRequestTime   time.Duration `config:"api request time"`
	ConnectTimeout   time.Duration `config:"connect timeout"`
	DisableSend      bool          `config:"disable send"`
	HTTPCompression  bool          `config:"http compression"`
	SecretToken      string        `config:"secret token"`
	ServerURL        string        `config:"server url"`
	SSLCA            string        `config:"ssl ca"`
	VerifyServerCert bool          `config:"verify server cert"`

	// Internal
	intakeURL string
	caList    []*x509.Certificate
}

// Validate the configuration and resolve the intake URL
func (f *Factory) Validate(p *config.Parser, path string) (err error) {
	if f.ServerURL == "" {
		return fmt.Errorf("%s/server url must be specified", path)
	}

	serverURL, err := url.Parse(f.ServerURL)
	if err != nil {
		return fmt.Errorf("%s/server url is not a valid URL: %s", path, err)
	}
	if serverURL.Scheme != "http" && serverURL.Scheme != "https" {
		return fmt.Errorf("%s/server url must be an http or https URL", path)
	}

	f.intakeURL = strings.TrimSuffix(f.ServerURL, "/") + intakePath

	if f.SSLCA != "" {
		if serverURL.Scheme != "https" {
			return fmt.Errorf("%s/ssl ca is not supported for a non-https server url", path)
		}
		if f.caList, err = addCertificates(f.caList, f.SSLCA); err != nil {
			return fmt.Errorf("Failure loading %s/ssl ca: %s", path, err)
		}
	}

	if f.APIRequestTime <= 0 {
		return fmt.Errorf("%s/api request time must be greater than 0", path)
	}
	if f.APIRequestSize <= 0 {
		return fmt.Errorf("%s/api request size must be greater than 0", path)
	}
	if f.ConnectTimeout <= 0 {
		return fmt.Errorf("%s/connect timeout must be greater than 0", path)
	}

	return nil
}

// NewConnection creates an idle intake connection that obeys this
// configuration, with the metadata document resolved once from the given
// serializer and delivery failures reported through the given logger
func (f *Factory) NewConnection(serializer Serializer, logger *logging.Logger) (*Connection, error) {
	metadata, err := serializer.Serialize()
	if err != nil {
		return nil, fmt.Errorf("Failed to serialize intake metadata: %s", err)
	}

	tlsConfig := &tls.Config{
		MinVersion: defaultMinTLSVersion,
	}

	if !f.VerifyServerCert {
		// Caller-opted security downgrade, never the default
		tlsConfig.InsecureSkipVerify = true
	}

	if len(f.caList) != 0 {
		certPool := x509.NewCertPool()
		for _, cert := range f.caList {
			certPool.AddCert(cert)
		}
		tlsConfig.RootCAs = certPool
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: f.ConnectTimeout,
			}).DialContext,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: f.ConnectTimeout,
			// A server that swallows the stream but never answers must not
			// hold the connection lock indefinitely
			ResponseHeaderTimeout: f.ConnectTimeout,
		},
	}

	return &Connection{
		config:   f,
		client:   client,
		metadata: metadata,
		logger:   logger,
	}, nil
}

// addCertificates loads PEM certificates from the given file into the list
func addCertificates(certificateList []*x509.Certificate, file string) ([]*x509.Certificate, error) {
	pemdata, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, err
	}
	rest := pemdata
	var block *pem.Block
	var pemBlockNum = 1
	for {
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("block %d does not contain a certificate", pemBlockNum)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate in block %d", pemBlockNum)
		}
		certificateList = append(certificateList, cert)
		pemBlockNum++
	}
	return certificateList, nil
}

func init() {
	config.RegisterSection("intake", func() interface{} {
		return &Factory{
			APIRequestSize:   defaultAPIRequestSize,
			APIRequestTime:   defaultAPIRequestTime,
			ConnectTimeout:   defaultConnectTimeout,
			HTTPCompression:  defaultHTTPCompression,
			VerifyServerCert: defaultVerifyServerCert,
		}
	})
}
