// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/internal/instrument"
)

const (
	entropyPath     = "/api/v1/entropy"
	maxResponseSize = 64 << 20
)

type entropyResponse struct {
	Entropy []string `json:"entropy"`
}

// EaaSSource draws entropy from a remote entropy-as-a-service endpoint.
type EaaSSource struct {
	id       string
	endpoint *url.URL
	token    string
	timeout  time.Duration

	client *http.Client
	log    *logging.Logger
	logBk  *log.Backend
}

// NewEaaSSource returns a source for the configured endpoint. When the
// configuration names a log path the source logs there instead of to
// logBackend.
func NewEaaSSource(cfg *config.RandomSource, logBackend *log.Backend) (*EaaSSource, error) {
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("source: invalid endpoint '%v': %v", cfg.Endpoint, err)
	}

	s := &EaaSSource{
		id:       cfg.ID,
		endpoint: u,
		token:    cfg.Token,
		timeout:  time.Duration(cfg.Timeout) * time.Second,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertPath != "" {
		pem, err := os.ReadFile(cfg.CertPath)
		if err != nil {
			return nil, fmt.Errorf("source: failed to read certificate: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("source: no certificates in '%v'", cfg.CertPath)
		}
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}
	s.client = &http.Client{Transport: transport}

	if cfg.LogPath != "" {
		s.logBk, err = log.New(cfg.LogPath, "INFO", false)
		if err != nil {
			return nil, err
		}
		logBackend = s.logBk
	}
	s.log = logBackend.GetLogger("source/" + cfg.ID)
	return s, nil
}

func (s *EaaSSource) ID() string {
	return s.id
}

// Generate fetches n bytes from the endpoint.
func (s *EaaSSource) Generate(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("source: invalid request size %d", n)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	b, err := s.fetch(ctx, n)
	if err != nil {
		instrument.SourceFailure(s.id)
		s.log.Warningf("Draw of %d bytes failed: %v", n, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.id, err)
	}
	instrument.SourceBytes(s.id, n)
	s.log.Debugf("Drew %d bytes", n)
	return b, nil
}

func (s *EaaSSource) fetch(ctx context.Context, n int) ([]byte, error) {
	u := *s.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + entropyPath
	u.RawQuery = url.Values{"size": []string{strconv.Itoa(n)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %v", resp.Status)
	}

	var body entropyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	for _, chunk := range body.Entropy {
		b, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if len(out) < n {
		return nil, errors.New("short response")
	}
	return out[:n], nil
}

// Close releases the per-source log file, if any.
func (s *EaaSSource) Close() error {
	s.client.CloseIdleConnections()
	if s.logBk != nil {
		return s.logBk.Close()
	}
	return nil
}
