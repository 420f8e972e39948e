// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
)

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func eaasServer(t *testing.T, token string, short bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != entropyPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		n, err := strconv.Atoi(r.URL.Query().Get("size"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if short {
			n /= 2
		}
		// Split the reply over two chunks.
		half := n / 2
		a := bytes.Repeat([]byte{0xa5}, half)
		b := bytes.Repeat([]byte{0x5a}, n-half+7)
		json.NewEncoder(w).Encode(entropyResponse{
			Entropy: []string{
				base64.StdEncoding.EncodeToString(a),
				base64.StdEncoding.EncodeToString(b),
			},
		})
	}))
}

func TestEaaSSource(t *testing.T) {
	require := require.New(t)

	srv := eaasServer(t, "dummy_token", false)
	defer srv.Close()

	logFile := filepath.Join(t.TempDir(), "eaas.log")
	s, err := NewEaaSSource(&config.RandomSource{
		ID:       "eaas",
		Endpoint: srv.URL,
		Token:    "dummy_token",
		LogPath:  logFile,
		Timeout:  5,
	}, testBackend(t))
	require.NoError(err)
	defer s.Close()

	b, err := s.Generate(context.Background(), 100)
	require.NoError(err)
	require.Len(b, 100, "never more than requested")
	require.Equal(byte(0xa5), b[0])
	require.Equal(byte(0x5a), b[99])
}

func TestEaaSSourceFailures(t *testing.T) {
	t.Run("bad token", func(t *testing.T) {
		srv := eaasServer(t, "right", false)
		defer srv.Close()

		s, err := NewEaaSSource(&config.RandomSource{ID: "eaas", Endpoint: srv.URL, Token: "wrong"}, testBackend(t))
		require.NoError(t, err)
		_, err = s.Generate(context.Background(), 32)
		require.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("short response", func(t *testing.T) {
		srv := eaasServer(t, "tok", true)
		defer srv.Close()

		s, err := NewEaaSSource(&config.RandomSource{ID: "eaas", Endpoint: srv.URL, Token: "tok"}, testBackend(t))
		require.NoError(t, err)
		_, err = s.Generate(context.Background(), 1000)
		require.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-block:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(block)

		s, err := NewEaaSSource(&config.RandomSource{ID: "eaas", Endpoint: srv.URL, Token: "tok"}, testBackend(t))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = s.Generate(ctx, 32)
		require.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("missing certificate", func(t *testing.T) {
		_, err := NewEaaSSource(&config.RandomSource{
			ID:       "eaas",
			Endpoint: "api-eus.qrypt.com",
			Token:    "tok",
			CertPath: filepath.Join(t.TempDir(), "missing.pem"),
		}, testBackend(t))
		require.Error(t, err)
	})
}

func TestTestSource(t *testing.T) {
	require := require.New(t)

	s := NewTestSourceFromReader("fixture", bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	b, err := s.Generate(context.Background(), 16)
	require.NoError(err)
	require.Equal(bytes.Repeat([]byte{7}, 16), b)

	s.FailNext(2)
	_, err = s.Generate(context.Background(), 16)
	require.ErrorIs(err, ErrSourceUnavailable)
	_, err = s.Generate(context.Background(), 16)
	require.ErrorIs(err, ErrSourceUnavailable)
	_, err = s.Generate(context.Background(), 16)
	require.NoError(err)

	s.SetFailing(true)
	_, err = s.Generate(context.Background(), 1)
	require.ErrorIs(err, ErrSourceUnavailable)

	calls, served := s.Calls()
	require.Equal(5, calls)
	require.Equal(32, served)

	var _ Source = NewTestSource("random")
	var _ Source = (*EaaSSource)(nil)
}
