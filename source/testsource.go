// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/entropic/internal/instrument"
)

// TestSource is a local entropy source for tests and offline use. It can
// be told to fail.
type TestSource struct {
	sync.Mutex

	id       string
	r        io.Reader
	failNext int
	failing  bool
	calls    int
	served   int
}

// NewTestSource returns a TestSource reading from hpqc's system reader.
func NewTestSource(id string) *TestSource {
	return &TestSource{
		id: id,
		r:  rand.Reader,
	}
}

// NewTestSourceFromReader returns a TestSource reading from r.
func NewTestSourceFromReader(id string, r io.Reader) *TestSource {
	return &TestSource{
		id: id,
		r:  r,
	}
}

func (s *TestSource) ID() string {
	return s.id
}

func (s *TestSource) Generate(ctx context.Context, n int) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.id, err)
	}
	if s.failing || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		instrument.SourceFailure(s.id)
		return nil, fmt.Errorf("%w: %s: injected failure", ErrSourceUnavailable, s.id)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.id, err)
	}
	s.served += n
	instrument.SourceBytes(s.id, n)
	return b, nil
}

// FailNext makes the next n calls to Generate fail.
func (s *TestSource) FailNext(n int) {
	s.Lock()
	defer s.Unlock()
	s.failNext = n
}

// SetFailing makes every call to Generate fail until cleared.
func (s *TestSource) SetFailing(failing bool) {
	s.Lock()
	defer s.Unlock()
	s.failing = failing
}

// Calls returns the number of Generate calls and the bytes served.
func (s *TestSource) Calls() (calls, served int) {
	s.Lock()
	defer s.Unlock()
	return s.calls, s.served
}
