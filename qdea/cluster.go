// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package qdea

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/entropic/config"
)

var (
	// ErrServerOffline is the error returned by a server that is not
	// part of the active cluster.
	ErrServerOffline = errors.New("qdea: server offline")

	// ErrServerExhausted is the error returned by a server whose finite
	// test pool has been drained.
	ErrServerExhausted = errors.New("qdea: server pool exhausted")
)

// Role is the behaviour of a simulated server.
type Role int

const (
	// Honest servers return fresh random shares.
	Honest Role = iota

	// FailStop servers never answer; requests block until cancelled.
	FailStop

	// Malicious servers answer with adversarial shares.
	Malicious

	// Offline servers refuse every request.
	Offline
)

func (r Role) String() string {
	switch r {
	case Honest:
		return "honest"
	case FailStop:
		return "fail-stop"
	case Malicious:
		return "malicious"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("[unknown role: %d]", int(r))
	}
}

type malice int

const (
	maliceConstant malice = iota
	maliceReplay
	malicePattern
	numMalice
)

var maliciousPattern = []byte{0xde, 0xad, 0xbe, 0xef}

// ServerStats is the per server accounting.
type ServerStats struct {
	Index    int
	Role     Role
	Requests int
	Served   int
}

// Server is one simulated entropy delivery server.
type Server struct {
	sync.Mutex

	index  int
	role   Role
	malice malice

	limited   bool
	remaining int

	first    []byte
	requests int
	served   int
}

// Index returns the position of the server in its cluster.
func (s *Server) Index() int {
	return s.index
}

// Role returns the behaviour of the server.
func (s *Server) Role() Role {
	return s.role
}

// RequestShare asks the server for a share of n bytes.
func (s *Server) RequestShare(ctx context.Context, n int) ([]byte, error) {
	s.Lock()
	s.requests++
	role := s.role
	s.Unlock()

	switch role {
	case Offline:
		return nil, ErrServerOffline
	case FailStop:
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	if s.limited {
		if n > s.remaining {
			return nil, ErrServerExhausted
		}
		s.remaining -= n
	}

	var share []byte
	if role == Malicious {
		share = s.adversarialShare(n)
	} else {
		share = make([]byte, n)
		if _, err := io.ReadFull(rand.Reader, share); err != nil {
			return nil, err
		}
	}
	s.served += n
	return share, nil
}

func (s *Server) adversarialShare(n int) []byte {
	switch s.malice {
	case maliceConstant:
		return bytes.Repeat([]byte{0xff}, n)
	case maliceReplay:
		if s.first == nil {
			s.first = make([]byte, n)
			if _, err := io.ReadFull(rand.Reader, s.first); err != nil {
				panic("qdea: BUG: entropy read failed: " + err.Error())
			}
		}
		share := make([]byte, n)
		for i := 0; i < n; i += len(s.first) {
			copy(share[i:], s.first)
		}
		return share
	default:
		share := make([]byte, n)
		for i := range share {
			share[i] = maliciousPattern[i%len(maliciousPattern)]
		}
		return share
	}
}

func (s *Server) stats() ServerStats {
	s.Lock()
	defer s.Unlock()
	return ServerStats{
		Index:    s.index,
		Role:     s.role,
		Requests: s.requests,
		Served:   s.served,
	}
}

// ServerCluster is a simulated set of entropy delivery servers. Servers
// are assigned roles by index: the active servers first, then the
// fail-stop servers, then the malicious servers and the rest are offline.
type ServerCluster struct {
	cfg     config.ServerCluster
	servers []*Server
}

// NewServerCluster builds the cluster described by cfg.
func NewServerCluster(cfg *config.ServerCluster) (*ServerCluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &ServerCluster{
		cfg:     *cfg,
		servers: make([]*Server, cfg.NumLogicalBlastServers),
	}

	failStopStart := cfg.NumActiveLogicalBlastServers
	maliciousStart := failStopStart + cfg.NumFailStopServers
	offlineStart := maliciousStart + cfg.NumMaliciousServers
	for i := range c.servers {
		s := &Server{
			index:     i,
			limited:   cfg.UseTestWithPool,
			remaining: cfg.PoolSize,
		}
		switch {
		case i < failStopStart:
			s.role = Honest
		case i < maliciousStart:
			s.role = FailStop
		case i < offlineStart:
			s.role = Malicious
			s.malice = malice(i-maliciousStart) % numMalice
		default:
			s.role = Offline
		}
		c.servers[i] = s
	}
	return c, nil
}

// Servers returns every server of the cluster.
func (c *ServerCluster) Servers() []*Server {
	return c.servers
}

// Config returns the cluster configuration.
func (c *ServerCluster) Config() config.ServerCluster {
	return c.cfg
}

// Stats returns the accounting of every server.
func (c *ServerCluster) Stats() []ServerStats {
	st := make([]ServerStats, 0, len(c.servers))
	for _, s := range c.servers {
		st = append(st, s.stats())
	}
	return st
}
