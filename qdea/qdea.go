// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package qdea implements distributed entropy aggregation: shares are
// requested from a cluster of servers, audited, and XOR mixed so that the
// output is uniform as long as one accepted share is.
package qdea

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/xor"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/internal/instrument"
)

// minShareSize is the smallest share requested from a server, so that
// the audit has enough samples to work with.
const minShareSize = 64

// ErrQuorumUnavailable is the error returned when too few servers
// contributed acceptable shares. It is transient and may be retried.
var ErrQuorumUnavailable = errors.New("qdea: quorum unavailable")

// Source is an entropy source backed by a ServerCluster.
type Source struct {
	sync.Mutex

	id        string
	serverURL string
	token     string

	cluster      *ServerCluster
	quorum       int
	shareTimeout time.Duration

	log     *logging.Logger
	auditor *auditor
	flagged map[int]error

	// vouched holds the servers that passed a first contact challenge.
	vouched map[int]bool
}

// New returns a QDEA source drawing from cluster.
func New(cfg *config.QDEASource, cluster *ServerCluster, logBackend *log.Backend) (*Source, error) {
	a, err := newAuditor()
	if err != nil {
		return nil, err
	}
	quorum := cfg.Quorum
	if quorum == 0 {
		quorum = cluster.Config().NumMaliciousServers + 1
	}
	if quorum > len(cluster.Servers()) {
		return nil, fmt.Errorf("qdea: quorum %d exceeds cluster size %d", quorum, len(cluster.Servers()))
	}
	return &Source{
		id:           cfg.ID,
		serverURL:    cfg.ServerURL,
		token:        cfg.Token,
		cluster:      cluster,
		quorum:       quorum,
		shareTimeout: time.Duration(cfg.ShareTimeout) * time.Second,
		log:          logBackend.GetLogger("qdea/" + cfg.ID),
		auditor:      a,
		flagged:      make(map[int]error),
		vouched:      make(map[int]bool),
	}, nil
}

func (s *Source) ID() string {
	return s.id
}

// Quorum returns the number of accepted shares Generate requires.
func (s *Source) Quorum() int {
	return s.quorum
}

// Flagged returns the indexes of the servers excluded for misbehaving.
func (s *Source) Flagged() []int {
	s.Lock()
	defer s.Unlock()

	idx := make([]int, 0, len(s.flagged))
	for i := range s.flagged {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Generate requests a share from every server that has not been flagged,
// audits the replies and returns the XOR of every accepted share. A
// server contacted for the first time also answers a challenge request,
// which is audited and discarded, so that a server replaying its output
// is caught before any of its shares is mixed.
func (s *Source) Generate(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("qdea: invalid request size %d", n)
	}
	shareSize := max(n, minShareSize)

	s.Lock()
	var servers []*Server
	var vouched []bool
	for _, srv := range s.cluster.Servers() {
		if _, bad := s.flagged[srv.Index()]; !bad {
			servers = append(servers, srv)
			vouched = append(vouched, s.vouched[srv.Index()])
		}
	}
	s.Unlock()

	if len(servers) < s.quorum {
		instrument.SourceFailure(s.id)
		return nil, fmt.Errorf("%w: %d eligible servers, quorum is %d", ErrQuorumUnavailable, len(servers), s.quorum)
	}

	shares := make([][]byte, len(servers))
	challenges := make([][]byte, len(servers))
	var g errgroup.Group
	for i, srv := range servers {
		g.Go(func() error {
			reqCtx := ctx
			if s.shareTimeout > 0 {
				var cancel context.CancelFunc
				reqCtx, cancel = context.WithTimeout(ctx, s.shareTimeout)
				defer cancel()
			}
			share, err := srv.RequestShare(reqCtx, shareSize)
			if err != nil {
				s.log.Debugf("Server %d: no share: %v", srv.Index(), err)
				return nil
			}
			if !vouched[i] {
				challenge, err := srv.RequestShare(reqCtx, shareSize)
				if err != nil {
					s.log.Debugf("Server %d: no challenge share: %v", srv.Index(), err)
					clear(share)
					return nil
				}
				challenges[i] = challenge
			}
			shares[i] = share
			return nil
		})
	}
	_ = g.Wait()

	s.Lock()
	defer s.Unlock()

	out := make([]byte, shareSize)
	accepted := 0
	for i, share := range shares {
		if share == nil {
			continue
		}
		idx := servers[i].Index()
		err := s.auditor.audit(share, shareSize)
		if err == nil && challenges[i] != nil {
			err = s.auditor.audit(challenges[i], shareSize)
		}
		clear(challenges[i])
		if err != nil {
			clear(share)
			s.flagged[idx] = err
			instrument.ShareRejected(idx)
			s.log.Warningf("Server %d flagged as malicious: %v", idx, err)
			continue
		}
		s.vouched[idx] = true
		xor.Bytes(out, out, share)
		clear(share)
		accepted++
	}

	if accepted < s.quorum {
		clear(out)
		instrument.SourceFailure(s.id)
		return nil, fmt.Errorf("%w: %d accepted shares, quorum is %d", ErrQuorumUnavailable, accepted, s.quorum)
	}
	instrument.SourceBytes(s.id, n)
	s.log.Debugf("Mixed %d shares into %d bytes", accepted, n)
	return out[:n], nil
}
