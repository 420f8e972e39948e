// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the post-quantum ratchet session provider.
// The first message to a peer is keyed by a KEM encapsulation, and every
// later message advances the chain with fresh salt withdrawn from the
// entropy cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/internal/instrument"
	"github.com/katzenpost/entropic/keyservice"
)

var (
	// ErrUnknownAlgorithm is the error returned for an unsupported KEM.
	ErrUnknownAlgorithm = errors.New("session: unknown algorithm")

	// ErrSessionAlreadyActive is the error returned by BeginSession when a
	// session is already active.
	ErrSessionAlreadyActive = errors.New("session: session already active")

	// ErrSessionNotActive is the error returned when no session is active.
	ErrSessionNotActive = errors.New("session: no active session")

	// ErrRatchetUninitialized is the error returned when no key material
	// is available for a peer.
	ErrRatchetUninitialized = errors.New("session: ratchet uninitialized")

	// ErrRatchetDesync is the error returned when a message does not
	// carry the next expected sequence number. It ends the session.
	ErrRatchetDesync = errors.New("session: ratchet desynchronized")

	// ErrCannotDecrypt is the error returned when a message fails to
	// authenticate. It ends the session.
	ErrCannotDecrypt = errors.New("session: cannot decrypt")
)

// EntropyCache supplies the salt for ratchet steps.
type EntropyCache interface {
	Withdraw(ctx context.Context, n int) ([]byte, error)
}

// Provider owns the ratchet state of one user.
type Provider struct {
	// lifecycle is held shared by ratchet steps and exclusively by
	// BeginSession and EndSession.
	lifecycle sync.RWMutex
	peers     barrier[string]

	log       *logging.Logger
	keys      keyservice.KeyService
	scheme    kem.Scheme
	algorithm string

	active bool
	userID string
	store  *store
	cache  EntropyCache

	statesMu sync.Mutex
	states   map[string]*RatchetState
}

// CreateSessionProvider returns a Provider using the named hpqc KEM
// scheme for ratchet establishment.
func CreateSessionProvider(keys keyservice.KeyService, algorithm string, logBackend *log.Backend) (*Provider, error) {
	scheme := schemes.ByName(algorithm)
	if scheme == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, algorithm)
	}
	if keys == nil {
		return nil, errors.New("session: no key service")
	}
	return &Provider{
		log:       logBackend.GetLogger("session"),
		keys:      keys,
		scheme:    scheme,
		algorithm: scheme.Name(),
		states:    make(map[string]*RatchetState),
	}, nil
}

// Algorithm returns the KEM scheme name.
func (p *Provider) Algorithm() string {
	return p.algorithm
}

// BeginSession opens the state file at storagePath, loads every
// RatchetState of userID and attaches cache as the salt supplier.
func (p *Provider) BeginSession(userID, storagePath string, cache EntropyCache) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.active {
		return ErrSessionAlreadyActive
	}
	if cache == nil {
		return errors.New("session: no entropy cache")
	}

	s, err := openStore(storagePath)
	if err != nil {
		return fmt.Errorf("session: failed to open state store: %w", err)
	}
	states, err := s.load(userID)
	if err != nil {
		s.close()
		return err
	}

	p.statesMu.Lock()
	p.states = states
	p.statesMu.Unlock()

	p.active = true
	p.userID = userID
	p.store = s
	p.cache = cache
	p.log.Noticef("Session for %s started with %d peers", userID, len(states))
	return nil
}

// EndSession flushes every RatchetState, wipes the in-memory keys, marks
// every state Closed and detaches the cache.
func (p *Provider) EndSession() error {
	return p.endSession("ended")
}

func (p *Provider) endSession(reason string) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.active {
		return ErrSessionNotActive
	}

	p.statesMu.Lock()
	var err error
	for _, st := range p.states {
		if pErr := p.store.put(p.userID, st); pErr != nil && err == nil {
			err = pErr
		}
		st.wipe()
		st.Phase = Closed
	}
	p.statesMu.Unlock()

	if cErr := p.store.close(); cErr != nil && err == nil {
		err = cErr
	}
	p.store = nil
	p.cache = nil
	p.active = false
	instrument.SessionClosed(reason)
	p.log.Noticef("Session for %s %s", p.userID, reason)
	return err
}

// WithSession runs fn inside a session, which is always ended when fn
// returns.
func (p *Provider) WithSession(userID, storagePath string, cache EntropyCache, fn func(*Provider) error) error {
	if err := p.BeginSession(userID, storagePath, cache); err != nil {
		return err
	}
	err := fn(p)
	if endErr := p.EndSession(); endErr != nil && !errors.Is(endErr, ErrSessionNotActive) {
		err = errors.Join(err, endErr)
	}
	return err
}

// Phase returns the ratchet phase with peerID and the number of steps
// taken in both directions.
func (p *Provider) Phase(peerID string) (Phase, uint64) {
	p.statesMu.Lock()
	defer p.statesMu.Unlock()

	st, ok := p.states[peerID]
	if !ok {
		return Uninitialized, 0
	}
	return st.Phase, st.Steps()
}

// stateFor returns a private copy of the state with peerID.
func (p *Provider) stateFor(peerID string) *RatchetState {
	p.statesMu.Lock()
	defer p.statesMu.Unlock()

	if st, ok := p.states[peerID]; ok {
		return st.clone()
	}
	return newRatchetState(peerID)
}

// commit persists st and makes it the current state with its peer.
func (p *Provider) commit(st *RatchetState) error {
	if err := p.store.put(p.userID, st); err != nil {
		return fmt.Errorf("session: failed to persist state: %w", err)
	}

	p.statesMu.Lock()
	defer p.statesMu.Unlock()
	if old, ok := p.states[st.PeerID]; ok {
		old.wipe()
	}
	p.states[st.PeerID] = st
	return nil
}

// EncryptMessage encrypts plaintext for peerID and advances the send
// chain.
func (p *Provider) EncryptMessage(ctx context.Context, peerID string, plaintext []byte) ([]byte, error) {
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if !p.active {
		return nil, ErrSessionNotActive
	}

	p.peers.Lock(peerID)
	defer p.peers.Unlock(peerID)

	pub, sym, err := p.keys.GetRatchetSenderKeyPair(peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRatchetUninitialized, err)
	}
	defer clear(sym)

	st := p.stateFor(peerID)
	hdr := &header{
		Version: wireVersion,
		Seq:     st.SendSeq,
		Length:  uint32(len(plaintext)),
	}

	var ck []byte
	if st.SendChainKey == nil {
		ct, ss, err := p.scheme.Encapsulate(pub)
		if err != nil {
			return nil, fmt.Errorf("session: encapsulation failed: %w", err)
		}
		ck = initialChainKey(ss, sym)
		clear(ss)
		hdr.KEMCiphertext = ct

		if st.SendPublicKey, err = pub.MarshalBinary(); err != nil {
			return nil, err
		}
		p.log.Infof("Established send chain with %s", peerID)
	} else {
		salt, err := p.cache.Withdraw(ctx, KeyDerivationSaltLength)
		if err != nil {
			return nil, fmt.Errorf("session: no salt for %s: %w", peerID, err)
		}
		ck = nextChainKey(st.SendChainKey, salt)
		hdr.Salt = salt
	}

	out, err := seal(ck, hdr, plaintext)
	if err != nil {
		clear(ck)
		return nil, err
	}

	clear(st.SendChainKey)
	st.SendChainKey = ck
	st.SendSeq++
	st.advance()
	if err := p.commit(st); err != nil {
		st.wipe()
		return nil, err
	}
	instrument.RatchetStep("send")
	p.log.Debugf("Sent message %d to %s", hdr.Seq, peerID)
	return out, nil
}

// DecryptMessage authenticates and decrypts ciphertext from peerID and
// advances the receive chain. A message out of sequence or failing to
// authenticate ends the session.
func (p *Provider) DecryptMessage(ctx context.Context, peerID string, ciphertext []byte) ([]byte, error) {
	pt, err := p.decrypt(peerID, ciphertext)
	if errors.Is(err, ErrRatchetDesync) || errors.Is(err, ErrCannotDecrypt) {
		p.log.Errorf("Ending session: %v", err)
		if endErr := p.endSession("aborted"); endErr != nil && !errors.Is(endErr, ErrSessionNotActive) {
			err = errors.Join(err, endErr)
		}
	}
	return pt, err
}

func (p *Provider) decrypt(peerID string, ciphertext []byte) ([]byte, error) {
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if !p.active {
		return nil, ErrSessionNotActive
	}

	p.peers.Lock(peerID)
	defer p.peers.Unlock(peerID)

	msg, hdr, err := parse(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotDecrypt, err)
	}

	st := p.stateFor(peerID)
	if hdr.Seq != st.RecvSeq {
		st.wipe()
		return nil, fmt.Errorf("%w: %s sent message %d, expected %d", ErrRatchetDesync, peerID, hdr.Seq, st.RecvSeq)
	}

	priv, sym, err := p.keys.GetRatchetReceiverKeyPair(peerID)
	if err != nil {
		st.wipe()
		return nil, fmt.Errorf("%w: %w", ErrRatchetUninitialized, err)
	}
	defer clear(sym)

	var ck []byte
	if st.RecvChainKey == nil {
		if len(hdr.KEMCiphertext) == 0 {
			st.wipe()
			return nil, fmt.Errorf("%w: first message carries no KEM ciphertext", ErrCannotDecrypt)
		}
		ss, err := p.scheme.Decapsulate(priv, hdr.KEMCiphertext)
		if err != nil {
			st.wipe()
			return nil, fmt.Errorf("%w: %v", ErrCannotDecrypt, err)
		}
		ck = initialChainKey(ss, sym)
		clear(ss)

		if st.RecvPrivateKey, err = priv.MarshalBinary(); err != nil {
			st.wipe()
			return nil, err
		}
	} else {
		if len(hdr.Salt) != KeyDerivationSaltLength {
			st.wipe()
			return nil, fmt.Errorf("%w: bad salt length %d", ErrCannotDecrypt, len(hdr.Salt))
		}
		ck = nextChainKey(st.RecvChainKey, hdr.Salt)
	}

	pt, err := open(ck, msg)
	if err != nil || len(pt) != int(hdr.Length) {
		clear(ck)
		st.wipe()
		return nil, fmt.Errorf("%w: message %d from %s", ErrCannotDecrypt, hdr.Seq, peerID)
	}

	clear(st.RecvChainKey)
	st.RecvChainKey = ck
	st.RecvSeq++
	st.advance()
	if err := p.commit(st); err != nil {
		clear(pt)
		st.wipe()
		return nil, err
	}
	instrument.RatchetStep("recv")
	p.log.Debugf("Received message %d from %s", hdr.Seq, peerID)
	return pt, nil
}
