// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package keyservice

import (
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/rand"
)

type senderEntry struct {
	pub kem.PublicKey
	sym []byte
}

type receiverEntry struct {
	priv kem.PrivateKey
	sym  []byte
}

// Directory is an in-memory registry of per peer key material.
type Directory struct {
	sync.RWMutex

	scheme    kem.Scheme
	senders   map[string]senderEntry
	receivers map[string]receiverEntry
}

// NewDirectory returns an empty Directory for scheme.
func NewDirectory(scheme kem.Scheme) *Directory {
	return &Directory{
		scheme:    scheme,
		senders:   make(map[string]senderEntry),
		receivers: make(map[string]receiverEntry),
	}
}

// RegisterSender records the key material used to send to peerID.
func (d *Directory) RegisterSender(peerID string, pub kem.PublicKey, sym []byte) error {
	if pub.Scheme().Name() != d.scheme.Name() {
		return fmt.Errorf("%w: %v", ErrSchemeMismatch, pub.Scheme().Name())
	}
	if len(sym) != SymmetricKeySize {
		return fmt.Errorf("keyservice: symmetric key must be %d bytes", SymmetricKeySize)
	}

	d.Lock()
	defer d.Unlock()
	d.senders[peerID] = senderEntry{pub: pub, sym: append([]byte(nil), sym...)}
	return nil
}

// RegisterReceiver records the key material used to receive from peerID.
func (d *Directory) RegisterReceiver(peerID string, priv kem.PrivateKey, sym []byte) error {
	if priv.Scheme().Name() != d.scheme.Name() {
		return fmt.Errorf("%w: %v", ErrSchemeMismatch, priv.Scheme().Name())
	}
	if len(sym) != SymmetricKeySize {
		return fmt.Errorf("keyservice: symmetric key must be %d bytes", SymmetricKeySize)
	}

	d.Lock()
	defer d.Unlock()
	d.receivers[peerID] = receiverEntry{priv: priv, sym: append([]byte(nil), sym...)}
	return nil
}

func (d *Directory) GetRatchetSenderKeyPair(peerID string) (kem.PublicKey, []byte, error) {
	d.RLock()
	defer d.RUnlock()

	e, ok := d.senders[peerID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownPeer, peerID)
	}
	return e.pub, append([]byte(nil), e.sym...), nil
}

func (d *Directory) GetRatchetReceiverKeyPair(peerID string) (kem.PrivateKey, []byte, error) {
	d.RLock()
	defer d.RUnlock()

	e, ok := d.receivers[peerID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownPeer, peerID)
	}
	return e.priv, append([]byte(nil), e.sym...), nil
}

// Introduce generates fresh key material so that a (known to its peers as
// aID) can send to b (known as bID) and b can send to a.
func Introduce(scheme kem.Scheme, a *Directory, aID string, b *Directory, bID string) error {
	if err := link(scheme, a, b, aID, bID); err != nil {
		return err
	}
	return link(scheme, b, a, bID, aID)
}

// link lets sender send to receiver.
func link(scheme kem.Scheme, sender, receiver *Directory, senderID, receiverID string) error {
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return err
	}
	sym := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, sym); err != nil {
		return err
	}
	defer clear(sym)

	if err := sender.RegisterSender(receiverID, pub, sym); err != nil {
		return err
	}
	return receiver.RegisterReceiver(senderID, priv, sym)
}
