// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package keyservice supplies the per peer key material the ratchet is
// established from.
package keyservice

import (
	"errors"

	"github.com/katzenpost/hpqc/kem"
)

// SymmetricKeySize is the size of the symmetric key mixed into the
// initial chaining key.
const SymmetricKeySize = 32

var (
	// ErrUnknownPeer is the error returned when no key material is held
	// for a peer.
	ErrUnknownPeer = errors.New("keyservice: unknown peer")

	// ErrSchemeMismatch is the error returned when a key belongs to a
	// different KEM scheme than the service.
	ErrSchemeMismatch = errors.New("keyservice: KEM scheme mismatch")
)

// KeyService supplies ratchet key material. A production implementation
// is backed by a key management service.
type KeyService interface {
	// GetRatchetSenderKeyPair returns the public key to encapsulate to
	// and the symmetric key for messages sent to peerID.
	GetRatchetSenderKeyPair(peerID string) (kem.PublicKey, []byte, error)

	// GetRatchetReceiverKeyPair returns the private key to decapsulate
	// with and the symmetric key for messages received from peerID.
	GetRatchetReceiverKeyPair(peerID string) (kem.PrivateKey, []byte, error)
}
