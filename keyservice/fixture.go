// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package keyservice

import (
	"io"

	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/crypto/sha3"
)

const fixtureSeed = "entropic fixture key service: INSECURE, published test vectors only"

// Fixture hands out one key pair and one symmetric key, derived from a
// published seed, for every peer and both directions.
//
// WARNING: Every process using a Fixture shares the same keys. It exists
// for conformance tests and demos only and provides no security.
type Fixture struct {
	scheme kem.Scheme
	pub    kem.PublicKey
	priv   kem.PrivateKey
	sym    []byte
}

// NewFixture derives the fixture key material for scheme.
func NewFixture(scheme kem.Scheme) *Fixture {
	h := sha3.NewShake256()
	h.Write([]byte(fixtureSeed))
	h.Write([]byte(scheme.Name()))

	seed := make([]byte, scheme.SeedSize())
	sym := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(h, seed); err != nil {
		panic("keyservice: BUG: shake read failed: " + err.Error())
	}
	if _, err := io.ReadFull(h, sym); err != nil {
		panic("keyservice: BUG: shake read failed: " + err.Error())
	}

	pub, priv := scheme.DeriveKeyPair(seed)
	clear(seed)
	return &Fixture{
		scheme: scheme,
		pub:    pub,
		priv:   priv,
		sym:    sym,
	}
}

func (f *Fixture) GetRatchetSenderKeyPair(peerID string) (kem.PublicKey, []byte, error) {
	return f.pub, append([]byte(nil), f.sym...), nil
}

func (f *Fixture) GetRatchetReceiverKeyPair(peerID string) (kem.PrivateKey, []byte, error) {
	return f.priv, append([]byte(nil), f.sym...), nil
}
