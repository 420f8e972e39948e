// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	// KeyDerivationSaltLength is the number of cache bytes mixed into
	// every ratchet step after the first.
	KeyDerivationSaltLength = 32

	// ChainKeySize is the size of a chaining key.
	ChainKeySize = 32

	// StateVersion is the version of persisted RatchetState records.
	StateVersion = 1

	wireVersion = 0

	labelInitialChain = "entropic ratchet initial chain v0"
	labelStep         = "entropic ratchet step v0"
	labelMessageKey   = "entropic ratchet message key v0"
)

// Phase is the lifecycle phase of the ratchet with one peer.
type Phase int

const (
	// Uninitialized means no chain exists in either direction.
	Uninitialized Phase = iota

	// Established means the first KEM step has been taken.
	Established

	// Advancing means at least one step past establishment has been
	// taken.
	Advancing

	// Closed means the session holding the state has ended.
	Closed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Established:
		return "established"
	case Advancing:
		return "advancing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("[unknown phase: %d]", int(p))
	}
}

// RatchetState is the chain state shared with one peer.
type RatchetState struct {
	Version int
	PeerID  string
	Phase   Phase

	// SendPublicKey is the peer's KEM public key the send chain was
	// established with.
	SendPublicKey []byte

	// RecvPrivateKey is the KEM private key the receive chain was
	// established with.
	RecvPrivateKey []byte

	SendChainKey []byte
	RecvChainKey []byte

	// SendSeq is the sequence number of the next message sent and
	// RecvSeq the sequence number expected next.
	SendSeq uint64
	RecvSeq uint64
}

func newRatchetState(peerID string) *RatchetState {
	return &RatchetState{
		Version: StateVersion,
		PeerID:  peerID,
		Phase:   Uninitialized,
	}
}

// Steps returns the number of ratchet steps taken in both directions.
func (s *RatchetState) Steps() uint64 {
	return s.SendSeq + s.RecvSeq
}

func (s *RatchetState) clone() *RatchetState {
	c := *s
	c.SendPublicKey = clone(s.SendPublicKey)
	c.RecvPrivateKey = clone(s.RecvPrivateKey)
	c.SendChainKey = clone(s.SendChainKey)
	c.RecvChainKey = clone(s.RecvChainKey)
	return &c
}

// advance sets the phase after a successful step.
func (s *RatchetState) advance() {
	if s.Steps() <= 1 {
		s.Phase = Established
	} else {
		s.Phase = Advancing
	}
}

func (s *RatchetState) wipe() {
	clear(s.SendChainKey)
	clear(s.RecvChainKey)
	clear(s.RecvPrivateKey)
	s.SendChainKey = nil
	s.RecvChainKey = nil
	s.RecvPrivateKey = nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// header is authenticated as the associated data of the message.
type header struct {
	Version       uint8
	Seq           uint64
	Length        uint32
	Salt          []byte `cbor:",omitempty"`
	KEMCiphertext []byte `cbor:",omitempty"`
}

type wireMessage struct {
	Header     []byte
	Ciphertext []byte
}

func kdf(secret, salt []byte, label string, out []byte) {
	r := hkdf.New(sha3.New256, secret, salt, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("session: BUG: hkdf read failed: " + err.Error())
	}
}

// initialChainKey derives the first chaining key from the KEM shared
// secret and the symmetric key.
func initialChainKey(sharedSecret, symmetricKey []byte) []byte {
	ikm := make([]byte, 0, len(sharedSecret)+len(symmetricKey))
	ikm = append(ikm, sharedSecret...)
	ikm = append(ikm, symmetricKey...)
	defer clear(ikm)

	ck := make([]byte, ChainKeySize)
	kdf(ikm, nil, labelInitialChain, ck)
	return ck
}

// nextChainKey derives the following chaining key from the previous one
// and fresh salt.
func nextChainKey(prev, salt []byte) []byte {
	ck := make([]byte, ChainKeySize)
	kdf(prev, salt, labelStep, ck)
	return ck
}

// seal encrypts plaintext under the message key derived from ck.
func seal(ck []byte, hdr *header, plaintext []byte) ([]byte, error) {
	rawHdr, err := cbor.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	aead, nonce, err := messageCipher(ck)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()

	return cbor.Marshal(&wireMessage{
		Header:     rawHdr,
		Ciphertext: aead.Seal(nil, nonce, plaintext, rawHdr),
	})
}

// parse decodes a wire message without authenticating it.
func parse(b []byte) (*wireMessage, *header, error) {
	msg := new(wireMessage)
	if err := cbor.Unmarshal(b, msg); err != nil {
		return nil, nil, err
	}
	hdr := new(header)
	if err := cbor.Unmarshal(msg.Header, hdr); err != nil {
		return nil, nil, err
	}
	if hdr.Version != wireVersion {
		return nil, nil, fmt.Errorf("unsupported wire version %d", hdr.Version)
	}
	return msg, hdr, nil
}

// open authenticates and decrypts msg under the message key derived from
// ck.
func open(ck []byte, msg *wireMessage) ([]byte, error) {
	aead, nonce, err := messageCipher(ck)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	return aead.Open(nil, nonce, msg.Ciphertext, msg.Header)
}

func messageCipher(ck []byte) (*chacha20poly1305.ChaCha20Poly1305, []byte, error) {
	var okm [chacha20poly1305.KeySize + chacha20poly1305.NonceSize]byte
	kdf(ck, nil, labelMessageKey, okm[:])
	defer clear(okm[:])

	aead, err := chacha20poly1305.New(okm[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, err
	}
	return aead, clone(okm[chacha20poly1305.KeySize:]), nil
}
