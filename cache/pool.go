// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/aez.git"
	"gitlab.com/yawning/avl.git"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	poolIDSize    = 16
	sealKeySize   = 48
	sealNonceSize = 16
	sealTagSize   = 16

	sealKeyInfo = "entropic pool seal v0"
)

var errSealCorrupt = errors.New("cache: sealed pool failed authentication")

// Pool is the metadata of one cached unit of entropy. The bytes live
// sealed in a Location.
type Pool struct {
	// ID identifies the pool across generations.
	ID string

	// Created is when the pool was registered.
	Created time.Time

	// Source is the id of the source the bytes came from.
	Source string

	// Size is the number of unconsumed bytes.
	Size int

	// LocationID is the Location holding the sealed bytes.
	LocationID string

	// Rotations counts the maintenance passes the pool has survived.
	Rotations int

	// Generation is bumped every time a partially consumed pool is
	// resealed.
	Generation uint32

	seq  uint64
	node *avl.Node
}

// storageKey is the key the current generation is stored under.
func (p *Pool) storageKey() string {
	return fmt.Sprintf("%s%08x", p.ID, p.Generation)
}

// expired returns true iff the pool is older than ttd at now.
func (p *Pool) expired(now time.Time, ttd time.Duration) bool {
	return now.Sub(p.Created) > ttd
}

func newPoolID() (string, error) {
	var id [poolIDSize]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}

// comparePools orders pools oldest first, ties broken by registration
// order.
func comparePools(a, b interface{}) int {
	pa, pb := a.(*Pool), b.(*Pool)
	switch {
	case pa.Created.Before(pb.Created):
		return -1
	case pa.Created.After(pb.Created):
		return 1
	case pa.seq < pb.seq:
		return -1
	case pa.seq > pb.seq:
		return 1
	default:
		return 0
	}
}

// sealer protects pool material at rest with AEZ under a key derived from
// the device secret.
type sealer struct {
	key [sealKeySize]byte
}

func newSealer(deviceSecret string) (*sealer, error) {
	s := new(sealer)
	r := hkdf.New(sha3.New256, []byte(deviceSecret), nil, []byte(sealKeyInfo))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// seal returns nonce || ciphertext, bound to the storage key.
func (s *sealer) seal(storageKey string, plaintext []byte) ([]byte, error) {
	var nonce [sealNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, sealNonceSize, sealNonceSize+len(plaintext)+sealTagSize)
	copy(out, nonce[:])
	return aez.Encrypt(s.key[:], nonce[:], [][]byte{[]byte(storageKey)}, sealTagSize, plaintext, out), nil
}

func (s *sealer) open(storageKey string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealNonceSize+sealTagSize {
		return nil, errSealCorrupt
	}
	nonce, ct := sealed[:sealNonceSize], sealed[sealNonceSize:]
	pt, ok := aez.Decrypt(s.key[:], nonce, [][]byte{[]byte(storageKey)}, sealTagSize, ct, nil)
	if !ok {
		return nil, errSealCorrupt
	}
	return pt, nil
}

func (s *sealer) reset() {
	clear(s.key[:])
}

func sealedSize(n int) int64 {
	return int64(sealNonceSize + n + sealTagSize)
}
