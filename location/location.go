// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package location provides capacity bounded storage backends for sealed
// entropy pools.
package location

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
)

var (
	// ErrStorageExhausted is the error returned when a Store would exceed
	// the space available.
	ErrStorageExhausted = errors.New("location: storage exhausted")

	// ErrPoolExists is the error returned when storing a pool id twice.
	ErrPoolExists = errors.New("location: pool already exists")

	// ErrPoolNotFound is the error returned for an unknown pool id.
	ErrPoolNotFound = errors.New("location: pool not found")

	// ErrInvalidPoolID is the error returned for a pool id that is not a
	// lower case hex string.
	ErrInvalidPoolID = errors.New("location: invalid pool id")
)

// Storage kinds.
const (
	KindOnDevice = "ondevice"
	KindInMemory = "inmemory"
	KindBolt     = "bolt"
)

// Location is a storage backend for entropy pools.
type Location interface {
	// ID returns the Location identifier.
	ID() string

	// Path returns the path or identity of the backing store.
	Path() string

	// Kind returns the storage kind.
	Kind() string

	// SpaceAvailable returns the number of bytes that may still be stored.
	SpaceAvailable() int64

	// Store writes b under poolID.
	Store(poolID string, b []byte) error

	// Load returns a copy of the bytes stored under poolID.
	Load(poolID string) ([]byte, error)

	// Remove overwrites and then deletes the bytes stored under poolID,
	// crediting the space back.
	Remove(poolID string) error

	// Close releases the backing store.
	Close() error
}

// budget tracks the space accounting shared by every Location variant.
type budget struct {
	sync.Mutex

	capacity int64
	used     int64
}

func (b *budget) available() int64 {
	return b.capacity - b.used
}

func (b *budget) reserve(n int64) error {
	if n > b.available() {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrStorageExhausted, n, b.available())
	}
	b.used += n
	return nil
}

func (b *budget) release(n int64) {
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// overwrite runs the erase passes over w: zeros, random, zeros. sync is
// invoked after every pass.
func overwrite(n int, w func([]byte) error) error {
	buf := make([]byte, n)
	if err := w(buf); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return err
	}
	if err := w(buf); err != nil {
		return err
	}
	clear(buf)
	return w(buf)
}

func validPoolID(id string) error {
	if id == "" {
		return ErrInvalidPoolID
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidPoolID, id)
		}
	}
	return nil
}
