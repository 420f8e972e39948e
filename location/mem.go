// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package location

// MemLocation keeps pools in process memory.
type MemLocation struct {
	budget

	id    string
	pools map[string][]byte
}

// NewMemLocation returns an in-memory Location holding at most capacity
// bytes.
func NewMemLocation(id string, capacity int64) *MemLocation {
	return &MemLocation{
		budget: budget{capacity: capacity},
		id:     id,
		pools:  make(map[string][]byte),
	}
}

func (l *MemLocation) ID() string   { return l.id }
func (l *MemLocation) Path() string { return "mem:" + l.id }
func (l *MemLocation) Kind() string { return KindInMemory }

func (l *MemLocation) SpaceAvailable() int64 {
	l.Lock()
	defer l.Unlock()
	return l.available()
}

func (l *MemLocation) Store(poolID string, b []byte) error {
	if err := validPoolID(poolID); err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	if _, ok := l.pools[poolID]; ok {
		return ErrPoolExists
	}
	if err := l.reserve(int64(len(b))); err != nil {
		return err
	}
	l.pools[poolID] = append([]byte(nil), b...)
	return nil
}

func (l *MemLocation) Load(poolID string) ([]byte, error) {
	l.Lock()
	defer l.Unlock()

	b, ok := l.pools[poolID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return append([]byte(nil), b...), nil
}

func (l *MemLocation) Remove(poolID string) error {
	l.Lock()
	defer l.Unlock()

	b, ok := l.pools[poolID]
	if !ok {
		return ErrPoolNotFound
	}
	if err := overwrite(len(b), func(p []byte) error {
		copy(b, p)
		return nil
	}); err != nil {
		return err
	}
	delete(l.pools, poolID)
	l.release(int64(len(b)))
	return nil
}

// Close erases every pool still held.
func (l *MemLocation) Close() error {
	l.Lock()
	defer l.Unlock()

	for id, b := range l.pools {
		clear(b)
		delete(l.pools, id)
	}
	l.used = 0
	return nil
}
