// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import "sync"

// barrier is a mutual exclusion lock per key. The zero value is ready
// for use. Entries are dropped once no goroutine holds or waits for them.
type barrier[K comparable] struct {
	mu   sync.Mutex
	keys map[K]*keyLock
}

type keyLock struct {
	sync.Mutex

	// waiters counts the goroutines holding or waiting for the lock.
	waiters uint
}

// Lock blocks until key is available.
func (b *barrier[K]) Lock(key K) {
	b.mu.Lock()
	l, ok := b.keys[key]
	if !ok {
		if b.keys == nil {
			b.keys = make(map[K]*keyLock)
		}
		l = new(keyLock)
		b.keys[key] = l
	}
	l.waiters++
	b.mu.Unlock()

	l.Lock()
}

// Unlock releases key. It is a run-time error if key is not locked.
func (b *barrier[K]) Unlock(key K) {
	b.mu.Lock()
	l, ok := b.keys[key]
	if !ok {
		b.mu.Unlock()
		panic("session: unlock of unlocked barrier key")
	}
	l.waiters--
	if l.waiters == 0 {
		delete(b.keys, key)
	}
	b.mu.Unlock()

	l.Unlock()
}
