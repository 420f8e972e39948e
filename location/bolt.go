// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package location

import (
	bolt "go.etcd.io/bbolt"
)

const poolsBucket = "pools"

// BoltLocation keeps pools in a bbolt database file.
type BoltLocation struct {
	budget

	id   string
	path string
	db   *bolt.DB
}

// NewBoltLocation opens (or creates) the database file f as a Location
// holding at most capacity bytes. Pools left behind by a previous run are
// erased.
func NewBoltLocation(id, f string, capacity int64) (*BoltLocation, error) {
	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	l := &BoltLocation{
		budget: budget{capacity: capacity},
		id:     id,
		path:   f,
		db:     db,
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(poolsBucket))
		if err != nil {
			return err
		}
		var stale [][]byte
		if err := bkt.ForEach(func(k, _ []byte) error {
			stale = append(stale, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := eraseKey(bkt, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *BoltLocation) ID() string   { return l.id }
func (l *BoltLocation) Path() string { return l.path }
func (l *BoltLocation) Kind() string { return KindBolt }

func (l *BoltLocation) SpaceAvailable() int64 {
	l.Lock()
	defer l.Unlock()
	return l.available()
}

func (l *BoltLocation) Store(poolID string, b []byte) error {
	if err := validPoolID(poolID); err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	if err := l.reserve(int64(len(b))); err != nil {
		return err
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(poolsBucket))
		if bkt.Get([]byte(poolID)) != nil {
			return ErrPoolExists
		}
		return bkt.Put([]byte(poolID), b)
	})
	if err != nil {
		l.release(int64(len(b)))
	}
	return err
}

func (l *BoltLocation) Load(poolID string) ([]byte, error) {
	var b []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(poolsBucket)).Get([]byte(poolID))
		if v == nil {
			return ErrPoolNotFound
		}
		// Values are only valid for the life of the transaction.
		b = append([]byte(nil), v...)
		return nil
	})
	return b, err
}

func (l *BoltLocation) Remove(poolID string) error {
	l.Lock()
	defer l.Unlock()

	var n int
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(poolsBucket))
		v := bkt.Get([]byte(poolID))
		if v == nil {
			return ErrPoolNotFound
		}
		n = len(v)
		return eraseKey(bkt, []byte(poolID))
	})
	if err != nil {
		return err
	}
	l.release(int64(n))
	return nil
}

func (l *BoltLocation) Close() error {
	if err := l.db.Sync(); err != nil {
		l.db.Close()
		return err
	}
	return l.db.Close()
}

// eraseKey overwrites the value in place before deleting it. bbolt is
// copy on write, so this only reaches the pages of the current
// transaction; freed pages are recycled by later writes.
func eraseKey(bkt *bolt.Bucket, k []byte) error {
	n := len(bkt.Get(k))
	if err := overwrite(n, func(p []byte) error {
		return bkt.Put(k, p)
	}); err != nil {
		return err
	}
	return bkt.Delete(k)
}
