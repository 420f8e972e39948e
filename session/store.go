// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	storeVersion   = 0
)

// store persists RatchetState records in a bbolt file, one bucket per
// user keyed by peer id.
type store struct {
	db *bolt.DB
}

func openStore(f string) (*store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("session: incompatible state store version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		// The store isn't getting returned so clean up the database.
		db.Close()
		return nil, err
	}
	return &store{db: db}, nil
}

func userBucket(userID string) []byte {
	return []byte("user/" + userID)
}

// load returns every RatchetState of userID.
func (s *store) load(userID string) (map[string]*RatchetState, error) {
	states := make(map[string]*RatchetState)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(userBucket(userID))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			st := new(RatchetState)
			if err := cbor.Unmarshal(v, st); err != nil {
				return fmt.Errorf("session: corrupt state for peer '%s': %v", k, err)
			}
			if st.Version != StateVersion {
				return fmt.Errorf("session: state for peer '%s' has version %d, want %d", k, st.Version, StateVersion)
			}
			states[string(k)] = st
			return nil
		})
	})
	if err != nil {
		for _, st := range states {
			st.wipe()
		}
		return nil, err
	}
	return states, nil
}

func (s *store) put(userID string, st *RatchetState) error {
	b, err := cbor.Marshal(st)
	if err != nil {
		return err
	}
	defer clear(b)

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(userBucket(userID))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(st.PeerID), b)
	})
}

func (s *store) close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
