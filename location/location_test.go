// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package location

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLocations(t *testing.T, capacity int64) []Location {
	dir := t.TempDir()
	fl, err := NewFileLocation("file", filepath.Join(dir, "CacheManageralice"), capacity)
	require.NoError(t, err)
	bl, err := NewBoltLocation("bolt", filepath.Join(dir, "pools.db"), capacity)
	require.NoError(t, err)
	locs := []Location{NewMemLocation("mem", capacity), fl, bl}
	t.Cleanup(func() {
		for _, l := range locs {
			l.Close()
		}
	})
	return locs
}

func TestLocationAccounting(t *testing.T) {
	for _, l := range testLocations(t, 100) {
		t.Run(l.Kind(), func(t *testing.T) {
			require := require.New(t)

			require.Equal(int64(100), l.SpaceAvailable())
			require.NoError(l.Store("aa", make([]byte, 60)))
			require.Equal(int64(40), l.SpaceAvailable())

			err := l.Store("bb", make([]byte, 41))
			require.ErrorIs(err, ErrStorageExhausted)
			require.Equal(int64(40), l.SpaceAvailable())

			require.ErrorIs(l.Store("aa", []byte{1}), ErrPoolExists)
			require.Equal(int64(40), l.SpaceAvailable())

			require.NoError(l.Store("bb", make([]byte, 40)))
			require.Equal(int64(0), l.SpaceAvailable())

			require.NoError(l.Remove("aa"))
			require.Equal(int64(60), l.SpaceAvailable())
			require.ErrorIs(l.Remove("aa"), ErrPoolNotFound)
		})
	}
}

func TestLocationRoundTrip(t *testing.T) {
	for _, l := range testLocations(t, 1024) {
		t.Run(l.Kind(), func(t *testing.T) {
			require := require.New(t)

			want := []byte("sealed pool material")
			require.NoError(l.Store("0123abcd", want))

			got, err := l.Load("0123abcd")
			require.NoError(err)
			require.Equal(want, got)

			got[0] ^= 0xff
			again, err := l.Load("0123abcd")
			require.NoError(err)
			require.Equal(want, again, "Load must return a copy")

			require.NoError(l.Remove("0123abcd"))
			_, err = l.Load("0123abcd")
			require.ErrorIs(err, ErrPoolNotFound)
		})
	}
}

func TestLocationInvalidPoolID(t *testing.T) {
	for _, l := range testLocations(t, 1024) {
		require.ErrorIs(t, l.Store("../escape", []byte{1}), ErrInvalidPoolID)
		require.ErrorIs(t, l.Store("", []byte{1}), ErrInvalidPoolID)
	}
}

func TestMemLocationRemoveErases(t *testing.T) {
	require := require.New(t)

	l := NewMemLocation("mem", 64)
	secret := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(l.Store("01", secret))

	// Keep a handle on the backing array to observe the erase.
	backing := l.pools["01"]
	require.NoError(l.Remove("01"))
	require.Equal(make([]byte, len(secret)), backing)
}

func TestFileLocationErasesStalePools(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	stale := filepath.Join(dir, "deadbeef")
	require.NoError(os.WriteFile(stale, []byte("left over"), 0600))
	other := filepath.Join(dir, "README")
	require.NoError(os.WriteFile(other, []byte("keep"), 0600))

	l, err := NewFileLocation("file", dir, 1024)
	require.NoError(err)
	defer l.Close()

	_, err = os.Stat(stale)
	require.True(os.IsNotExist(err))
	_, err = os.Stat(other)
	require.NoError(err)
	require.Equal(int64(1024), l.SpaceAvailable())

	fi, err := os.Stat(dir)
	require.NoError(err)
	require.True(fi.IsDir())
}

func TestBoltLocationErasesStalePools(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "pools.db")
	l, err := NewBoltLocation("bolt", f, 1024)
	require.NoError(err)
	require.NoError(l.Store("01", []byte("pool")))
	require.NoError(l.Close())

	l, err = NewBoltLocation("bolt", f, 1024)
	require.NoError(err)
	defer l.Close()
	_, err = l.Load("01")
	require.ErrorIs(err, ErrPoolNotFound)
	require.Equal(int64(1024), l.SpaceAvailable())
}
