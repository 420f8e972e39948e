// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package user

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/keyservice"
	"github.com/katzenpost/entropic/qdea"
	"github.com/katzenpost/entropic/relay"
	"github.com/katzenpost/entropic/session"
)

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func testConfig(t *testing.T, userID string) *config.Config {
	return &config.Config{
		UserID:  userID,
		DataDir: t.TempDir(),
		Cache: &config.CacheConfig{
			DeviceSecret:        "Password124",
			MaxTimeToDeath:      60,
			TargetPoolCapacity:  4 * config.KB,
			TargetMessageLength: 256,
			TargetNumMessages:   4,
		},
		Cluster: &config.ServerCluster{
			NumLogicalBlastServers:       4,
			NumActiveLogicalBlastServers: 4,
		},
		QDEA: []*config.QDEASource{{ID: "qdea"}},
		Locations: []*config.Location{{
			ID:       "mem",
			Kind:     config.KindInMemory,
			Capacity: 64 * config.KB,
		}},
	}
}

func TestHelloWorld(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := testBackend(t)
	aliceCfg := testConfig(t, "alice")
	require.NoError(aliceCfg.FixupAndValidate())
	cluster, err := qdea.NewServerCluster(aliceCfg.Cluster)
	require.NoError(err)

	alice, err := New(aliceCfg, b, WithServerCluster(cluster))
	require.NoError(err)
	bob, err := New(testConfig(t, "bob"), b, WithServerCluster(cluster))
	require.NoError(err)

	require.NoError(alice.Start(ctx))
	defer alice.Stop()
	require.NoError(bob.Start(ctx))
	defer bob.Stop()
	require.NotZero(alice.Cache.Stats().BytesCached)

	r := relay.NewMemRelay(b)
	defer r.Halt()

	const thread = "hello-thread"
	for _, msg := range []string{"hello world", "second", "third"} {
		_, err := alice.Send(ctx, r, thread, bob.ID, []byte(msg))
		require.NoError(err)
	}

	// The payload on the relay is base64 text, not plaintext.
	sub, err := r.Subscribe(ctx, thread, 0)
	require.NoError(err)
	raw, err := sub.Next(ctx)
	require.NoError(err)
	require.NotContains(string(raw.Payload), "hello world")

	sub, err = r.Subscribe(ctx, thread, 0)
	require.NoError(err)
	for _, want := range []string{"hello world", "second", "third"} {
		got, err := bob.Receive(ctx, sub)
		require.NoError(err)
		require.Equal("alice", got.SenderID)
		require.Equal(want, string(got.Plaintext))
	}

	phase, steps := bob.Provider.Phase("alice")
	require.Equal(session.Advancing, phase)
	require.Equal(uint64(3), steps)

	// Replies skip the User's own messages on the shared thread.
	_, err = bob.Send(ctx, r, thread, alice.ID, []byte("hi alice"))
	require.NoError(err)
	aliceSub, err := r.Subscribe(ctx, thread, 0)
	require.NoError(err)
	got, err := alice.Receive(ctx, aliceSub)
	require.NoError(err)
	require.Equal("bob", got.SenderID)
	require.Equal("hi alice", string(got.Plaintext))
}

func TestMalformedPayload(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := testBackend(t)
	bob, err := New(testConfig(t, "bob"), b)
	require.NoError(err)
	require.NoError(bob.Start(ctx))
	defer bob.Stop()

	r := relay.NewMemRelay(b)
	defer r.Halt()
	_, err = r.Publish(ctx, "thread", "mallory", []byte("%%% not base64 %%%"))
	require.NoError(err)

	sub, err := r.Subscribe(ctx, "thread", 0)
	require.NoError(err)
	_, err = bob.Receive(ctx, sub)
	require.ErrorIs(err, ErrMalformedPayload)
}

func TestLocationsAndSources(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "carol")
	cfg.QDEA = nil
	cfg.Sources = []*config.RandomSource{{ID: "local", Kind: config.SourceTest}}
	cfg.Locations = []*config.Location{
		{ID: "disk", Kind: config.KindOnDevice, Path: filepath.Join(cfg.DataDir, "pools"), Capacity: 64 * config.KB},
		{ID: "db", Kind: config.KindBolt, Path: filepath.Join(cfg.DataDir, "pools.db"), Capacity: 64 * config.KB},
	}
	cfg.Cache.CacheStoreLocationID = "db"

	scheme := schemes.ByName("MLKEM768")
	require.NotNil(scheme)
	cfg.Session = &config.Session{Algorithm: "MLKEM768"}
	keys := keyservice.NewDirectory(scheme)

	u, err := New(cfg, testBackend(t), WithKeyService(keys))
	require.NoError(err)
	require.Len(u.Locations, 2)
	require.Len(u.Sources, 1)
	require.Empty(u.QDEASources)
	require.Equal(keys, u.KeyService)

	require.NoError(u.Start(context.Background()))
	for _, p := range u.Cache.Pools() {
		require.Equal("db", p.LocationID)
	}
	require.NoError(u.Stop())
}

func TestNewInvalid(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "dave")
	cfg.Session = &config.Session{Algorithm: "ROT13"}
	_, err := New(cfg, testBackend(t))
	require.ErrorIs(err, session.ErrUnknownAlgorithm)

	cfg = testConfig(t, "dave")
	cfg.Cache.CacheStoreLocationID = "nowhere"
	_, err = New(cfg, testBackend(t))
	require.Error(err)
}
