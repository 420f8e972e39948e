// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cache

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/core/retry"
	"github.com/katzenpost/entropic/location"
	"github.com/katzenpost/entropic/qdea"
	"github.com/katzenpost/entropic/source"
)

// counterReader yields consecutive big endian uint64 values so that every
// 8 byte word handed out is unique.
type counterReader struct {
	sync.Mutex
	next uint64
	buf  []byte
}

func (r *counterReader) Read(p []byte) (int, error) {
	r.Lock()
	defer r.Unlock()
	for len(r.buf) < len(p) {
		var w [8]byte
		r.next++
		binary.BigEndian.PutUint64(w[:], r.next)
		r.buf = append(r.buf, w[:]...)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// gatedReader blocks its first Read until release is closed.
type gatedReader struct {
	counterReader
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedReader() *gatedReader {
	return &gatedReader{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *gatedReader) Read(p []byte) (int, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	return r.counterReader.Read(p)
}

func words(b []byte) []uint64 {
	var w []uint64
	for i := 0; i+8 <= len(b); i += 8 {
		w = append(w, binary.BigEndian.Uint64(b[i:]))
	}
	return w
}

type fakeClock struct {
	sync.Mutex
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
}

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func testConfig() *config.CacheConfig {
	return &config.CacheConfig{
		DeviceSecret:         "Password124",
		Mode:                 config.ModeSamples,
		MaxTimeToDeath:       60,
		TargetPoolCapacity:   4 * config.KB,
		TargetMessageLength:  256,
		TargetNumMessages:    4,
		CacheStoreLocationID: "mem",
		MaxSourceRetries:     3,
	}
}

var fastRetry = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newCache(t *testing.T, cfg *config.CacheConfig, srcs []source.Source, locs []location.Location, opts ...Option) *Cache {
	opts = append([]Option{WithRetryPolicy(fastRetry)}, opts...)
	c := New(testBackend(t), opts...)
	require.NoError(t, c.Initialize(cfg, srcs, locs, nil))
	t.Cleanup(c.Halt)
	return c
}

func memLocations() []location.Location {
	return []location.Location{location.NewMemLocation("mem", 1*config.MB)}
}

func TestInitialize(t *testing.T) {
	src := []source.Source{source.NewTestSource("test")}

	t.Run("unbound location", func(t *testing.T) {
		cfg := testConfig()
		cfg.CacheStoreLocationID = "disk"
		c := New(testBackend(t))
		err := c.Initialize(cfg, src, memLocations(), nil)
		require.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("no sources", func(t *testing.T) {
		c := New(testBackend(t))
		err := c.Initialize(testConfig(), nil, memLocations(), nil)
		require.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("zero capacity", func(t *testing.T) {
		cfg := testConfig()
		cfg.TargetPoolCapacity = 0
		c := New(testBackend(t))
		require.ErrorIs(t, c.Initialize(cfg, src, memLocations(), nil), ErrConfigInvalid)
	})

	t.Run("zero ttd", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxTimeToDeath = 0
		c := New(testBackend(t))
		require.ErrorIs(t, c.Initialize(cfg, src, memLocations(), nil), ErrConfigInvalid)
	})

	t.Run("twice", func(t *testing.T) {
		c := New(testBackend(t))
		require.NoError(t, c.Initialize(testConfig(), src, memLocations(), nil))
		require.ErrorIs(t, c.Initialize(testConfig(), src, memLocations(), nil), ErrConfigInvalid)
	})

	t.Run("uninitialized", func(t *testing.T) {
		c := New(testBackend(t))
		_, err := c.Withdraw(context.Background(), 32)
		require.ErrorIs(t, err, ErrNotInitialized)
		require.ErrorIs(t, c.PerformCacheMaintenance(context.Background()), ErrNotInitialized)
	})
}

func TestCapacityBound(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.TargetPoolCapacity = 2500 // Not a multiple of the pool size.
	c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, memLocations())

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	st := c.Stats()
	require.Equal(2500, st.BytesCached)
	require.Equal(3, st.Pools)

	// A second pass is a no-op.
	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.Equal(2500, c.Stats().BytesCached)

	_, err := c.Withdraw(context.Background(), 100)
	require.NoError(err)
	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.LessOrEqual(c.Stats().BytesCached, cfg.TargetPoolCapacity)
}

func TestNoEntropyReuse(t *testing.T) {
	require := require.New(t)

	src := source.NewTestSourceFromReader("counter", new(counterReader))
	c := newCache(t, testConfig(), []source.Source{src}, memLocations())
	require.NoError(c.PerformCacheMaintenance(context.Background()))

	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		b, err := c.Withdraw(context.Background(), 200)
		require.NoError(err)
		require.Len(b, 200)
		for _, w := range words(b) {
			require.False(seen[w], "word %d returned twice", w)
			seen[w] = true
		}
	}
	require.Equal(4*config.KB-20*200, c.Stats().BytesCached)

	_, err := c.Withdraw(context.Background(), 4*config.KB)
	require.ErrorIs(err, ErrInsufficientEntropy)
}

func TestWithdrawSpansPools(t *testing.T) {
	require := require.New(t)

	src := source.NewTestSourceFromReader("counter", new(counterReader))
	c := newCache(t, testConfig(), []source.Source{src}, memLocations())
	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.Equal(4, c.Stats().Pools)

	// Pools are 1 KiB; 1.5 KiB drains the oldest and half of the next.
	b, err := c.Withdraw(context.Background(), 1536)
	require.NoError(err)
	w := words(b)
	for i := 1; i < len(w); i++ {
		require.Equal(w[i-1]+1, w[i], "bytes come from the oldest pools in order")
	}

	pools := c.Pools()
	require.Len(pools, 3)
	require.Equal(512, pools[0].Size)
	require.Equal(uint32(1), pools[0].Generation)
}

func TestWithdrawErasesConsumedPools(t *testing.T) {
	require := require.New(t)

	loc := location.NewMemLocation("mem", 1*config.MB)
	c := newCache(t, testConfig(), []source.Source{source.NewTestSource("test")}, []location.Location{loc})
	require.NoError(c.PerformCacheMaintenance(context.Background()))
	full := loc.SpaceAvailable()

	_, err := c.Withdraw(context.Background(), 1024)
	require.NoError(err)
	require.Equal(full+sealedSize(1024), loc.SpaceAvailable())

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.Equal(full, loc.SpaceAvailable())
}

func TestExpiry(t *testing.T) {
	require := require.New(t)

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cfg := testConfig()
	c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, memLocations(), WithClock(clock.Now))

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.Equal(4*config.KB, c.Stats().BytesCached)

	clock.Advance(time.Duration(cfg.MaxTimeToDeath) * time.Second)
	_, err := c.Withdraw(context.Background(), 16)
	require.NoError(err, "a pool exactly at its time to death is still usable")

	clock.Advance(time.Millisecond)
	_, err = c.Withdraw(context.Background(), 16)
	require.ErrorIs(err, ErrInsufficientEntropy)
	require.Equal(0, c.Stats().Pools)
	require.Equal(uint64(4), c.Stats().Evictions)

	// Maintenance replaces the expired material.
	require.NoError(c.PerformCacheMaintenance(context.Background()))
	for _, p := range c.Pools() {
		require.Equal(clock.Now(), p.Created)
	}
}

func TestInlineMaintenance(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, memLocations())
	_, err := c.Withdraw(context.Background(), 32)
	require.ErrorIs(err, ErrInsufficientEntropy, "lazy mode never refills from Withdraw")

	cfg = testConfig()
	cfg.EnableInlineMaintenance = true
	c = newCache(t, cfg, []source.Source{source.NewTestSource("test")}, memLocations())
	b, err := c.Withdraw(context.Background(), 32)
	require.NoError(err)
	require.Len(b, 32)
	require.Equal(uint64(1), c.Stats().Passes)

	_, err = c.Withdraw(context.Background(), 8*config.KB)
	require.ErrorIs(err, ErrInsufficientEntropy, "more than the capacity")
}

func TestSourceRetryAndFallback(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		require := require.New(t)

		src := source.NewTestSource("flaky")
		src.FailNext(2)
		c := newCache(t, testConfig(), []source.Source{src}, memLocations())
		require.NoError(c.PerformCacheMaintenance(context.Background()))
		calls, _ := src.Calls()
		require.Equal(6, calls)
	})

	t.Run("next source on exhaustion", func(t *testing.T) {
		require := require.New(t)

		bad := source.NewTestSource("bad")
		bad.SetFailing(true)
		good := source.NewTestSource("good")
		c := newCache(t, testConfig(), []source.Source{bad, good}, memLocations())
		require.NoError(c.PerformCacheMaintenance(context.Background()))
		for _, p := range c.Pools() {
			require.Equal("good", p.Source)
		}
		require.Equal(4*config.KB, c.Stats().BytesCached)
	})

	t.Run("every source down", func(t *testing.T) {
		require := require.New(t)

		bad := source.NewTestSource("bad")
		bad.SetFailing(true)
		c := newCache(t, testConfig(), []source.Source{bad}, memLocations())
		err := c.PerformCacheMaintenance(context.Background())
		require.ErrorIs(err, ErrInsufficientEntropy)
		require.ErrorIs(err, source.ErrSourceUnavailable)
		calls, _ := bad.Calls()
		require.Equal(3, calls)
	})

	t.Run("round robin", func(t *testing.T) {
		require := require.New(t)

		a := source.NewTestSource("a")
		b := source.NewTestSource("b")
		c := newCache(t, testConfig(), []source.Source{a, b}, memLocations())
		require.NoError(c.PerformCacheMaintenance(context.Background()))
		var got []string
		for _, p := range c.Pools() {
			got = append(got, p.Source)
		}
		require.ElementsMatch([]string{"a", "b", "a", "b"}, got)
	})
}

func TestQDEASource(t *testing.T) {
	require := require.New(t)

	cluster, err := qdea.NewServerCluster(&config.ServerCluster{
		NumLogicalBlastServers:       10,
		NumActiveLogicalBlastServers: 10,
		PoolSize:                     1 * config.GB,
	})
	require.NoError(err)
	q, err := qdea.New(&config.QDEASource{ID: "qdea", ShareTimeout: 1}, cluster, testBackend(t))
	require.NoError(err)

	down := source.NewTestSource("eaas")
	down.SetFailing(true)

	c := New(testBackend(t), WithRetryPolicy(fastRetry))
	require.NoError(c.Initialize(testConfig(), []source.Source{down}, memLocations(), []source.Source{q}))
	defer c.Halt()

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	for _, p := range c.Pools() {
		require.Equal("qdea", p.Source)
	}
}

func TestLocationFailover(t *testing.T) {
	small := func() []location.Location {
		return []location.Location{
			location.NewMemLocation("mem", 2*sealedSize(1024)),
			location.NewMemLocation("spare", 1*config.MB),
		}
	}

	t.Run("disabled", func(t *testing.T) {
		c := newCache(t, testConfig(), []source.Source{source.NewTestSource("test")}, small())
		err := c.PerformCacheMaintenance(context.Background())
		require.ErrorIs(t, err, location.ErrStorageExhausted)
		require.Equal(t, 2048, c.Stats().BytesCached)
	})

	t.Run("enabled", func(t *testing.T) {
		require := require.New(t)

		cfg := testConfig()
		cfg.EnableLocationFailover = true
		c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, small())
		require.NoError(c.PerformCacheMaintenance(context.Background()))
		var got []string
		for _, p := range c.Pools() {
			got = append(got, p.LocationID)
		}
		require.ElementsMatch([]string{"mem", "mem", "spare", "spare"}, got)

		b, err := c.Withdraw(context.Background(), 4*config.KB)
		require.NoError(err)
		require.Len(b, 4*config.KB)
	})
}

func TestRotations(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.NumCachedRotations = 1
	c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, memLocations())

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	first := c.Pools()
	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.Equal(first[0].ID, c.Pools()[0].ID, "survives one rotation")

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	for _, p := range c.Pools() {
		for _, old := range first {
			require.NotEqual(old.ID, p.ID)
		}
	}
	require.Equal(uint64(4), c.Stats().Evictions)
}

func TestExpandedMode(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.Mode = config.ModeExpanded
	src := source.NewTestSource("seed")
	c := newCache(t, cfg, []source.Source{src}, memLocations())

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	require.Equal(4*config.KB, c.Stats().BytesCached)
	_, served := src.Calls()
	require.Equal(4*expandedSeedSize, served)

	b, err := c.Withdraw(context.Background(), 1024)
	require.NoError(err)
	require.Len(b, 1024)
}

func TestTargetScenario(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.TargetPoolCapacity = 8 * config.MB
	cfg.TargetMessageLength = 128 * config.KB
	cfg.TargetNumMessages = 10
	locs := []location.Location{location.NewMemLocation("mem", 10*config.MB)}
	c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, locs)

	require.NoError(c.PerformCacheMaintenance(context.Background()))
	st := c.Stats()
	require.LessOrEqual(st.BytesCached, 8*config.MB)
	require.GreaterOrEqual(st.BytesCached, 10*128*config.KB)
	require.Equal(7, st.Pools, "six full 1.25 MiB pools and one short one")

	for i := 0; i < 10; i++ {
		b, err := c.Withdraw(context.Background(), 128*config.KB)
		require.NoError(err)
		require.Len(b, 128*config.KB)
	}
	require.Equal(uint64(1), c.Stats().Passes, "no maintenance needed for ten messages")
}

func TestConcurrentWithdrawAndMaintenance(t *testing.T) {
	require := require.New(t)

	src := source.NewTestSourceFromReader("counter", new(counterReader))
	c := newCache(t, testConfig(), []source.Source{src}, memLocations())
	require.NoError(c.PerformCacheMaintenance(context.Background()))

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		dup  bool
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.PerformCacheMaintenance(context.Background())
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b, err := c.Withdraw(context.Background(), 64)
				if err != nil {
					continue
				}
				mu.Lock()
				for _, w := range words(b) {
					dup = dup || seen[w]
					seen[w] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.False(dup)
	require.LessOrEqual(c.Stats().BytesCached, 4*config.KB)
}

func TestBackgroundMaintenance(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.MaintenanceInterval = 1
	c := newCache(t, cfg, []source.Source{source.NewTestSource("test")}, memLocations())
	c.Start()

	require.Eventually(func() bool {
		return c.Stats().BytesCached == 4*config.KB
	}, 5*time.Second, 10*time.Millisecond)

	c.Halt()
	require.Equal(0, c.Stats().BytesCached, "halt erases the cache")
}

func TestHaltDuringInlineMaintenance(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.EnableInlineMaintenance = true
	r := newGatedReader()
	loc := location.NewMemLocation("mem", 1*config.MB)
	c := newCache(t, cfg, []source.Source{source.NewTestSourceFromReader("gated", r)}, []location.Location{loc})

	withdrawn := make(chan struct{})
	go func() {
		defer close(withdrawn)
		c.Withdraw(context.Background(), 32)
	}()
	<-r.started

	halted := make(chan struct{})
	go func() {
		defer close(halted)
		c.Halt()
	}()
	select {
	case <-halted:
		require.FailNow("halt returned while a maintenance pass was drawing")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.release)
	for _, ch := range []chan struct{}{halted, withdrawn} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			require.FailNow("timed out")
		}
	}

	require.Empty(c.Pools(), "no pool is published after halt")
	require.Equal(0, c.Stats().BytesCached)
	require.Equal(int64(1*config.MB), loc.SpaceAvailable(), "every stored pool is erased")
	require.ErrorIs(c.PerformCacheMaintenance(context.Background()), ErrNotInitialized)
}

func TestSealer(t *testing.T) {
	require := require.New(t)

	s, err := newSealer("Password124")
	require.NoError(err)
	pt := []byte("thirty two bytes of pool entropy")
	sealed, err := s.seal("00aa00000000", pt)
	require.NoError(err)
	require.Len(sealed, int(sealedSize(len(pt))))

	got, err := s.open("00aa00000000", sealed)
	require.NoError(err)
	require.Equal(pt, got)

	_, err = s.open("00aa00000001", sealed)
	require.ErrorIs(err, errSealCorrupt, "bound to the storage key")

	other, err := newSealer("Password125")
	require.NoError(err)
	_, err = other.open("00aa00000000", sealed)
	require.ErrorIs(err, errSealCorrupt)
}
