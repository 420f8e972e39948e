// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package cache implements the entropy pool cache: a capacity and time
// bounded store of random bytes, replenished from entropy sources into
// storage Locations and consumed exactly once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
	"golang.org/x/crypto/sha3"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/core/retry"
	"github.com/katzenpost/entropic/core/worker"
	"github.com/katzenpost/entropic/internal/instrument"
	"github.com/katzenpost/entropic/location"
	"github.com/katzenpost/entropic/qdea"
	"github.com/katzenpost/entropic/source"
)

// expandedSeedSize is the number of source bytes drawn per pool in
// config.ModeExpanded.
const expandedSeedSize = 64

var (
	// ErrConfigInvalid is the error returned when the cache bindings are
	// unusable.
	ErrConfigInvalid = errors.New("cache: invalid configuration")

	// ErrInsufficientEntropy is the error returned when the cache cannot
	// supply the requested number of bytes.
	ErrInsufficientEntropy = errors.New("cache: insufficient entropy")

	// ErrNotInitialized is the error returned when the cache is used
	// before Initialize.
	ErrNotInitialized = errors.New("cache: not initialized")
)

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source used for pool ages.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithRetryPolicy sets the backoff used against failing sources. The
// attempt count is taken from CacheConfig.MaxSourceRetries.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Cache) {
		c.retry = p
	}
}

// Stats is a snapshot of the cache accounting.
type Stats struct {
	Pools          int
	BytesCached    int
	Withdrawals    uint64
	BytesWithdrawn uint64
	Evictions      uint64
	Passes         uint64
}

// Cache is an entropy pool cache.
type Cache struct {
	sync.Mutex
	worker.Worker

	// maintMu serialises maintenance passes.
	maintMu sync.Mutex

	log   *logging.Logger
	now   func() time.Time
	retry retry.Policy

	cfg       config.CacheConfig
	sealer    *sealer
	sources   []source.Source
	locations []location.Location
	bound     int

	pools      *avl.Tree
	cached     int
	nextSource int
	seq        uint64
	stats      Stats

	initialized bool
}

// New returns an uninitialized Cache.
func New(logBackend *log.Backend, opts ...Option) *Cache {
	c := &Cache{
		log:   logBackend.GetLogger("cache"),
		now:   time.Now,
		retry: retry.DefaultPolicy(),
		pools: avl.New(comparePools),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize binds the configuration, sources and locations. Random
// sources are drawn from before QDEA sources.
func (c *Cache) Initialize(cfg *config.CacheConfig, randomSources []source.Source, locations []location.Location, qdeaSources []source.Source) error {
	c.Lock()
	defer c.Unlock()

	if c.initialized {
		return fmt.Errorf("%w: already initialized", ErrConfigInvalid)
	}
	if cfg == nil {
		return fmt.Errorf("%w: no configuration", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if len(randomSources)+len(qdeaSources) == 0 {
		return fmt.Errorf("%w: no entropy sources", ErrConfigInvalid)
	}

	bound := -1
	for i, l := range locations {
		if l.ID() == cfg.CacheStoreLocationID {
			bound = i
			break
		}
	}
	if bound < 0 {
		return fmt.Errorf("%w: location '%v' is not bound", ErrConfigInvalid, cfg.CacheStoreLocationID)
	}

	s, err := newSealer(cfg.DeviceSecret)
	if err != nil {
		return err
	}

	c.cfg = *cfg
	c.sealer = s
	c.sources = append(append([]source.Source{}, randomSources...), qdeaSources...)
	c.locations = append([]location.Location{}, locations...)
	c.bound = bound
	c.initialized = true
	c.log.Noticef("Initialized: %d sources, %d locations, capacity %d bytes, pool size %d bytes",
		len(c.sources), len(c.locations), cfg.TargetPoolCapacity, min(cfg.PoolSize(), cfg.TargetPoolCapacity))
	return nil
}

func (c *Cache) ttd() time.Duration {
	return time.Duration(c.cfg.MaxTimeToDeath) * time.Second
}

// PerformCacheMaintenance evicts expired and fully rotated pools and then
// refills the cache up to its target capacity.
func (c *Cache) PerformCacheMaintenance(ctx context.Context) error {
	c.maintMu.Lock()
	defer c.maintMu.Unlock()

	c.Lock()
	if !c.initialized {
		c.Unlock()
		return ErrNotInitialized
	}
	c.stats.Passes++
	c.evictLocked(true)
	deficit := c.cfg.TargetPoolCapacity - c.cached
	c.Unlock()

	poolSize := c.cfg.PoolSize()
	filled := 0
	for deficit > 0 {
		size := min(poolSize, deficit)
		b, srcID, err := c.draw(ctx, size)
		if err != nil {
			c.log.Errorf("Maintenance stopped after %d bytes: %v", filled, err)
			return err
		}
		p, err := c.store(b, srcID)
		clear(b)
		if err != nil {
			c.log.Errorf("Maintenance stopped after %d bytes: %v", filled, err)
			return err
		}

		// Publish only once the pool is fully stored.
		c.Lock()
		if !c.initialized {
			if loc := c.location(p.LocationID); loc != nil {
				loc.Remove(p.storageKey())
			}
			c.Unlock()
			return ErrNotInitialized
		}
		c.seq++
		p.seq = c.seq
		p.node = c.pools.Insert(p)
		c.cached += p.Size
		instrument.CachedBytes(c.cached)
		c.Unlock()

		deficit -= size
		filled += size
	}
	if filled > 0 {
		c.log.Infof("Maintenance added %d bytes", filled)
	}
	return nil
}

// draw obtains n bytes, trying each source in turn starting after the one
// used last.
func (c *Cache) draw(ctx context.Context, n int) ([]byte, string, error) {
	c.Lock()
	start := c.nextSource
	c.nextSource = (c.nextSource + 1) % len(c.sources)
	c.Unlock()

	want := n
	if c.cfg.Mode == config.ModeExpanded {
		want = expandedSeedSize
	}

	p := c.retry
	p.MaxAttempts = c.cfg.MaxSourceRetries

	var lastErr error
	for i := range c.sources {
		src := c.sources[(start+i)%len(c.sources)]
		var b []byte
		err := retry.Do(ctx, p, isTransient, func(attempt int) error {
			var err error
			b, err = src.Generate(ctx, want)
			if err == nil && len(b) != want {
				err = fmt.Errorf("%w: %s returned %d of %d bytes", source.ErrSourceUnavailable, src.ID(), len(b), want)
			}
			if err != nil {
				c.log.Debugf("Source %s attempt %d: %v", src.ID(), attempt+1, err)
			}
			return err
		})
		if err != nil {
			lastErr = err
			c.log.Warningf("Source %s failed: %v", src.ID(), err)
			continue
		}
		if c.cfg.Mode == config.ModeExpanded {
			seed := b
			b = make([]byte, n)
			h := sha3.NewShake256()
			h.Write(seed)
			if _, err := io.ReadFull(h, b); err != nil {
				panic("cache: BUG: shake read failed: " + err.Error())
			}
			clear(seed)
		}
		return b, src.ID(), nil
	}
	return nil, "", fmt.Errorf("%w: every source failed: %w", ErrInsufficientEntropy, lastErr)
}

func isTransient(err error) bool {
	return errors.Is(err, source.ErrSourceUnavailable) || errors.Is(err, qdea.ErrQuorumUnavailable)
}

// store seals b and writes it to the bound Location, failing over to the
// other Locations when enabled.
func (c *Cache) store(b []byte, srcID string) (*Pool, error) {
	id, err := newPoolID()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		ID:      id,
		Created: c.now(),
		Source:  srcID,
		Size:    len(b),
	}
	sealed, err := c.sealer.seal(p.storageKey(), b)
	if err != nil {
		return nil, err
	}

	c.Lock()
	bound := c.bound
	c.Unlock()

	for i := range c.locations {
		idx := (bound + i) % len(c.locations)
		loc := c.locations[idx]
		err = loc.Store(p.storageKey(), sealed)
		if err == nil {
			p.LocationID = loc.ID()
			if idx != bound {
				c.Lock()
				c.bound = idx
				c.Unlock()
				c.log.Noticef("Failed over from location %s to %s", c.locations[bound].ID(), loc.ID())
			}
			return p, nil
		}
		if !errors.Is(err, location.ErrStorageExhausted) || !c.cfg.EnableLocationFailover {
			return nil, err
		}
		c.log.Warningf("Location %s: %v", loc.ID(), err)
	}
	return nil, err
}

func (c *Cache) location(id string) location.Location {
	for _, l := range c.locations {
		if l.ID() == id {
			return l
		}
	}
	return nil
}

// evictLocked removes expired pools and, when rotate is set, ages every
// pool by one rotation and removes those past NumCachedRotations.
func (c *Cache) evictLocked(rotate bool) {
	now := c.now()
	ttd := c.ttd()

	var victims []*Pool
	reasons := make(map[*Pool]string)
	c.pools.ForEach(avl.Forward, func(node *avl.Node) bool {
		p := node.Value.(*Pool)
		switch {
		case p.expired(now, ttd):
			victims = append(victims, p)
			reasons[p] = "expired"
		case rotate:
			p.Rotations++
			if c.cfg.NumCachedRotations > 0 && p.Rotations > c.cfg.NumCachedRotations {
				victims = append(victims, p)
				reasons[p] = "rotated"
			}
		}
		return true
	})
	for _, p := range victims {
		c.removeLocked(p)
		c.stats.Evictions++
		instrument.PoolEvicted(reasons[p])
		c.log.Debugf("Evicted %s pool %s (%d bytes)", reasons[p], p.ID, p.Size)
	}
}

// removeLocked erases the pool from its Location and drops it from the
// set.
func (c *Cache) removeLocked(p *Pool) {
	if loc := c.location(p.LocationID); loc != nil {
		if err := loc.Remove(p.storageKey()); err != nil {
			c.log.Errorf("Failed to erase pool %s: %v", p.ID, err)
		}
	}
	c.pools.Remove(p.node)
	p.node = nil
	c.cached -= p.Size
	instrument.CachedBytes(c.cached)
}

// Withdraw returns exactly n unexpired bytes taken from the oldest pools.
// The bytes are removed from the cache and are never returned again.
func (c *Cache) Withdraw(ctx context.Context, n int) ([]byte, error) {
	b, err := c.withdraw(n)
	if errors.Is(err, ErrInsufficientEntropy) && c.cfg.EnableInlineMaintenance {
		c.log.Info("Running inline maintenance")
		if mErr := c.PerformCacheMaintenance(ctx); mErr != nil {
			c.log.Warningf("Inline maintenance failed: %v", mErr)
		}
		b, err = c.withdraw(n)
	}
	return b, err
}

func (c *Cache) withdraw(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cache: invalid withdrawal size %d", n)
	}

	c.Lock()
	defer c.Unlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}
	c.evictLocked(false)
	if c.cached < n {
		return nil, fmt.Errorf("%w: %d bytes requested, %d cached", ErrInsufficientEntropy, n, c.cached)
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		node := c.pools.First()
		if node == nil {
			clear(out)
			return nil, fmt.Errorf("%w: %d bytes requested, pools exhausted", ErrInsufficientEntropy, n)
		}
		p := node.Value.(*Pool)
		b, err := c.take(p, n-len(out))
		if err != nil {
			c.log.Errorf("Dropping pool %s: %v", p.ID, err)
			c.removeLocked(p)
			c.stats.Evictions++
			instrument.PoolEvicted("corrupt")
			continue
		}
		out = append(out, b...)
		clear(b)
	}

	c.stats.Withdrawals++
	c.stats.BytesWithdrawn += uint64(n)
	instrument.Withdrawn(n)
	return out, nil
}

// take consumes up to want bytes from the front of p. The unconsumed
// remainder is resealed as the next generation of the pool.
func (c *Cache) take(p *Pool, want int) ([]byte, error) {
	loc := c.location(p.LocationID)
	if loc == nil {
		return nil, fmt.Errorf("cache: unknown location '%v'", p.LocationID)
	}
	sealed, err := loc.Load(p.storageKey())
	if err != nil {
		return nil, err
	}
	pt, err := c.sealer.open(p.storageKey(), sealed)
	if err != nil {
		return nil, err
	}
	defer clear(pt)

	k := min(want, len(pt))
	out := append([]byte(nil), pt[:k]...)

	if err := loc.Remove(p.storageKey()); err != nil {
		clear(out)
		return nil, err
	}
	if k == len(pt) {
		c.pools.Remove(p.node)
		p.node = nil
		c.cached -= p.Size
		instrument.CachedBytes(c.cached)
		return out, nil
	}

	p.Generation++
	rest := pt[k:]
	resealed, err := c.sealer.seal(p.storageKey(), rest)
	if err == nil {
		err = loc.Store(p.storageKey(), resealed)
	}
	if err != nil {
		// The remainder is lost, the consumed bytes are still good.
		c.log.Errorf("Failed to reseal pool %s: %v", p.ID, err)
		c.pools.Remove(p.node)
		p.node = nil
		c.cached -= p.Size
		instrument.CachedBytes(c.cached)
		return out, nil
	}
	c.cached -= k
	p.Size -= k
	instrument.CachedBytes(c.cached)
	return out, nil
}

// Pools returns a snapshot of the pool metadata, oldest first.
func (c *Cache) Pools() []Pool {
	c.Lock()
	defer c.Unlock()

	pools := make([]Pool, 0, c.pools.Len())
	c.pools.ForEach(avl.Forward, func(node *avl.Node) bool {
		p := *node.Value.(*Pool)
		p.node = nil
		pools = append(pools, p)
		return true
	})
	return pools
}

// Stats returns a snapshot of the cache accounting.
func (c *Cache) Stats() Stats {
	c.Lock()
	defer c.Unlock()

	st := c.stats
	st.Pools = c.pools.Len()
	st.BytesCached = c.cached
	return st
}

// Start launches the background maintenance loop. It is a no-op when
// MaintenanceInterval is zero.
func (c *Cache) Start() {
	c.Lock()
	interval := time.Duration(c.cfg.MaintenanceInterval) * time.Second
	c.Unlock()
	if interval == 0 {
		return
	}
	c.Go(func() {
		c.maintenanceWorker(interval)
	})
}

func (c *Cache) maintenanceWorker(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.PerformCacheMaintenance(ctx); err != nil {
			c.log.Warningf("Background maintenance: %v", err)
		}
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			return
		case <-ticker.C:
		}
	}
}

// Halt stops the maintenance loop and erases every cached pool. An inline
// maintenance pass still in progress completes before the teardown.
func (c *Cache) Halt() {
	c.Worker.Halt()

	c.maintMu.Lock()
	defer c.maintMu.Unlock()
	c.Lock()
	defer c.Unlock()

	var all []*Pool
	c.pools.ForEach(avl.Forward, func(node *avl.Node) bool {
		all = append(all, node.Value.(*Pool))
		return true
	})
	for _, p := range all {
		c.removeLocked(p)
	}
	if c.sealer != nil {
		c.sealer.reset()
	}
	c.initialized = false
}
