// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the entropic user configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Size units.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)

const (
	defaultLogLevel            = "NOTICE"
	defaultAlgorithm           = "Kyber768-X25519"
	defaultMaxTimeToDeath      = 7 * 24 * 60 * 60
	defaultTargetPoolCapacity  = 8 * MB
	defaultTargetMessageLength = 128 * KB
	defaultTargetNumMessages   = 10
	defaultMaxSourceRetries    = 3
	defaultEaaSEndpoint        = "api-eus.qrypt.com"
	defaultEaaSTimeout         = 10
	defaultShareTimeout        = 5
	defaultLocationCapacity    = 10 * GB
	defaultLocationID          = "ondevice"
	defaultQDEAID              = "qdea"
	defaultClusterServers      = 10
	defaultClusterPoolSize     = 1 * GB
	defaultStateFile           = "ratchet.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// CacheMode selects how cached entropy is generated and stored.
type CacheMode string

const (
	// ModeSamples stores raw samples drawn from the sources.
	ModeSamples CacheMode = "ondevice_qrand_inmemory_samples"

	// ModeExpanded draws a short seed from the sources and expands it
	// locally with SHAKE256 into a full pool.
	ModeExpanded CacheMode = "ondevice_qrand_expanded"
)

// Location kinds.
const (
	KindOnDevice = "ondevice"
	KindInMemory = "inmemory"
	KindBolt     = "bolt"
)

// Random source kinds.
const (
	SourceEaaS = "eaas"
	SourceTest = "test"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// CacheConfig is the policy of one user's entropy cache.
type CacheConfig struct {
	// DeviceSecret protects pool material at rest.
	DeviceSecret string

	// Mode selects the storage and generation strategy.
	Mode CacheMode

	// MaxTimeToDeath is the maximum age of a pool in seconds.
	MaxTimeToDeath uint64

	// NumCachedRotations is the number of maintenance passes a pool
	// survives before it is rotated out, 0 for unlimited.
	NumCachedRotations int

	// TargetPoolCapacity is the total number of bytes maintenance fills
	// the cache up to.
	TargetPoolCapacity int

	// TargetMessageLength and TargetNumMessages size each pool.
	TargetMessageLength int
	TargetNumMessages   int

	// EnableInlineMaintenance runs a maintenance pass from Withdraw when
	// the cache cannot satisfy a request.
	EnableInlineMaintenance bool

	// CacheStoreLocationID is the Location pools are written to.
	CacheStoreLocationID string

	// EnableLocationFailover moves on to the next Location when the
	// bound one is exhausted.
	EnableLocationFailover bool

	// MaintenanceInterval is the background maintenance period in
	// seconds, 0 disables the background loop.
	MaintenanceInterval uint64

	// MaxSourceRetries bounds the attempts made against a single source
	// during one draw.
	MaxSourceRetries int
}

// PoolSize returns the size of a single pool.
func (c *CacheConfig) PoolSize() int {
	return c.TargetMessageLength * c.TargetNumMessages
}

func (c *CacheConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSamples
	}
	if c.MaxTimeToDeath == 0 {
		c.MaxTimeToDeath = defaultMaxTimeToDeath
	}
	if c.TargetPoolCapacity == 0 {
		c.TargetPoolCapacity = defaultTargetPoolCapacity
	}
	if c.TargetMessageLength == 0 {
		c.TargetMessageLength = defaultTargetMessageLength
	}
	if c.TargetNumMessages == 0 {
		c.TargetNumMessages = defaultTargetNumMessages
	}
	if c.MaxSourceRetries == 0 {
		c.MaxSourceRetries = defaultMaxSourceRetries
	}
}

// Validate checks the invariants of a cache configuration.
func (c *CacheConfig) Validate() error {
	switch c.Mode {
	case ModeSamples, ModeExpanded:
	default:
		return fmt.Errorf("config: Cache: Mode '%v' is invalid", c.Mode)
	}
	if c.DeviceSecret == "" {
		return errors.New("config: Cache: DeviceSecret is not set")
	}
	if c.TargetPoolCapacity <= 0 {
		return errors.New("config: Cache: TargetPoolCapacity must be positive")
	}
	if c.MaxTimeToDeath == 0 {
		return errors.New("config: Cache: MaxTimeToDeath must be positive")
	}
	if c.TargetMessageLength <= 0 || c.TargetNumMessages <= 0 {
		return errors.New("config: Cache: TargetMessageLength and TargetNumMessages must be positive")
	}
	if c.NumCachedRotations < 0 || c.MaxSourceRetries < 0 {
		return errors.New("config: Cache: negative rotation or retry count")
	}
	if c.CacheStoreLocationID == "" {
		return errors.New("config: Cache: CacheStoreLocationID is not set")
	}
	return nil
}

// ServerCluster is the simulated QDEA server cluster.
type ServerCluster struct {
	UseTestWithPool              bool
	NumLogicalBlastServers       int
	NumActiveLogicalBlastServers int
	NumFailStopServers           int
	NumMaliciousServers          int
	PoolSize                     int
}

func (c *ServerCluster) applyDefaults() {
	if c.NumLogicalBlastServers == 0 {
		c.NumLogicalBlastServers = defaultClusterServers
		if c.NumActiveLogicalBlastServers == 0 {
			c.NumActiveLogicalBlastServers = defaultClusterServers
		}
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultClusterPoolSize
	}
}

// Validate checks the invariants of a cluster configuration.
func (c *ServerCluster) Validate() error {
	if c.NumActiveLogicalBlastServers < 0 || c.NumFailStopServers < 0 || c.NumMaliciousServers < 0 {
		return errors.New("config: ServerCluster: negative server count")
	}
	if c.NumActiveLogicalBlastServers+c.NumFailStopServers+c.NumMaliciousServers > c.NumLogicalBlastServers {
		return fmt.Errorf("config: ServerCluster: %d active + %d fail-stop + %d malicious exceeds %d servers",
			c.NumActiveLogicalBlastServers, c.NumFailStopServers, c.NumMaliciousServers, c.NumLogicalBlastServers)
	}
	if c.UseTestWithPool && c.PoolSize <= 0 {
		return errors.New("config: ServerCluster: PoolSize must be positive")
	}
	return nil
}

// RandomSource is a remote entropy provider.
type RandomSource struct {
	// Kind is "eaas" or "test".
	Kind string

	ID       string
	Endpoint string
	Token    string
	LogPath  string
	CertPath string

	// Timeout is the per request timeout in seconds.
	Timeout uint64
}

func (s *RandomSource) validate() error {
	if s.Kind == "" {
		s.Kind = SourceEaaS
	}
	if s.ID == "" {
		return errors.New("config: RandomSource: ID is not set")
	}
	switch s.Kind {
	case SourceEaaS:
		if s.Endpoint == "" {
			s.Endpoint = defaultEaaSEndpoint
		}
		if s.Token == "" {
			return fmt.Errorf("config: RandomSource '%v': Token is not set", s.ID)
		}
	case SourceTest:
	default:
		return fmt.Errorf("config: RandomSource '%v': Kind '%v' is invalid", s.ID, s.Kind)
	}
	if s.Timeout == 0 {
		s.Timeout = defaultEaaSTimeout
	}
	return nil
}

// QDEASource aggregates entropy from the ServerCluster.
type QDEASource struct {
	ID        string
	ServerURL string
	Token     string

	// Quorum is the number of accepted shares required, 0 selects
	// NumMaliciousServers + 1.
	Quorum int

	// ShareTimeout is the per share request timeout in seconds.
	ShareTimeout uint64
}

func (s *QDEASource) validate() error {
	if s.ID == "" {
		return errors.New("config: QDEASource: ID is not set")
	}
	if s.Quorum < 0 {
		return fmt.Errorf("config: QDEASource '%v': Quorum is negative", s.ID)
	}
	if s.ShareTimeout == 0 {
		s.ShareTimeout = defaultShareTimeout
	}
	return nil
}

// Location is an entropy pool storage backend.
type Location struct {
	ID string

	// Kind is "ondevice", "inmemory" or "bolt".
	Kind string

	// Path is a directory for "ondevice" and a file for "bolt".
	Path string

	// Capacity is the number of bytes the Location may hold.
	Capacity int64
}

func (l *Location) validate() error {
	if l.ID == "" {
		return errors.New("config: Location: ID is not set")
	}
	switch l.Kind {
	case KindOnDevice, KindBolt:
		if !filepath.IsAbs(l.Path) {
			return fmt.Errorf("config: Location '%v': Path '%v' is not an absolute path", l.ID, l.Path)
		}
	case KindInMemory:
	default:
		return fmt.Errorf("config: Location '%v': Kind '%v' is invalid", l.ID, l.Kind)
	}
	if l.Capacity <= 0 {
		return fmt.Errorf("config: Location '%v': Capacity must be positive", l.ID)
	}
	return nil
}

// Session is the ratchet session configuration.
type Session struct {
	// Algorithm is the KEM scheme used for ratchet establishment.
	Algorithm string

	// StoragePath is the ratchet state file.
	StoragePath string
}

// Config is the top level entropic configuration for one user.
type Config struct {
	// UserID identifies the user owning this configuration.
	UserID string

	// DataDir is the absolute path to the user's state files.
	DataDir string

	Logging   *Logging
	Cache     *CacheConfig
	Cluster   *ServerCluster
	Sources   []*RandomSource
	QDEA      []*QDEASource
	Locations []*Location
	Session   *Session
}

// Location returns the Location configuration with the given id.
func (c *Config) Location(id string) (*Location, bool) {
	for _, l := range c.Locations {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.UserID == "" {
		return errors.New("config: UserID is not set")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", c.DataDir)
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Cluster == nil {
		c.Cluster = new(ServerCluster)
	}
	c.Cluster.applyDefaults()
	if err := c.Cluster.Validate(); err != nil {
		return err
	}

	if len(c.Locations) == 0 {
		c.Locations = []*Location{{
			ID:       defaultLocationID,
			Kind:     KindOnDevice,
			Path:     filepath.Join(c.DataDir, "CacheManager"+c.UserID),
			Capacity: defaultLocationCapacity,
		}}
	}
	seen := make(map[string]bool)
	for _, l := range c.Locations {
		if err := l.validate(); err != nil {
			return err
		}
		if seen[l.ID] {
			return fmt.Errorf("config: Location '%v' is defined more than once", l.ID)
		}
		seen[l.ID] = true
	}

	if len(c.Sources) == 0 && len(c.QDEA) == 0 {
		c.QDEA = []*QDEASource{{ID: defaultQDEAID}}
	}
	for _, s := range c.Sources {
		if err := s.validate(); err != nil {
			return err
		}
	}
	for _, s := range c.QDEA {
		if err := s.validate(); err != nil {
			return err
		}
		if s.Quorum > c.Cluster.NumLogicalBlastServers {
			return fmt.Errorf("config: QDEASource '%v': Quorum %d exceeds cluster size", s.ID, s.Quorum)
		}
	}

	if c.Cache == nil {
		return errors.New("config: No Cache block was present")
	}
	c.Cache.applyDefaults()
	if c.Cache.CacheStoreLocationID == "" {
		c.Cache.CacheStoreLocationID = c.Locations[0].ID
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if _, ok := c.Location(c.Cache.CacheStoreLocationID); !ok {
		return fmt.Errorf("config: Cache: CacheStoreLocationID '%v' does not reference a Location", c.Cache.CacheStoreLocationID)
	}

	if c.Session == nil {
		c.Session = new(Session)
	}
	if c.Session.Algorithm == "" {
		c.Session.Algorithm = defaultAlgorithm
	}
	if c.Session.StoragePath == "" {
		c.Session.StoragePath = filepath.Join(c.DataDir, defaultStateFile)
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
