// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package user bundles one identity with its entropy cache, its session
// provider and the sources and locations they draw on.
package user

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/kem/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/entropic/cache"
	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/keyservice"
	"github.com/katzenpost/entropic/location"
	"github.com/katzenpost/entropic/qdea"
	"github.com/katzenpost/entropic/relay"
	"github.com/katzenpost/entropic/session"
	"github.com/katzenpost/entropic/source"
)

// ErrMalformedPayload is the error returned when a relay message is not
// valid base64 text.
var ErrMalformedPayload = errors.New("user: malformed payload")

// Option configures a User.
type Option func(*options)

type options struct {
	keys      keyservice.KeyService
	cluster   *qdea.ServerCluster
	cacheOpts []cache.Option
}

// WithKeyService sets the key service. Without it the insecure
// keyservice.Fixture is used.
func WithKeyService(keys keyservice.KeyService) Option {
	return func(o *options) {
		o.keys = keys
	}
}

// WithServerCluster makes the QDEA sources draw from cluster instead of a
// cluster built from the configuration.
func WithServerCluster(cluster *qdea.ServerCluster) Option {
	return func(o *options) {
		o.cluster = cluster
	}
}

// WithCacheOptions passes opts to the entropy cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// User is one identity and everything it exclusively owns.
type User struct {
	ID     string
	Config *config.Config

	Cache      *cache.Cache
	Provider   *session.Provider
	KeyService keyservice.KeyService

	Sources     []source.Source
	QDEASources []source.Source
	Locations   []location.Location

	log *logging.Logger
}

// New constructs the User described by cfg. The cache is initialized but
// not filled until Start.
func New(cfg *config.Config, logBackend *log.Backend, opts ...Option) (*User, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	o := new(options)
	for _, opt := range opts {
		opt(o)
	}

	u := &User{
		ID:     cfg.UserID,
		Config: cfg,
		log:    logBackend.GetLogger("user:" + cfg.UserID),
	}
	ok := false
	defer func() {
		if !ok {
			u.close()
		}
	}()

	for _, lCfg := range cfg.Locations {
		l, err := newLocation(lCfg)
		if err != nil {
			return nil, err
		}
		u.Locations = append(u.Locations, l)
	}

	for _, sCfg := range cfg.Sources {
		switch sCfg.Kind {
		case config.SourceTest:
			u.Sources = append(u.Sources, source.NewTestSource(sCfg.ID))
		default:
			s, err := source.NewEaaSSource(sCfg, logBackend)
			if err != nil {
				return nil, err
			}
			u.Sources = append(u.Sources, s)
		}
	}

	if len(cfg.QDEA) > 0 {
		cluster := o.cluster
		if cluster == nil {
			var err error
			if cluster, err = qdea.NewServerCluster(cfg.Cluster); err != nil {
				return nil, err
			}
		}
		for _, qCfg := range cfg.QDEA {
			s, err := qdea.New(qCfg, cluster, logBackend)
			if err != nil {
				return nil, err
			}
			u.QDEASources = append(u.QDEASources, s)
		}
	}

	u.Cache = cache.New(logBackend, o.cacheOpts...)
	if err := u.Cache.Initialize(cfg.Cache, u.Sources, u.Locations, u.QDEASources); err != nil {
		return nil, err
	}

	u.KeyService = o.keys
	if u.KeyService == nil {
		scheme := schemes.ByName(cfg.Session.Algorithm)
		if scheme == nil {
			return nil, fmt.Errorf("%w: %v", session.ErrUnknownAlgorithm, cfg.Session.Algorithm)
		}
		u.log.Warning("No key service configured, using the INSECURE fixture key service.")
		u.KeyService = keyservice.NewFixture(scheme)
	}

	var err error
	if u.Provider, err = session.CreateSessionProvider(u.KeyService, cfg.Session.Algorithm, logBackend); err != nil {
		return nil, err
	}

	ok = true
	return u, nil
}

func newLocation(cfg *config.Location) (location.Location, error) {
	switch cfg.Kind {
	case config.KindInMemory:
		return location.NewMemLocation(cfg.ID, cfg.Capacity), nil
	case config.KindBolt:
		return location.NewBoltLocation(cfg.ID, cfg.Path, cfg.Capacity)
	case config.KindOnDevice:
		return location.NewFileLocation(cfg.ID, cfg.Path, cfg.Capacity)
	default:
		return nil, fmt.Errorf("user: unsupported location kind '%v'", cfg.Kind)
	}
}

// Start fills the entropy cache, launches background maintenance and
// begins the ratchet session.
func (u *User) Start(ctx context.Context) error {
	if err := u.Cache.PerformCacheMaintenance(ctx); err != nil {
		return err
	}
	u.Cache.Start()
	if err := u.Provider.BeginSession(u.ID, u.Config.Session.StoragePath, u.Cache); err != nil {
		u.Cache.Halt()
		return err
	}
	u.log.Noticef("Started, %d bytes cached", u.Cache.Stats().BytesCached)
	return nil
}

// Stop ends the ratchet session and releases the cache, the locations and
// the sources. The User cannot be restarted.
func (u *User) Stop() error {
	err := u.Provider.EndSession()
	if errors.Is(err, session.ErrSessionNotActive) {
		err = nil
	}
	return errors.Join(err, u.close())
}

func (u *User) close() error {
	if u.Cache != nil {
		u.Cache.Halt()
	}
	var errs []error
	for _, s := range u.Sources {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	for _, l := range u.Locations {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

// Send encrypts plaintext for peerID and publishes it to threadID as
// base64 text.
func (u *User) Send(ctx context.Context, r relay.Relay, threadID, peerID string, plaintext []byte) (string, error) {
	ct, err := u.Provider.EncryptMessage(ctx, peerID, plaintext)
	if err != nil {
		return "", err
	}
	payload := base64.StdEncoding.EncodeToString(ct)
	id, err := r.Publish(ctx, threadID, u.ID, []byte(payload))
	if err != nil {
		return "", err
	}
	u.log.Debugf("Sent %s to %s on %s", id, peerID, threadID)
	return id, nil
}

// Received is a decrypted relay message.
type Received struct {
	MessageID string
	SenderID  string
	Plaintext []byte
}

// Receive returns the next message of sub not sent by the User itself,
// decrypted with the ratchet shared with its sender.
func (u *User) Receive(ctx context.Context, sub *relay.Subscription) (*Received, error) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if m.SenderID == u.ID {
			continue
		}

		ct, err := base64.StdEncoding.DecodeString(string(m.Payload))
		if err != nil {
			return nil, fmt.Errorf("%w: message %s: %v", ErrMalformedPayload, m.ID, err)
		}
		pt, err := u.Provider.DecryptMessage(ctx, m.SenderID, ct)
		if err != nil {
			return nil, err
		}
		return &Received{
			MessageID: m.ID,
			SenderID:  m.SenderID,
			Plaintext: pt,
		}, nil
	}
}
