package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meshtrust/pkg/keys"
)

const (
	DefaultLookupTimeout = 2 * time.Second
	DefaultMaxStaleness  = 5 * time.Minute
)

// KeyStore is the persisted authorization table.
type KeyStore interface {
	Exists(ctx context.Context, key keys.PublicKey, role keys.Role) (bool, error)
	Insert(ctx context.Context, key keys.PublicKey, role keys.Role) error
	Delete(ctx context.Context, key keys.PublicKey, role keys.Role) error
	List(ctx context.Context, role keys.Role) ([]keys.PublicKey, error)
	All(ctx context.Context) (map[keys.Role]map[keys.PublicKey]struct{}, error)
}

// Verifier answers whether a raw key holds a role. Both the Oracle and the
// remote authorization client implement it.
type Verifier interface {
	VerifyAuthorizedKey(ctx context.Context, key []byte, role keys.Role) (bool, error)
}

// Oracle is the source of truth for signer legitimacy.
type Oracle struct {
	store   KeyStore
	cache   *KeyCache
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Oracle)

func WithLookupTimeout(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithCache(cache *KeyCache) Option {
	return func(o *Oracle) {
		if cache != nil {
			o.cache = cache
		}
	}
}

func NewOracle(store KeyStore, opts ...Option) *Oracle {
	o := &Oracle{
		store:   store,
		cache:   NewKeyCache(DefaultMaxStaleness),
		timeout: DefaultLookupTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IsAuthorized never returns an error: a store failure or timeout is
// logged and answered as not authorized.
func (o *Oracle) IsAuthorized(ctx context.Context, key keys.PublicKey, role keys.Role) bool {
	if o.cache.Contains(key, role) {
		return true
	}
	lookupCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	ok, err := o.store.Exists(lookupCtx, key, role)
	if err != nil {
		o.logger.Warn("authorization lookup failed", "pubkey", key.String(), "role", role.String(), "error", err)
		return false
	}
	return ok
}

// IsAuthorizedAny reports whether key holds at least one of roles.
func (o *Oracle) IsAuthorizedAny(ctx context.Context, key keys.PublicKey, roles ...keys.Role) bool {
	for _, role := range roles {
		if o.IsAuthorized(ctx, key, role) {
			return true
		}
	}
	return false
}

func (o *Oracle) VerifyAuthorizedKey(ctx context.Context, key []byte, role keys.Role) (bool, error) {
	pub, err := keys.ParseBytes(key)
	if err != nil {
		return false, err
	}
	return o.IsAuthorized(ctx, pub, role), nil
}

func (o *Oracle) AddKey(ctx context.Context, key keys.PublicKey, role keys.Role) error {
	if !role.Valid() {
		return fmt.Errorf("add key: unknown role %d", int32(role))
	}
	o.cache.Evict(key, role)
	err := o.store.Insert(ctx, key, role)
	o.cache.Evict(key, role)
	return err
}

func (o *Oracle) RemoveKey(ctx context.Context, key keys.PublicKey, role keys.Role) error {
	o.cache.Evict(key, role)
	err := o.store.Delete(ctx, key, role)
	o.cache.Evict(key, role)
	return err
}

func (o *Oracle) List(ctx context.Context, role keys.Role) ([]keys.PublicKey, error) {
	return o.store.List(ctx, role)
}

// ErrRefreshSuperseded is returned when a mutation landed while a refresh
// was loading; the loaded view is dropped.
var ErrRefreshSuperseded = errors.New("cache refresh superseded")

func (o *Oracle) Refresh(ctx context.Context) error {
	prev := o.cache.begin()
	lookupCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	roles, err := o.store.All(lookupCtx)
	if err != nil {
		return fmt.Errorf("refresh key cache: %w", err)
	}
	if !o.cache.commit(prev, roles) {
		return ErrRefreshSuperseded
	}
	return nil
}

// Run refreshes the cache every interval until ctx is done.
func (o *Oracle) Run(ctx context.Context, interval time.Duration) error {
	if err := o.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshSuperseded) {
		o.logger.Warn("initial key cache refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := o.Refresh(ctx); err != nil {
			if errors.Is(err, ErrRefreshSuperseded) {
				o.logger.Debug("key cache refresh superseded")
				continue
			}
			o.logger.Warn("key cache refresh failed", "error", err)
			continue
		}
		o.logger.Debug("key cache refreshed", "keys", o.cache.Len())
	}
}
