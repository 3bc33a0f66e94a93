package sqlsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedLocker implements Locker across processes with Memcached. A lock is
// a key added with Add, which only one client can win, and which expires on
// its own if the holder dies.
type MemcachedLocker struct {
	client        *memcache.Client
	ttl           time.Duration
	retryInterval time.Duration
	prefix        string
	logger        *slog.Logger
}

// MemcachedConfig holds configuration for the Memcached locker.
type MemcachedConfig struct {
	Servers []string
	// TTL bounds how long a crashed holder can keep a lock. Defaults to 30s.
	TTL time.Duration
	// RetryInterval is the delay between attempts on a held lock. Defaults to 10ms.
	RetryInterval time.Duration
	// Prefix namespaces lock keys. Defaults to "sqlsession:lock:".
	Prefix string
	// Timeout for Memcached operations. Defaults to 0 (no timeout) if not set.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewMemcachedLocker creates a MemcachedLocker with default settings.
func NewMemcachedLocker(servers ...string) *MemcachedLocker {
	return NewMemcachedLockerWithConfig(MemcachedConfig{
		Servers: servers,
		// Security: Set a default timeout to prevent indefinite hanging if Memcached is down.
		// 1 second is usually sufficient for local/network cache.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedLockerWithConfig creates a MemcachedLocker with custom configuration.
func NewMemcachedLockerWithConfig(cfg MemcachedConfig) *MemcachedLocker {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sqlsession:lock:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &MemcachedLocker{
		client:        client,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		prefix:        cfg.Prefix,
		logger:        cfg.Logger,
	}
}

func (l *MemcachedLocker) Lock(ctx context.Context, id string) (func(), error) {
	token, err := generateID()
	if err != nil {
		return nil, err
	}
	key := l.prefix + id

	for {
		err := l.client.Add(&memcache.Item{
			Key:        key,
			Value:      []byte(token),
			Expiration: memcachedExpiration(time.Now(), l.ttl),
		})
		if err == nil {
			return l.unlocker(key, token), nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return nil, fmt.Errorf("failed to acquire session lock: %w", err)
		}

		select {
		case <-time.After(l.retryInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		}
	}
}

func (l *MemcachedLocker) unlocker(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token) })
	}
}

func (l *MemcachedLocker) release(key, token string) {
	item, err := l.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return
	}
	if err != nil {
		l.logger.Warn("failed to read session lock", "key", key, "error", err)
		return
	}
	// After a TTL expiry the key may belong to another holder.
	if string(item.Value) != token {
		return
	}
	// The CAS only succeeds while the key still holds our token. A negative
	// expiration makes memcached expire the item at once, so this is an
	// atomic compare-and-delete.
	item.Expiration = -1
	err = l.client.CompareAndSwap(item)
	switch {
	case err == nil, errors.Is(err, memcache.ErrCASConflict), errors.Is(err, memcache.ErrCacheMiss), errors.Is(err, memcache.ErrNotStored):
	default:
		l.logger.Warn("failed to release session lock", "key", key, "error", err)
	}
}

// memcachedExpiration converts ttl into a Memcached expiration. Memcached
// reads values above 30 days as absolute Unix timestamps and smaller values
// as a delta from now.
func memcachedExpiration(now time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * time.Hour

	if ttl <= 0 {
		return 0
	}
	if ttl > maxDelta {
		return int32(now.Add(ttl).Unix())
	}
	// Round up: a zero delta would mean "never expires".
	return int32((ttl + time.Second - 1) / time.Second)
}
