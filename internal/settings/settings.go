// Package settings supplies configuration values and provider credentials
// through a store-first, environment-fallback lookup with a time-boxed
// cache.
package settings

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/streamkit/streamkit/internal/streamerr"
)

// DefaultTTL is how long a resolved value is served from cache.
const DefaultTTL = 5 * time.Minute

// Store persists settings externally (SQLite or Postgres).
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set upserts a value. Used by provisioning tooling and tests.
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Provider is the lookup surface the streaming service consumes.
type Provider interface {
	// GetSetting resolves key, falling back to the environment and then
	// to def when the store has no value.
	GetSetting(ctx context.Context, key, def string) (string, error)
	// GetAPIKey resolves the credential for a provider name.
	GetAPIKey(ctx context.Context, provider string) (string, error)
}

// keyForProvider maps a provider name to its credential setting key.
var keyForProvider = map[string]string{
	"openai":         "openai.api_key",
	"amazon-bedrock": "bedrock.api_key",
	"google":         "google.api_key",
	"azure":          "azure.api_key",
}

type cacheEntry struct {
	value   string
	ok      bool
	expires time.Time
}

// Cached resolves settings store-first with an environment fallback and a
// TTL cache. The refresh path holds the write lock, so concurrent misses
// on the same key collapse into one store round trip.
type Cached struct {
	store  Store
	ttl    time.Duration
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCached wraps store with a DefaultTTL cache. A nil store is allowed;
// lookups then resolve from the environment only.
func NewCached(store Store) *Cached {
	return &Cached{
		store:   store,
		ttl:     DefaultTTL,
		entries: make(map[string]cacheEntry),
		logger:  log.New(log.Writer(), "[settings] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetTTL overrides the cache TTL; non-positive values keep the current one.
func (c *Cached) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl = ttl
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (c *Cached) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// GetSetting implements Provider.
func (c *Cached) GetSetting(ctx context.Context, key, def string) (string, error) {
	value, ok, err := c.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return value, nil
}

// GetAPIKey implements Provider. Unknown provider names and unresolvable
// credentials are configuration errors.
func (c *Cached) GetAPIKey(ctx context.Context, provider string) (string, error) {
	key, ok := keyForProvider[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return "", streamerr.Newf(streamerr.KindConfiguration, provider, "", "no credential mapping for provider %q", provider)
	}
	value, found, err := c.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !found || value == "" {
		return "", streamerr.Newf(streamerr.KindConfiguration, provider, "", "credential %s not configured", key)
	}
	return value, nil
}

func (c *Cached) lookup(ctx context.Context, key string) (string, bool, error) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.RUnlock()
		return e.value, e.ok, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return e.value, e.ok, nil
	}

	value, found, err := c.fetch(ctx, key)
	if err != nil {
		return "", false, err
	}
	c.entries[key] = cacheEntry{value: value, ok: found, expires: now.Add(c.ttl)}
	return value, found, nil
}

func (c *Cached) fetch(ctx context.Context, key string) (string, bool, error) {
	if c.store != nil {
		value, found, err := c.store.Get(ctx, key)
		if err != nil {
			return "", false, fmt.Errorf("settings: store lookup %s: %w", key, err)
		}
		if found {
			return value, true, nil
		}
	}
	if value, ok := os.LookupEnv(EnvKey(key)); ok {
		return value, true, nil
	}
	return "", false, nil
}

// Invalidate drops any cached value for key.
func (c *Cached) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// EnvKey converts a setting key to its environment variable form:
// "openai.api_key" -> "OPENAI_API_KEY".
func EnvKey(key string) string {
	key = strings.NewReplacer(".", "_", "-", "_").Replace(key)
	return strings.ToUpper(key)
}

// Static is a fixed in-memory Provider used by tests and the CLI demo.
type Static map[string]string

// GetSetting implements Provider.
func (s Static) GetSetting(_ context.Context, key, def string) (string, error) {
	if v, ok := s[key]; ok {
		return v, nil
	}
	return def, nil
}

// GetAPIKey implements Provider.
func (s Static) GetAPIKey(_ context.Context, provider string) (string, error) {
	key, ok := keyForProvider[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return "", streamerr.Newf(streamerr.KindConfiguration, provider, "", "no credential mapping for provider %q", provider)
	}
	if v, ok := s[key]; ok && v != "" {
		return v, nil
	}
	return "", streamerr.Newf(streamerr.KindConfiguration, provider, "", "credential %s not configured", key)
}
