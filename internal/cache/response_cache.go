package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entry type markers. Plain entries carry the body inline, path entries
// point at a file in local storage, redirect entries replay a Location.
const (
	EntryTypePlain    = "plain"
	EntryTypePath     = "path"
	EntryTypeRedirect = "redirect"
)

// Guard flag values stored at the base key. Absent means no request has
// resolved this distribution yet.
const (
	guardPresent = "True"
	guardAbsent  = "False"
)

// Client is the key-value surface the response cache runs on. *RedisClient
// implements it.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Entry is one cached response.
type Entry struct {
	Type       string            `json:"type"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Path       string            `json:"path,omitempty"`
	RedirectTo string            `json:"redirect_to,omitempty"`
}

// ResponseCache stores whole responses keyed by distribution base path plus
// request coordinates. The key at the base path itself doubles as the
// guard-present flag, so one MGET over the ancestor base paths both finds
// the cached distribution and primes the guard check.
type ResponseCache struct {
	client Client
	ttl    time.Duration
}

func NewResponseCache(client Client, ttl time.Duration) *ResponseCache {
	return &ResponseCache{client: client, ttl: ttl}
}

// BaseKey builds the cache key for a distribution base path. domainName is
// empty when multi-tenancy is off.
func BaseKey(domainName, basePath string) string {
	if domainName == "" {
		return basePath
	}
	return domainName + ":" + basePath
}

// EntryKey builds the per-response part of the cache key.
func EntryKey(method, path, rawQuery string) string {
	return fmt.Sprintf("%s:%s?%s", method, path, rawQuery)
}

func (c *ResponseCache) entryFullKey(baseKey, entryKey string) string {
	return baseKey + "|" + entryKey
}

// FindBaseKey probes the candidate base keys, deepest first, in a single
// round trip and returns the first one a previous request populated. Empty
// string means none are cached and the caller must match against the
// database.
func (c *ResponseCache) FindBaseKey(ctx context.Context, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	values, err := c.client.MGet(ctx, candidates...)
	if err != nil {
		return "", err
	}
	for i, v := range values {
		if v != nil {
			return candidates[i], nil
		}
	}
	return "", nil
}

// GuardFlag returns "True" or "False" when a previous request recorded
// whether the distribution carries a content guard, or "" when unknown.
func (c *ResponseCache) GuardFlag(ctx context.Context, baseKey string) (string, error) {
	value, err := c.client.Get(ctx, baseKey)
	if err == ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SetGuardFlag records whether the distribution at baseKey is guarded.
func (c *ResponseCache) SetGuardFlag(ctx context.Context, baseKey string, present bool) error {
	flag := guardAbsent
	if present {
		flag = guardPresent
	}
	return c.client.Set(ctx, baseKey, []byte(flag), c.ttl)
}

// GuardCheckRequired reports whether the full guard check must run for this
// flag value. Only a recorded "False" may skip it.
func GuardCheckRequired(flag string) bool {
	return flag == guardPresent || flag == ""
}

// GetResponse returns the cached entry for the request coordinates, or nil
// on a miss.
func (c *ResponseCache) GetResponse(ctx context.Context, baseKey, entryKey string) (*Entry, error) {
	data, err := c.client.Get(ctx, c.entryFullKey(baseKey, entryKey))
	if err == ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, nil
}

// AddResponse caches the entry for the request coordinates.
func (c *ResponseCache) AddResponse(ctx context.Context, baseKey, entryKey string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return c.client.Set(ctx, c.entryFullKey(baseKey, entryKey), data, c.ttl)
}
