package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"retailcore.org/internal/obs"
)

var (
	ErrNotFound     = errors.New("permcache: store not found")
	ErrInvalidInput = errors.New("permcache: invalid input")
)

const (
	keyPrefix = "store:company:"

	// DefaultTTL bounds how long an ownership mapping may be served without
	// consulting the authority. Ownership changes are rare and administrative.
	DefaultTTL = 15 * time.Minute
)

// Directory is the authoritative source of store-to-company ownership.
type Directory interface {
	StoreCompany(ctx context.Context, storeID string) (string, error)
	StoreCompanies(ctx context.Context, storeIDs []string) (map[string]string, error)
}

// Mapping is the cached JSON payload.
type Mapping struct {
	StoreID   string    `json:"store_id"`
	CompanyID string    `json:"company_id"`
	CachedAt  time.Time `json:"cached_at"`
}

// Metrics is a snapshot of the process-local hit/miss counters.
type Metrics struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// PermissionCache accelerates store-ownership checks. It is purely advisory:
// absence, staleness or cache errors always fall back to the directory, and a
// negative answer is never cached so new stores become visible immediately.
type PermissionCache struct {
	kv  KV
	dir Directory
	ttl time.Duration
	now func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheOption configures PermissionCache behavior.
type CacheOption func(*PermissionCache)

// WithTTL overrides the cache entry TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *PermissionCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock overrides the time source (useful for tests).
func WithCacheClock(fn func() time.Time) CacheOption {
	return func(c *PermissionCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New constructs the cache over a KV adapter and the authoritative directory.
func New(kv KV, dir Directory, opts ...CacheOption) (*PermissionCache, error) {
	if kv == nil {
		return nil, errors.New("permcache: kv is required")
	}
	if dir == nil {
		return nil, errors.New("permcache: directory is required")
	}
	c := &PermissionCache{kv: kv, dir: dir, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetStoreCompanyID resolves the company owning a store, cache first. The
// directory answer is written through best-effort; a cache write failure only
// costs the next caller a lookup.
func (c *PermissionCache) GetStoreCompanyID(ctx context.Context, storeID string) (string, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return "", fmt.Errorf("%w: store id is required", ErrInvalidInput)
	}

	if raw, err := c.kv.Get(ctx, keyPrefix+storeID); err == nil {
		var m Mapping
		if jsonErr := json.Unmarshal([]byte(raw), &m); jsonErr == nil && m.CompanyID != "" {
			c.hits.Add(1)
			obs.CacheLookup("hit")
			return m.CompanyID, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logWarn("cache get failed", storeID, err)
	}
	c.misses.Add(1)
	obs.CacheLookup("miss")

	companyID, err := c.dir.StoreCompany(ctx, storeID)
	if err != nil {
		return "", err
	}

	if err := c.writeThrough(ctx, storeID, companyID); err != nil {
		c.logWarn("cache write failed", storeID, err)
	}
	return companyID, nil
}

// VerifyStoreCompanyAccess reports whether the store belongs to one of the
// given companies. An empty company set can never grant access.
func (c *PermissionCache) VerifyStoreCompanyAccess(ctx context.Context, companyIDs []string, storeID string) bool {
	if len(companyIDs) == 0 {
		return false
	}
	companyID, err := c.GetStoreCompanyID(ctx, storeID)
	if err != nil {
		return false
	}
	for _, id := range companyIDs {
		if id == companyID {
			return true
		}
	}
	return false
}

// InvalidateStoreCompanyCache drops a mapping after an ownership change.
func (c *PermissionCache) InvalidateStoreCompanyCache(ctx context.Context, storeID string) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return
	}
	if err := c.kv.Del(ctx, keyPrefix+storeID); err != nil {
		c.logWarn("cache delete failed", storeID, err)
	}
}

// WarmStoreCompanyCache batch-loads mappings in one directory query and one
// pipelined cache round-trip, for startup and bulk operations.
func (c *PermissionCache) WarmStoreCompanyCache(ctx context.Context, storeIDs []string) error {
	ids := dedupeIDs(storeIDs)
	if len(ids) == 0 {
		return nil
	}
	mappings, err := c.dir.StoreCompanies(ctx, ids)
	if err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	if len(mappings) == 0 {
		return nil
	}
	now := c.now().UTC()
	pipe := c.kv.Pipeline()
	for storeID, companyID := range mappings {
		payload, err := json.Marshal(Mapping{StoreID: storeID, CompanyID: companyID, CachedAt: now})
		if err != nil {
			continue
		}
		pipe.SetEx(keyPrefix+storeID, c.ttl, string(payload))
	}
	if err := pipe.Exec(ctx); err != nil {
		c.logWarn("cache warm pipeline failed", "", err)
	}
	return nil
}

// GetMetrics returns the hit/miss counters and derived hit rate.
func (c *PermissionCache) GetMetrics() Metrics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	m := Metrics{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		m.HitRate = float64(hits) / float64(total) * 100
	}
	return m
}

// ResetMetrics zeroes the counters.
func (c *PermissionCache) ResetMetrics() {
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *PermissionCache) writeThrough(ctx context.Context, storeID, companyID string) error {
	payload, err := json.Marshal(Mapping{
		StoreID:   storeID,
		CompanyID: companyID,
		CachedAt:  c.now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.kv.SetEx(ctx, keyPrefix+storeID, c.ttl, string(payload))
}

func (c *PermissionCache) logWarn(msg, storeID string, err error) {
	entry := map[string]any{
		"ts":    c.now().UTC().Format(time.RFC3339Nano),
		"level": "warn",
		"type":  "permcache",
		"msg":   msg,
	}
	if storeID != "" {
		entry["store_id"] = storeID
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	obs.LogEntry(entry)
}

func dedupeIDs(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
