package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeKV struct {
	data    map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	sets    int
	deletes int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	val, ok := f.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return val, nil
}

func (f *fakeKV) SetEx(_ context.Context, key string, ttl time.Duration, value string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.sets++
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.deletes++
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Pipeline() Pipeline {
	return &fakePipeline{kv: f}
}

type fakePipeline struct {
	kv   *fakeKV
	keys []string
	vals []string
	ttls []time.Duration
}

func (p *fakePipeline) SetEx(key string, ttl time.Duration, value string) {
	p.keys = append(p.keys, key)
	p.vals = append(p.vals, value)
	p.ttls = append(p.ttls, ttl)
}

func (p *fakePipeline) Exec(ctx context.Context) error {
	for i, key := range p.keys {
		if err := p.kv.SetEx(ctx, key, p.ttls[i], p.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeDirectory struct {
	companies map[string]string
	lookups   int
	batches   int
	err       error
}

func (d *fakeDirectory) StoreCompany(_ context.Context, storeID string) (string, error) {
	d.lookups++
	if d.err != nil {
		return "", d.err
	}
	companyID, ok := d.companies[storeID]
	if !ok {
		return "", ErrNotFound
	}
	return companyID, nil
}

func (d *fakeDirectory) StoreCompanies(_ context.Context, storeIDs []string) (map[string]string, error) {
	d.batches++
	if d.err != nil {
		return nil, d.err
	}
	result := make(map[string]string)
	for _, id := range storeIDs {
		if companyID, ok := d.companies[id]; ok {
			result[id] = companyID
		}
	}
	return result, nil
}

func newTestCache(t *testing.T, kv KV, dir Directory, opts ...CacheOption) *PermissionCache {
	t.Helper()
	cache, err := New(kv, dir, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cache
}

func TestGetStoreCompanyIDReadThrough(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{companies: map[string]string{"store-7": "co-1"}}
	cache := newTestCache(t, kv, dir)

	// Miss populates the cache from the directory.
	companyID, err := cache.GetStoreCompanyID(ctx, "store-7")
	if err != nil {
		t.Fatalf("GetStoreCompanyID: %v", err)
	}
	if companyID != "co-1" {
		t.Fatalf("expected co-1, got %s", companyID)
	}
	if dir.lookups != 1 || kv.sets != 1 {
		t.Fatalf("expected one directory lookup and one write-through, got %d/%d", dir.lookups, kv.sets)
	}

	var m Mapping
	if err := json.Unmarshal([]byte(kv.data[keyPrefix+"store-7"]), &m); err != nil {
		t.Fatalf("cached payload is not JSON: %v", err)
	}
	if m.StoreID != "store-7" || m.CompanyID != "co-1" {
		t.Fatalf("unexpected cached mapping: %+v", m)
	}
	if kv.ttls[keyPrefix+"store-7"] != DefaultTTL {
		t.Fatalf("expected default ttl, got %v", kv.ttls[keyPrefix+"store-7"])
	}

	// Hit skips the directory entirely.
	companyID, err = cache.GetStoreCompanyID(ctx, "store-7")
	if err != nil || companyID != "co-1" {
		t.Fatalf("cached read: company=%s err=%v", companyID, err)
	}
	if dir.lookups != 1 {
		t.Fatalf("cache hit should not consult the directory, lookups=%d", dir.lookups)
	}

	metrics := cache.GetMetrics()
	if metrics.Hits != 1 || metrics.Misses != 1 || metrics.HitRate != 50 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestGetStoreCompanyIDNoNegativeCaching(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{companies: map[string]string{}}
	cache := newTestCache(t, kv, dir)

	if _, err := cache.GetStoreCompanyID(ctx, "store-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(kv.data) != 0 {
		t.Fatalf("negative result must not be cached")
	}

	// The store appears later and is visible immediately.
	dir.companies["store-x"] = "co-9"
	companyID, err := cache.GetStoreCompanyID(ctx, "store-x")
	if err != nil || companyID != "co-9" {
		t.Fatalf("expected co-9 after creation, got %s err=%v", companyID, err)
	}
}

func TestGetStoreCompanyIDFallsBackOnCacheErrors(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.getErr = errors.New("redis down")
	kv.setErr = errors.New("redis down")
	dir := &fakeDirectory{companies: map[string]string{"store-7": "co-1"}}
	cache := newTestCache(t, kv, dir)

	companyID, err := cache.GetStoreCompanyID(ctx, "store-7")
	if err != nil || companyID != "co-1" {
		t.Fatalf("cache outage must fall back to the directory: %s err=%v", companyID, err)
	}

	if _, err := cache.GetStoreCompanyID(ctx, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
}

func TestVerifyStoreCompanyAccess(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{companies: map[string]string{"store-7": "co-1"}}
	cache := newTestCache(t, kv, dir)

	if cache.VerifyStoreCompanyAccess(ctx, nil, "store-7") {
		t.Fatalf("empty company set can never grant access")
	}
	if !cache.VerifyStoreCompanyAccess(ctx, []string{"co-2", "co-1"}, "store-7") {
		t.Fatalf("expected access for owning company")
	}
	if cache.VerifyStoreCompanyAccess(ctx, []string{"co-2"}, "store-7") {
		t.Fatalf("expected refusal for non-owning company")
	}
	if cache.VerifyStoreCompanyAccess(ctx, []string{"co-1"}, "store-unknown") {
		t.Fatalf("unknown store must refuse access")
	}
}

func TestInvalidateStoreCompanyCache(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{companies: map[string]string{"store-7": "co-1"}}
	cache := newTestCache(t, kv, dir)

	if _, err := cache.GetStoreCompanyID(ctx, "store-7"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	cache.InvalidateStoreCompanyCache(ctx, "store-7")
	if _, ok := kv.data[keyPrefix+"store-7"]; ok {
		t.Fatalf("mapping should be dropped")
	}

	// Ownership change becomes visible on the next read.
	dir.companies["store-7"] = "co-2"
	companyID, err := cache.GetStoreCompanyID(ctx, "store-7")
	if err != nil || companyID != "co-2" {
		t.Fatalf("expected co-2 after invalidation, got %s err=%v", companyID, err)
	}
}

func TestWarmStoreCompanyCache(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{companies: map[string]string{
		"store-1": "co-1",
		"store-2": "co-1",
		"store-3": "co-2",
	}}
	cache := newTestCache(t, kv, dir, WithTTL(5*time.Minute))

	err := cache.WarmStoreCompanyCache(ctx, []string{"store-1", "store-2", "store-2", " ", "store-3", "store-nope"})
	if err != nil {
		t.Fatalf("WarmStoreCompanyCache: %v", err)
	}
	if dir.batches != 1 {
		t.Fatalf("expected one batch query, got %d", dir.batches)
	}
	if len(kv.data) != 3 {
		t.Fatalf("expected 3 cached mappings, got %d", len(kv.data))
	}
	if kv.ttls[keyPrefix+"store-1"] != 5*time.Minute {
		t.Fatalf("warm writes should honor the configured ttl")
	}

	// Warmed entries serve without directory lookups.
	if _, err := cache.GetStoreCompanyID(ctx, "store-2"); err != nil {
		t.Fatalf("warmed read: %v", err)
	}
	if dir.lookups != 0 {
		t.Fatalf("warmed read should not hit the directory, lookups=%d", dir.lookups)
	}
}

func TestWarmStoreCompanyCacheDirectoryError(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{err: errors.New("db down")}
	cache := newTestCache(t, kv, dir)

	if err := cache.WarmStoreCompanyCache(ctx, []string{"store-1"}); err == nil {
		t.Fatalf("directory failure should surface from warm")
	}
	if err := cache.WarmStoreCompanyCache(ctx, nil); err != nil {
		t.Fatalf("empty warm set is a no-op: %v", err)
	}
}

func TestResetMetrics(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	dir := &fakeDirectory{companies: map[string]string{"store-7": "co-1"}}
	cache := newTestCache(t, kv, dir)

	_, _ = cache.GetStoreCompanyID(ctx, "store-7")
	_, _ = cache.GetStoreCompanyID(ctx, "store-7")
	cache.ResetMetrics()
	metrics := cache.GetMetrics()
	if metrics.Hits != 0 || metrics.Misses != 0 || metrics.HitRate != 0 {
		t.Fatalf("expected zeroed metrics, got %+v", metrics)
	}
}
