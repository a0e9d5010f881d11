// Package coordinator implements the fetch coordinator: the decision point
// between serving a cached value and refreshing it from the vendor. Its
// central invariant is at-most-one in-flight fetch per (vendor, site,
// category) key — concurrent callers for the same key share one vendor call
// and all observe the same outcome. Adapter failures never escape as
// panics; they become cache entry state with a per-key backoff schedule.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/solwatch/solwatch/internal/cache"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/platform"
	"github.com/solwatch/solwatch/internal/policy"
)

// ErrStaleAndUnavailable means the fetch failed and no prior cached value
// exists to degrade to. Surfaced to the caller as a gap, never a crash.
var ErrStaleAndUnavailable = errors.New("no cached value available and refresh failed")

// Result is a cached or freshly fetched sample tagged with its age. Stale
// means the value is older than policy allows but was the best available.
type Result struct {
	Sample models.MetricSample `json:"sample"`
	Age    time.Duration       `json:"age"`
	Stale  bool                `json:"stale"`
}

// Coordinator deduplicates and schedules fetches over the cache store.
type Coordinator struct {
	store    *cache.Store
	adapters platform.Registry
	policy   *policy.Table
	// timeout bounds every adapter call; on expiry the vendor counts as
	// unreachable.
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	flights map[cache.Key]*flight
}

// flight is one in-progress fetch. Waiters block on done and then read the
// shared result.
type flight struct {
	done chan struct{}
	res  Result
	err  error
}

// New builds a coordinator. timeout must be positive.
func New(store *cache.Store, adapters platform.Registry, pol *policy.Table, timeout time.Duration, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		store:    store,
		adapters: adapters,
		policy:   pol,
		timeout:  timeout,
		logger:   logger,
		flights:  make(map[cache.Key]*flight),
	}
}

// SeedKeys validates that every roster site has an adapter and returns the
// full key space of (site, supported category) pairs. An unknown vendor is
// a configuration error and fails startup, not a request.
func SeedKeys(adapters platform.Registry, fleet []models.Site) ([]cache.Key, error) {
	var keys []cache.Key
	for _, site := range fleet {
		adapter, ok := adapters.Lookup(site.VendorCode)
		if !ok {
			return nil, fmt.Errorf("site %s: no adapter registered for vendor %q", site.ID, site.VendorCode)
		}
		for _, c := range models.AllCategories {
			if adapter.Supports(c) {
				keys = append(keys, cache.Key{VendorCode: site.VendorCode, SiteID: site.ID, Category: c})
			}
		}
	}
	return keys, nil
}

// GetOrRefresh returns the cached value for (site, category) when it is
// fresh enough, otherwise refreshes it — joining an in-flight fetch if one
// exists. On refresh failure a prior value is returned tagged stale; with
// no prior value the call fails with ErrStaleAndUnavailable.
func (c *Coordinator) GetOrRefresh(ctx context.Context, site models.Site, category models.Category) (Result, error) {
	adapter, key, err := c.resolve(site, category)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	entry, _ := c.store.Get(key)

	maxAge := c.policy.MaxAge(category, key.VendorCode)
	if entry.HasValue() && entry.Age(now) <= maxAge {
		return Result{Sample: *entry.Sample, Age: entry.Age(now)}, nil
	}

	// Due, but still inside the failure backoff window: serve what we have
	// rather than hammering a failing vendor.
	if now.Before(entry.NextEligible) {
		if entry.HasValue() {
			return Result{Sample: *entry.Sample, Age: entry.Age(now), Stale: true}, nil
		}
		return Result{}, fmt.Errorf("%s (retry eligible at %s): %w",
			entry.LastError, entry.NextEligible.Format(time.RFC3339), ErrStaleAndUnavailable)
	}

	return c.refresh(ctx, adapter, site, key, category)
}

// ForceRefresh bypasses the freshness check but still honors the
// at-most-one-in-flight invariant: a forced refresh concurrent with an
// ongoing fetch joins it instead of issuing a duplicate vendor call.
func (c *Coordinator) ForceRefresh(ctx context.Context, site models.Site, category models.Category) (Result, error) {
	adapter, key, err := c.resolve(site, category)
	if err != nil {
		return Result{}, err
	}
	return c.refresh(ctx, adapter, site, key, category)
}

func (c *Coordinator) resolve(site models.Site, category models.Category) (platform.Adapter, cache.Key, error) {
	adapter, ok := c.adapters.Lookup(site.VendorCode)
	if !ok {
		return nil, cache.Key{}, fmt.Errorf("no adapter for vendor %q", site.VendorCode)
	}
	if !adapter.Supports(category) {
		// Startup validation keeps this out of correctly configured
		// deployments; reaching it means a programming error upstream.
		return nil, cache.Key{}, platform.Errf(site.VendorCode, platform.ErrUnsupported,
			"category %s not supported", category)
	}
	return adapter, cache.Key{VendorCode: site.VendorCode, SiteID: site.ID, Category: category}, nil
}

// refresh performs or joins the single fetch for key.
func (c *Coordinator) refresh(ctx context.Context, adapter platform.Adapter, site models.Site, key cache.Key, category models.Category) (Result, error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.res, f.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	f.res, f.err = c.doFetch(ctx, adapter, site, key, category)

	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()
	close(f.done)

	return f.res, f.err
}

// doFetch runs the adapter call and folds the outcome into the cache entry.
// No cache lock is held across the adapter call; the vendor may take its
// full timeout without blocking readers of other keys — or this one.
func (c *Coordinator) doFetch(ctx context.Context, adapter platform.Adapter, site models.Site, key cache.Key, category models.Category) (Result, error) {
	prior, _ := c.store.Get(key)

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	sample, fetchErr := adapter.Fetch(fetchCtx, site, category)
	cancel()

	now := time.Now().UTC()

	if fetchErr == nil {
		entry := cache.Entry{
			Key:          key,
			Sample:       &sample,
			LastSuccess:  now,
			LastAttempt:  now,
			NextEligible: now,
		}
		c.store.Put(entry)
		c.applySideEffects(site, category, sample, now)
		return Result{Sample: sample}, nil
	}

	if ctx.Err() != nil {
		// Caller cancellation is shutdown or a departed client, not vendor
		// degradation; leave the entry's failure state untouched.
		if prior.HasValue() {
			return Result{Sample: *prior.Sample, Age: now.Sub(prior.LastSuccess), Stale: true}, nil
		}
		return Result{}, fmt.Errorf("%v: %w", fetchErr, ErrStaleAndUnavailable)
	}

	kind := platform.KindOf(fetchErr)
	attempts := prior.Attempts + 1
	var backoff time.Duration
	if kind == platform.ErrRateLimited {
		backoff = c.policy.RateLimitedBackoff(category, attempts)
	} else {
		backoff = c.policy.Backoff(category, attempts)
	}

	entry := cache.Entry{
		Key:          key,
		Sample:       prior.Sample,
		LastSuccess:  prior.LastSuccess,
		LastAttempt:  now,
		Attempts:     attempts,
		NextEligible: now.Add(backoff),
		LastError:    fetchErr.Error(),
	}
	c.store.Put(entry)

	if kind == platform.ErrUnauthorized {
		// Credential problems need an operator, not retries.
		c.logger.Printf("[coordinator] AUTH FAILURE %s: %v", key, fetchErr)
	} else {
		c.logger.Printf("[coordinator] fetch %s failed (attempt %d, retry in %s): %v",
			key, attempts, backoff, fetchErr)
	}

	if prior.HasValue() {
		return Result{Sample: *prior.Sample, Age: now.Sub(prior.LastSuccess), Stale: true}, nil
	}
	return Result{}, fmt.Errorf("%v: %w", fetchErr, ErrStaleAndUnavailable)
}

// applySideEffects folds structured samples into the store's rollups and
// alert history. Rollup failures are logged, not propagated — the fetched
// sample is already cached and usable.
func (c *Coordinator) applySideEffects(site models.Site, category models.Category, sample models.MetricSample, now time.Time) {
	var err error
	switch category {
	case models.CategoryAlertList:
		err = c.store.ReconcileAlerts(site, sample.Alerts, now)
	case models.CategoryBatterySOC:
		err = c.store.UpdateBatteries(site, sample.Batteries, now)
	case models.CategoryProduction:
		err = c.store.UpdateProduction(site, sample.Value, now)
	}
	if err != nil {
		c.logger.Printf("[coordinator] rollup for %s/%s: %v", site.ID, category, err)
	}
}
