// Package policy holds the freshness policy table: how stale a cached value
// may be per (category, vendor) before a refresh is warranted, and how long
// to back off after failed fetches. The table is static configuration,
// validated once at startup and never mutated afterwards.
package policy

import (
	"fmt"
	"time"

	"github.com/solwatch/solwatch/internal/models"
)

// CategoryPolicy configures one telemetry category.
type CategoryPolicy struct {
	// MaxAge is the category-level default freshness bound.
	MaxAge time.Duration `mapstructure:"max_age"`
	// VendorMaxAge overrides MaxAge for specific vendor codes. A scraped
	// vendor typically gets a longer bound than a cheap REST call.
	VendorMaxAge map[string]time.Duration `mapstructure:"vendor_max_age"`
	// BackoffBase is the delay after the first failed fetch; each further
	// consecutive failure doubles it up to BackoffCap.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// Table maps categories to their policies.
type Table struct {
	categories map[models.Category]CategoryPolicy
	// rateLimitedMultiplier stretches the computed backoff when the vendor
	// answered HTTP 429, as opposed to simply being unreachable.
	rateLimitedMultiplier float64
}

// New builds and validates a policy table. Every known category must have a
// usable entry: a missing max age would otherwise silently mean "never
// refresh", which is exactly the failure mode this refuses to allow.
func New(categories map[models.Category]CategoryPolicy, rateLimitedMultiplier float64) (*Table, error) {
	if rateLimitedMultiplier < 1 {
		rateLimitedMultiplier = 1
	}
	for _, c := range models.AllCategories {
		p, ok := categories[c]
		if !ok {
			return nil, fmt.Errorf("freshness policy: no entry for category %s", c)
		}
		if p.MaxAge <= 0 {
			return nil, fmt.Errorf("freshness policy: category %s has no max_age", c)
		}
		if p.BackoffBase <= 0 {
			return nil, fmt.Errorf("freshness policy: category %s has no backoff_base", c)
		}
		if p.BackoffCap < p.BackoffBase {
			return nil, fmt.Errorf("freshness policy: category %s backoff_cap %v below backoff_base %v",
				c, p.BackoffCap, p.BackoffBase)
		}
		for vendor, age := range p.VendorMaxAge {
			if age <= 0 {
				return nil, fmt.Errorf("freshness policy: category %s vendor %s override is not positive", c, vendor)
			}
		}
	}
	return &Table{categories: categories, rateLimitedMultiplier: rateLimitedMultiplier}, nil
}

// MaxAge returns the freshness bound for a (category, vendor) pair,
// preferring the vendor override.
func (t *Table) MaxAge(c models.Category, vendorCode string) time.Duration {
	p := t.categories[c]
	if age, ok := p.VendorMaxAge[vendorCode]; ok {
		return age
	}
	return p.MaxAge
}

// Backoff returns the wait before the next retry after attempts consecutive
// failures. Doubling per failure, capped; non-decreasing in attempts.
func (t *Table) Backoff(c models.Category, attempts int) time.Duration {
	p := t.categories[c]
	if attempts < 1 {
		attempts = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// RateLimitedBackoff is Backoff stretched by the rate-limit multiplier,
// still capped so a throttling vendor cannot push retries out forever.
func (t *Table) RateLimitedBackoff(c models.Category, attempts int) time.Duration {
	p := t.categories[c]
	d := time.Duration(float64(t.Backoff(c, attempts)) * t.rateLimitedMultiplier)
	limit := time.Duration(float64(p.BackoffCap) * t.rateLimitedMultiplier)
	if d > limit {
		d = limit
	}
	return d
}
