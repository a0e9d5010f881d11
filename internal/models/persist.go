package models

import (
	"time"

	"gorm.io/gorm"
)

// CacheRecord is the persisted form of a cache entry. On startup the cache
// store loads these back; a record older than its category's max age is
// treated as immediately due, not trusted as fresh.
type CacheRecord struct {
	gorm.Model

	VendorCode string   `gorm:"uniqueIndex:idx_cache_key;not null"`
	SiteID     string   `gorm:"uniqueIndex:idx_cache_key;not null"`
	Category   Category `gorm:"uniqueIndex:idx_cache_key;not null"`

	// SampleJSON is the serialized MetricSample; empty when the entry has
	// never had a successful fetch.
	SampleJSON string

	LastSuccess  time.Time
	LastAttempt  time.Time
	Attempts     int
	NextEligible time.Time
	LastError    string
}

// BatteryState is the per-battery rollup kept for the low-battery report.
// Keyed by (vendor, site, serial), updated on every battery_soc fetch.
type BatteryState struct {
	gorm.Model

	VendorCode string `gorm:"uniqueIndex:idx_battery_key;not null" json:"vendor"`
	SiteID     string `gorm:"uniqueIndex:idx_battery_key;not null" json:"site_id"`
	Serial     string `gorm:"uniqueIndex:idx_battery_key;not null" json:"serial"`

	ModelNumber string `json:"model"`
	// StateOfEnergy is 0..1; nil means the vendor returned no reading,
	// which the low-battery report treats as suspect.
	StateOfEnergy *float64  `json:"state_of_energy"`
	SiteURL       string    `json:"site_url"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ProductionRecord is the persisted per-site production rollup, including
// the nearest-peer linkage used for cross-site sanity comparisons.
type ProductionRecord struct {
	gorm.Model

	VendorCode string `gorm:"uniqueIndex:idx_production_key;not null" json:"vendor"`
	SiteID     string `gorm:"uniqueIndex:idx_production_key;not null" json:"site_id"`

	ProductionW float64   `json:"production_w"`
	SiteURL     string    `json:"site_url"`
	LastUpdated time.Time `json:"last_updated"`

	// Nearest geographic peer at insert time; used to flag a site producing
	// far below a neighbor under the same weather.
	NearestSiteID   string  `json:"nearest_site_id,omitempty"`
	NearestDistance float64 `json:"nearest_distance_miles,omitempty"`
}
