package models

import "time"

// MetricSample is one normalized value for a (site, category) pair.
// Numeric categories (production, battery SoC, comm status) populate Value;
// structured categories populate Devices or Alerts instead.
type MetricSample struct {
	SiteID   string   `json:"site_id"`
	Category Category `json:"category"`

	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`

	Devices []Device           `json:"devices,omitempty"`
	Alerts  []AlertObservation `json:"alerts,omitempty"`
	// Batteries carries per-battery state for battery_soc; Value then holds
	// the minimum SoC across them for threshold checks.
	Batteries []BatteryReading `json:"batteries,omitempty"`

	// CollectedAt is the vendor-reported measurement time when the vendor
	// supplies one, otherwise the fetch time.
	CollectedAt time.Time `json:"collected_at"`

	// Provenance
	VendorCode     string `json:"vendor"`
	AdapterVersion string `json:"adapter_version"`
}

// BatteryReading is one battery's state within a battery_soc sample.
type BatteryReading struct {
	Serial        string   `json:"serial"`
	Model         string   `json:"model"`
	StateOfEnergy *float64 `json:"state_of_energy"` // 0..1, nil when the vendor returned no reading
}

// CommStatus values for the communication_status category.
const (
	CommOnline  = 1.0
	CommOffline = 0.0
)
