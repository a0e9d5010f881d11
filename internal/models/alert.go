package models

import (
	"time"

	"gorm.io/gorm"
)

// Severity is the common severity scale alerts are mapped onto.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind is the minimal common alert taxonomy. Vendor-specific detail
// beyond this shape is passed through opaquely in Detail.
type AlertKind string

const (
	AlertProductionFault    AlertKind = "production_fault"
	AlertCommunicationFault AlertKind = "communication_fault"
	AlertConfigurationIssue AlertKind = "configuration_issue"
	AlertBatteryFault       AlertKind = "battery_fault"
	AlertVendorOther        AlertKind = "vendor_other"
)

// AlertObservation is what an adapter reports for one alert in a single
// alert_list fetch, before reconciliation against stored history.
type AlertObservation struct {
	Kind     AlertKind `json:"kind"`
	Severity Severity  `json:"severity"`
	// VendorAlertID is the vendor's own alert identifier when it provides
	// one; reconciliation falls back to (kind, severity) matching otherwise.
	VendorAlertID string `json:"vendor_alert_id,omitempty"`
	// Detail is the vendor-opaque payload (raw JSON or scraped text).
	Detail string `json:"detail,omitempty"`
	// FirstSeen is the vendor-reported trigger time if available.
	FirstSeen time.Time `json:"first_seen,omitempty"`
}

// Alert is the persisted alert history record. Alerts that disappear from a
// subsequent fetch are marked resolved, never deleted.
type Alert struct {
	gorm.Model

	VendorCode string `gorm:"index;not null" json:"vendor"`
	SiteID     string `gorm:"index;not null" json:"site_id"`
	SiteName   string `json:"site_name"`
	SiteURL    string `json:"site_url"`

	Kind          AlertKind `gorm:"index;not null" json:"kind"`
	Severity      Severity  `gorm:"not null" json:"severity"`
	VendorAlertID string    `gorm:"index" json:"vendor_alert_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`

	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
	ResolvedAt *time.Time `gorm:"index" json:"resolved_at,omitempty"`
}

// Active reports whether the alert has not yet been resolved.
func (a *Alert) Active() bool {
	return a.ResolvedAt == nil
}
