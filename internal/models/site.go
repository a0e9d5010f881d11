// Package models defines the normalized data model for SolWatch.
// Vendor adapters translate raw API or scraped responses into these types;
// everything downstream (cache, coordinator, views) is vendor-agnostic.
package models

import (
	"fmt"
	"strings"
)

// Category is a class of telemetry with its own freshness policy.
type Category string

const (
	CategoryProduction      Category = "production_power"
	CategoryBatterySOC      Category = "battery_soc"
	CategoryCommStatus      Category = "communication_status"
	CategoryAlertList       Category = "alert_list"
	CategoryDeviceInventory Category = "device_inventory"
)

// AllCategories lists every known category, in display order.
var AllCategories = []Category{
	CategoryProduction,
	CategoryBatterySOC,
	CategoryCommStatus,
	CategoryAlertList,
	CategoryDeviceInventory,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range AllCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCategory converts a string (e.g. from a query parameter) to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Site is one physical installation in the fleet roster.
// Sites are loaded once from fleet.yaml at startup and never mutated;
// reconfiguration means a restart.
type Site struct {
	// ID is the fleet-wide identifier: "<vendor_code>:<vendor_site_id>",
	// e.g. "SE:1774189". Vendor site IDs are only unique per vendor.
	ID string `yaml:"-" json:"id"`

	VendorCode   string `yaml:"vendor" json:"vendor"`
	VendorSiteID string `yaml:"site_id" json:"vendor_site_id"`
	Name         string `yaml:"name" json:"name"`
	// SiteURL links back to the vendor's own monitoring page.
	SiteURL   string  `yaml:"site_url" json:"site_url,omitempty"`
	Zipcode   string  `yaml:"zipcode" json:"zipcode,omitempty"`
	Latitude  float64 `yaml:"latitude" json:"latitude,omitempty"`
	Longitude float64 `yaml:"longitude" json:"longitude,omitempty"`

	// CredentialsRef names the credential set in the server config used
	// for this site's vendor account (e.g. "solaredge_main").
	CredentialsRef string `yaml:"credentials" json:"-"`
}

// SiteID builds the fleet-wide site identifier from its parts.
func SiteID(vendorCode, vendorSiteID string) string {
	return vendorCode + ":" + vendorSiteID
}

// DeviceKind classifies a device within a site.
type DeviceKind string

const (
	DeviceInverter DeviceKind = "inverter"
	DeviceBattery  DeviceKind = "battery"
	DeviceMeter    DeviceKind = "meter"
)

// Device is one inverter/battery/meter belonging to a site. The device list
// is itself cached telemetry (category device_inventory), so devices carry
// no lifecycle of their own beyond the inventory refresh.
type Device struct {
	ID     string     `json:"id"`
	Kind   DeviceKind `json:"kind"`
	Serial string     `json:"serial"`
	Model  string     `json:"model"`
	SiteID string     `json:"site_id"`
}
