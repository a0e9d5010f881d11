package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/solwatch/solwatch/internal/models"
)

const (
	solarEdgeVendorCode     = "SE"
	solarEdgeAdapterVersion = "solaredge/1"
	solarEdgeDefaultBaseURL = "https://monitoringapi.solaredge.com"
)

// SolarEdge talks to the SolarEdge monitoring REST API. Authentication is a
// per-account API key passed as a query parameter.
type SolarEdge struct {
	APIKey  string
	BaseURL string
}

// NewSolarEdge builds the adapter with the production base URL.
func NewSolarEdge(apiKey string) *SolarEdge {
	return &SolarEdge{APIKey: apiKey, BaseURL: solarEdgeDefaultBaseURL}
}

func (s *SolarEdge) VendorCode() string { return solarEdgeVendorCode }

func (s *SolarEdge) Supports(c models.Category) bool {
	switch c {
	case models.CategoryProduction, models.CategoryBatterySOC,
		models.CategoryCommStatus, models.CategoryAlertList,
		models.CategoryDeviceInventory:
		return true
	}
	return false
}

func (s *SolarEdge) url(path string, extra url.Values) string {
	q := url.Values{}
	q.Set("api_key", s.APIKey)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return s.BaseURL + path + "?" + q.Encode()
}

// Fetch dispatches on category. All endpoints share the site-scoped URL
// scheme of the monitoring API.
func (s *SolarEdge) Fetch(ctx context.Context, site models.Site, c models.Category) (models.MetricSample, error) {
	sample := models.MetricSample{
		SiteID:         site.ID,
		Category:       c,
		CollectedAt:    time.Now().UTC(),
		VendorCode:     solarEdgeVendorCode,
		AdapterVersion: solarEdgeAdapterVersion,
	}

	switch c {
	case models.CategoryProduction:
		return s.fetchProduction(ctx, site, sample)
	case models.CategoryBatterySOC:
		return s.fetchBatteries(ctx, site, sample)
	case models.CategoryCommStatus:
		return s.fetchCommStatus(ctx, site, sample)
	case models.CategoryAlertList:
		return s.fetchAlerts(ctx, site, sample)
	case models.CategoryDeviceInventory:
		return s.fetchInventory(ctx, site, sample)
	default:
		return sample, Errf(solarEdgeVendorCode, ErrUnsupported, "category %s", c)
	}
}

func (s *SolarEdge) fetchProduction(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	var resp struct {
		Overview struct {
			LastUpdateTime string `json:"lastUpdateTime"`
			CurrentPower   struct {
				Power float64 `json:"power"`
			} `json:"currentPower"`
		} `json:"overview"`
	}
	u := s.url(fmt.Sprintf("/site/%s/overview", site.VendorSiteID), nil)
	if err := getJSON(ctx, solarEdgeVendorCode, u, nil, &resp); err != nil {
		return sample, err
	}

	sample.Value = resp.Overview.CurrentPower.Power
	sample.Unit = "W"
	if t, err := time.Parse("2006-01-02 15:04:05", resp.Overview.LastUpdateTime); err == nil {
		sample.CollectedAt = t.UTC()
	}
	return sample, nil
}

func (s *SolarEdge) fetchBatteries(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	var resp struct {
		StorageData struct {
			Batteries []struct {
				SerialNumber  string   `json:"serialNumber"`
				ModelNumber   string   `json:"modelNumber"`
				StateOfEnergy *float64 `json:"stateOfEnergy"`
			} `json:"batteries"`
		} `json:"storageData"`
	}
	u := s.url(fmt.Sprintf("/site/%s/storageData", site.VendorSiteID), nil)
	if err := getJSON(ctx, solarEdgeVendorCode, u, nil, &resp); err != nil {
		return sample, err
	}

	minSOE := 1.0
	for _, b := range resp.StorageData.Batteries {
		sample.Batteries = append(sample.Batteries, models.BatteryReading{
			Serial:        b.SerialNumber,
			Model:         b.ModelNumber,
			StateOfEnergy: b.StateOfEnergy,
		})
		if b.StateOfEnergy != nil && *b.StateOfEnergy < minSOE {
			minSOE = *b.StateOfEnergy
		}
	}
	sample.Value = minSOE
	sample.Unit = "ratio"
	return sample, nil
}

func (s *SolarEdge) fetchCommStatus(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	var resp struct {
		Details struct {
			Status string `json:"status"`
		} `json:"details"`
	}
	u := s.url(fmt.Sprintf("/site/%s/details", site.VendorSiteID), nil)
	if err := getJSON(ctx, solarEdgeVendorCode, u, nil, &resp); err != nil {
		return sample, err
	}
	if resp.Details.Status == "" {
		return sample, Errf(solarEdgeVendorCode, ErrMalformedResponse, "site details missing status field")
	}

	sample.Unit = "bool"
	if strings.EqualFold(resp.Details.Status, "Active") {
		sample.Value = models.CommOnline
	} else {
		sample.Value = models.CommOffline
	}
	return sample, nil
}

func (s *SolarEdge) fetchAlerts(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	var resp struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	u := s.url(fmt.Sprintf("/site/%s/alerts", site.VendorSiteID), nil)
	if err := getJSON(ctx, solarEdgeVendorCode, u, nil, &resp); err != nil {
		return sample, err
	}

	for _, raw := range resp.Alerts {
		var a struct {
			AlertID      int64  `json:"alertId"`
			AlertType    string `json:"alertType"`
			Severity     string `json:"severity"`
			FirstTrigger string `json:"firstTrigger"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return sample, Errf(solarEdgeVendorCode, ErrMalformedResponse, "decoding alert entry: %v", err)
		}
		obs := models.AlertObservation{
			Kind:     solarEdgeAlertKind(a.AlertType),
			Severity: solarEdgeSeverity(a.Severity),
			Detail:   string(raw),
		}
		if a.AlertID != 0 {
			obs.VendorAlertID = fmt.Sprintf("%d", a.AlertID)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", a.FirstTrigger); err == nil {
			obs.FirstSeen = t.UTC()
		}
		sample.Alerts = append(sample.Alerts, obs)
	}
	return sample, nil
}

func (s *SolarEdge) fetchInventory(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	var resp struct {
		Inventory struct {
			Inverters []struct {
				SN    string `json:"SN"`
				Model string `json:"model"`
			} `json:"inverters"`
			Batteries []struct {
				SN    string `json:"SN"`
				Model string `json:"model"`
			} `json:"batteries"`
			Meters []struct {
				SN    string `json:"SN"`
				Model string `json:"model"`
			} `json:"meters"`
		} `json:"Inventory"`
	}
	u := s.url(fmt.Sprintf("/site/%s/inventory", site.VendorSiteID), nil)
	if err := getJSON(ctx, solarEdgeVendorCode, u, nil, &resp); err != nil {
		return sample, err
	}

	add := func(kind models.DeviceKind, serial, model string) {
		sample.Devices = append(sample.Devices, models.Device{
			ID:     site.ID + "/" + serial,
			Kind:   kind,
			Serial: serial,
			Model:  model,
			SiteID: site.ID,
		})
	}
	for _, d := range resp.Inventory.Inverters {
		add(models.DeviceInverter, d.SN, d.Model)
	}
	for _, d := range resp.Inventory.Batteries {
		add(models.DeviceBattery, d.SN, d.Model)
	}
	for _, d := range resp.Inventory.Meters {
		add(models.DeviceMeter, d.SN, d.Model)
	}
	return sample, nil
}

func solarEdgeSeverity(s string) models.Severity {
	switch strings.ToUpper(s) {
	case "HIGH", "CRITICAL":
		return models.SeverityCritical
	case "MEDIUM", "WARNING":
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

func solarEdgeAlertKind(alertType string) models.AlertKind {
	t := strings.ToUpper(alertType)
	switch {
	case strings.Contains(t, "COMM"):
		return models.AlertCommunicationFault
	case strings.Contains(t, "BATTERY") || strings.Contains(t, "STORAGE"):
		return models.AlertBatteryFault
	case strings.Contains(t, "CONFIG"):
		return models.AlertConfigurationIssue
	case strings.Contains(t, "PRODUCTION") || strings.Contains(t, "INVERTER"):
		return models.AlertProductionFault
	default:
		return models.AlertVendorOther
	}
}
