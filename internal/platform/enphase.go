package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/solwatch/solwatch/internal/models"
)

const (
	enphaseVendorCode     = "EN"
	enphaseAdapterVersion = "enphase/1"
	enphaseDefaultBaseURL = "https://api.enphaseenergy.com"
)

// EnphaseCredentials holds the Enlighten API credential set. The v4 API
// needs both an application key and an OAuth user grant.
type EnphaseCredentials struct {
	ClientID     string
	ClientSecret string
	APIKey       string
	Username     string
	Password     string
}

// Enphase talks to the Enphase Enlighten v4 REST API. The OAuth access
// token is vendor session state and lives inside the adapter; telemetry is
// never cached here.
type Enphase struct {
	Creds   EnphaseCredentials
	BaseURL string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewEnphase builds the adapter with the production base URL.
func NewEnphase(creds EnphaseCredentials) *Enphase {
	return &Enphase{Creds: creds, BaseURL: enphaseDefaultBaseURL}
}

func (e *Enphase) VendorCode() string { return enphaseVendorCode }

func (e *Enphase) Supports(c models.Category) bool {
	switch c {
	case models.CategoryProduction, models.CategoryBatterySOC,
		models.CategoryCommStatus, models.CategoryAlertList,
		models.CategoryDeviceInventory:
		return true
	}
	return false
}

// token returns a valid access token, authenticating or refreshing first if
// needed. Serialized so concurrent fetches share one grant.
func (e *Enphase) token(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.accessToken != "" && time.Now().Before(e.expiresAt.Add(-time.Minute)) {
		return e.accessToken, nil
	}

	resp, err := e.grant(ctx, e.refreshToken)
	if err != nil {
		// A refresh token can expire server-side; fall back to the password
		// grant once before giving up.
		if e.refreshToken != "" && KindOf(err) == ErrUnauthorized {
			e.refreshToken = ""
			resp, err = e.grant(ctx, "")
		}
		if err != nil {
			return "", err
		}
	}
	if resp.AccessToken == "" {
		return "", Errf(enphaseVendorCode, ErrMalformedResponse, "token response missing access_token")
	}

	e.accessToken = resp.AccessToken
	e.refreshToken = resp.RefreshToken
	e.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return e.accessToken, nil
}

type enphaseTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// grant runs one OAuth exchange: refresh-token grant when refreshToken is
// set, password grant otherwise.
func (e *Enphase) grant(ctx context.Context, refreshToken string) (*enphaseTokenResponse, error) {
	form := url.Values{}
	if refreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
	} else {
		form.Set("grant_type", "password")
		form.Set("username", e.Creds.Username)
		form.Set("password", e.Creds.Password)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(e.Creds.ClientID + ":" + e.Creds.ClientSecret))
	var resp enphaseTokenResponse
	err := postForm(ctx, enphaseVendorCode, e.BaseURL+"/oauth/token",
		map[string]string{"Authorization": "Basic " + basic},
		strings.NewReader(form.Encode()), &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (e *Enphase) get(ctx context.Context, path string, out any) error {
	tok, err := e.token(ctx)
	if err != nil {
		return err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	u := e.BaseURL + path + sep + "key=" + url.QueryEscape(e.Creds.APIKey)
	return getJSON(ctx, enphaseVendorCode, u, map[string]string{"Authorization": "Bearer " + tok}, out)
}

func (e *Enphase) Fetch(ctx context.Context, site models.Site, c models.Category) (models.MetricSample, error) {
	sample := models.MetricSample{
		SiteID:         site.ID,
		Category:       c,
		CollectedAt:    time.Now().UTC(),
		VendorCode:     enphaseVendorCode,
		AdapterVersion: enphaseAdapterVersion,
	}

	switch c {
	case models.CategoryProduction:
		return e.fetchProduction(ctx, site, sample)
	case models.CategoryBatterySOC:
		return e.fetchBatteries(ctx, site, sample)
	case models.CategoryCommStatus, models.CategoryAlertList:
		return e.fetchStatus(ctx, site, sample, c)
	case models.CategoryDeviceInventory:
		return e.fetchInventory(ctx, site, sample)
	default:
		return sample, Errf(enphaseVendorCode, ErrUnsupported, "category %s", c)
	}
}

func (e *Enphase) fetchProduction(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	var resp struct {
		Values []struct {
			Value *float64 `json:"value"`
			EndAt int64    `json:"end_at"`
		} `json:"values"`
	}
	path := fmt.Sprintf("/api/v4/systems/%s/telemetry/production_micro", site.VendorSiteID)
	if err := e.get(ctx, path, &resp); err != nil {
		return sample, err
	}

	// Latest non-null interval wins; trailing intervals are often null
	// while the gateway is still reporting.
	for i := len(resp.Values) - 1; i >= 0; i-- {
		if resp.Values[i].Value != nil {
			sample.Value = *resp.Values[i].Value
			sample.Unit = "W"
			if resp.Values[i].EndAt > 0 {
				sample.CollectedAt = time.Unix(resp.Values[i].EndAt, 0).UTC()
			}
			return sample, nil
		}
	}
	return sample, Errf(enphaseVendorCode, ErrMalformedResponse, "telemetry contained no non-null production interval")
}

// devices fetches the raw device list once per call; inventory and battery
// SoC both start from it.
func (e *Enphase) devices(ctx context.Context, site models.Site) ([]json.RawMessage, error) {
	var resp struct {
		Devices []json.RawMessage `json:"devices"`
	}
	path := fmt.Sprintf("/api/v4/systems/%s/devices", site.VendorSiteID)
	if err := e.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (e *Enphase) fetchBatteries(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	devices, err := e.devices(ctx, site)
	if err != nil {
		return sample, err
	}

	minSOE := 1.0
	for _, raw := range devices {
		var d struct {
			SerialNumber string          `json:"serial_number"`
			Model        string          `json:"model"`
			Encharge     json.RawMessage `json:"encharge"`
		}
		if err := json.Unmarshal(raw, &d); err != nil || len(d.Encharge) == 0 || string(d.Encharge) == "null" {
			continue
		}

		var tel struct {
			StateOfCharge *float64 `json:"state_of_charge"`
		}
		path := fmt.Sprintf("/api/v4/systems/%s/devices/encharges/%s/telemetry", site.VendorSiteID, d.SerialNumber)
		if err := e.get(ctx, path, &tel); err != nil {
			return sample, err
		}

		soe := tel.StateOfCharge
		if soe != nil && *soe > 1.0 {
			// Enphase reports percent; normalize to 0..1.
			v := *soe / 100.0
			soe = &v
		}
		sample.Batteries = append(sample.Batteries, models.BatteryReading{
			Serial:        d.SerialNumber,
			Model:         d.Model,
			StateOfEnergy: soe,
		})
		if soe != nil && *soe < minSOE {
			minSOE = *soe
		}
	}
	sample.Value = minSOE
	sample.Unit = "ratio"
	return sample, nil
}

// fetchStatus serves both communication_status and alert_list from the
// system summary: Enphase exposes no dedicated alert feed, only a system
// status that is "normal" when healthy.
func (e *Enphase) fetchStatus(ctx context.Context, site models.Site, sample models.MetricSample, c models.Category) (models.MetricSample, error) {
	var resp struct {
		Status       string `json:"status"`
		LastReportAt int64  `json:"last_report_at"`
	}
	path := fmt.Sprintf("/api/v4/systems/%s/summary", site.VendorSiteID)
	if err := e.get(ctx, path, &resp); err != nil {
		return sample, err
	}
	if resp.Status == "" {
		return sample, Errf(enphaseVendorCode, ErrMalformedResponse, "system summary missing status field")
	}
	if resp.LastReportAt > 0 {
		sample.CollectedAt = time.Unix(resp.LastReportAt, 0).UTC()
	}

	status := strings.ToLower(resp.Status)
	if c == models.CategoryCommStatus {
		sample.Unit = "bool"
		if status == "comm" || status == "micro" {
			sample.Value = models.CommOffline
		} else {
			sample.Value = models.CommOnline
		}
		return sample, nil
	}

	if status != "normal" {
		obs := models.AlertObservation{
			Kind:     enphaseAlertKind(status),
			Severity: models.SeverityWarning,
			Detail:   fmt.Sprintf(`{"status":%q}`, resp.Status),
		}
		sample.Alerts = append(sample.Alerts, obs)
	}
	return sample, nil
}

func (e *Enphase) fetchInventory(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	devices, err := e.devices(ctx, site)
	if err != nil {
		return sample, err
	}
	for _, raw := range devices {
		var d struct {
			SerialNumber string          `json:"serial_number"`
			Model        string          `json:"model"`
			Encharge     json.RawMessage `json:"encharge"`
		}
		if err := json.Unmarshal(raw, &d); err != nil || d.SerialNumber == "" {
			continue
		}
		kind := models.DeviceInverter
		if len(d.Encharge) > 0 && string(d.Encharge) != "null" {
			kind = models.DeviceBattery
		}
		sample.Devices = append(sample.Devices, models.Device{
			ID:     site.ID + "/" + d.SerialNumber,
			Kind:   kind,
			Serial: d.SerialNumber,
			Model:  d.Model,
			SiteID: site.ID,
		})
	}
	return sample, nil
}

func enphaseAlertKind(status string) models.AlertKind {
	switch status {
	case "comm", "meter":
		return models.AlertCommunicationFault
	case "micro", "power":
		return models.AlertProductionFault
	case "battery", "encharge":
		return models.AlertBatteryFault
	default:
		return models.AlertVendorOther
	}
}
