// Package view is the read-only query layer composing cache entries into
// fleet-wide summaries for the presentation layer. It never writes to the
// cache directly — it calls the coordinator, which may. A failing source
// degrades its own slice of the view; the view itself never fails
// wholesale.
package view

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/solwatch/solwatch/internal/cache"
	"github.com/solwatch/solwatch/internal/coordinator"
	"github.com/solwatch/solwatch/internal/geo"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/platform"
)

// resolvedLookback bounds how far back "recently resolved" alerts reach in
// the site detail.
const resolvedLookback = 7 * 24 * time.Hour

// View composes cache state into dashboard-ready structures.
type View struct {
	store *cache.Store
	coord *coordinator.Coordinator
	fleet []models.Site
}

// New builds a view over the store and coordinator.
func New(store *cache.Store, coord *coordinator.Coordinator, fleet []models.Site) *View {
	return &View{store: store, coord: coord, fleet: fleet}
}

// SiteProduction is one site's row in the fleet summary. Degraded means no
// usable value exists at all; Stale means the value shown is older than
// policy allows. Stale data is always labeled, never presented as fresh.
type SiteProduction struct {
	SiteID      string  `json:"site_id"`
	Name        string  `json:"name"`
	Vendor      string  `json:"vendor"`
	SiteURL     string  `json:"site_url,omitempty"`
	ProductionW float64 `json:"production_w"`
	AgeSeconds  float64 `json:"age_seconds"`
	Stale       bool    `json:"stale"`
	Degraded    bool    `json:"degraded"`
	Error       string  `json:"error,omitempty"`
}

// FleetSummary is the fleet-wide rollup for the dashboard landing view.
type FleetSummary struct {
	Sites            []SiteProduction `json:"sites"`
	TotalProductionW float64          `json:"total_production_w"`
	CriticalSites    *int             `json:"sites_with_critical_alerts,omitempty"`
	StaleSources     int              `json:"stale_sources"`
	DegradedSources  int              `json:"degraded_sources"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// FleetSummary builds the summary, refreshing stale production entries on
// the way. Sites whose source fails are included with a degraded marker
// rather than omitted.
func (v *View) FleetSummary(ctx context.Context) (*FleetSummary, error) {
	rows := make([]SiteProduction, len(v.fleet))

	var wg sync.WaitGroup
	sem := make(chan struct{}, 4)
	for i, site := range v.fleet {
		wg.Add(1)
		go func(i int, site models.Site) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			rows[i] = v.productionRow(ctx, site)
		}(i, site)
	}
	wg.Wait()

	summary := &FleetSummary{GeneratedAt: time.Now().UTC()}
	for _, row := range rows {
		summary.Sites = append(summary.Sites, row)
		switch {
		case row.Degraded:
			summary.DegradedSources++
		case row.Stale:
			summary.StaleSources++
			summary.TotalProductionW += row.ProductionW
		default:
			summary.TotalProductionW += row.ProductionW
		}
	}
	sort.Slice(summary.Sites, func(i, j int) bool {
		return summary.Sites[i].SiteID < summary.Sites[j].SiteID
	})

	// Alert history being unreadable omits the count, not the view.
	if critical, err := v.criticalSiteCount(); err != nil {
		log.Printf("[view] critical-site count unavailable: %v", err)
	} else {
		summary.CriticalSites = &critical
	}
	return summary, nil
}

func (v *View) productionRow(ctx context.Context, site models.Site) SiteProduction {
	row := SiteProduction{
		SiteID:  site.ID,
		Name:    site.Name,
		Vendor:  site.VendorCode,
		SiteURL: site.SiteURL,
	}
	res, err := v.coord.GetOrRefresh(ctx, site, models.CategoryProduction)
	if err != nil {
		row.Degraded = true
		row.Error = err.Error()
		return row
	}
	row.ProductionW = res.Sample.Value
	row.AgeSeconds = res.Age.Seconds()
	row.Stale = res.Stale
	return row
}

func (v *View) criticalSiteCount() (int, error) {
	var count int64
	err := v.store.DB().Model(&models.Alert{}).
		Where("severity = ? AND resolved_at IS NULL", models.SeverityCritical).
		Distinct("site_id").Count(&count).Error
	return int(count), err
}

// CategorySample is one category's latest state in a site detail.
type CategorySample struct {
	Category   models.Category     `json:"category"`
	Sample     models.MetricSample `json:"sample"`
	AgeSeconds float64             `json:"age_seconds"`
	Stale      bool                `json:"stale"`
	Degraded   bool                `json:"degraded"`
	Error      string              `json:"error,omitempty"`
}

// PeerComparison relates a site to its nearest fleet neighbor.
type PeerComparison struct {
	PeerSiteID      string  `json:"peer_site_id"`
	PeerName        string  `json:"peer_name"`
	DistanceMiles   float64 `json:"distance_miles"`
	PeerProductionW float64 `json:"peer_production_w"`
}

// SiteDetail is everything the dashboard shows for one site.
type SiteDetail struct {
	Site           models.Site      `json:"site"`
	Devices        []models.Device  `json:"devices,omitempty"`
	Samples        []CategorySample `json:"samples"`
	ActiveAlerts   []models.Alert   `json:"active_alerts"`
	ResolvedAlerts []models.Alert   `json:"recently_resolved_alerts"`
	NearestPeer    *PeerComparison  `json:"nearest_peer,omitempty"`
}

// ErrUnknownSite is returned for site IDs not in the roster.
var ErrUnknownSite = errors.New("unknown site")

// SiteDetail assembles the per-site view: devices, latest samples per
// category, and alert history. Unsupported categories are skipped; failing
// ones appear degraded.
func (v *View) SiteDetail(ctx context.Context, siteID string) (*SiteDetail, error) {
	site, ok := v.site(siteID)
	if !ok {
		return nil, ErrUnknownSite
	}

	detail := &SiteDetail{Site: site}
	for _, c := range models.AllCategories {
		res, err := v.coord.GetOrRefresh(ctx, site, c)
		if err != nil {
			if platform.KindOf(err) == platform.ErrUnsupported {
				continue
			}
			detail.Samples = append(detail.Samples, CategorySample{
				Category: c,
				Degraded: true,
				Error:    err.Error(),
			})
			continue
		}
		detail.Samples = append(detail.Samples, CategorySample{
			Category:   c,
			Sample:     res.Sample,
			AgeSeconds: res.Age.Seconds(),
			Stale:      res.Stale,
		})
		if c == models.CategoryDeviceInventory {
			detail.Devices = res.Sample.Devices
		}
	}

	var err error
	if detail.ActiveAlerts, err = v.store.ActiveAlerts(site.ID); err != nil {
		return nil, err
	}
	since := time.Now().UTC().Add(-resolvedLookback)
	if detail.ResolvedAlerts, err = v.store.RecentResolvedAlerts(site.ID, since); err != nil {
		return nil, err
	}

	if peer, dist, ok := geo.NearestPeer(v.fleet, site.ID); ok {
		cmp := &PeerComparison{PeerSiteID: peer.ID, PeerName: peer.Name, DistanceMiles: dist}
		key := cache.Key{VendorCode: peer.VendorCode, SiteID: peer.ID, Category: models.CategoryProduction}
		if entry, found := v.store.Get(key); found && entry.HasValue() {
			cmp.PeerProductionW = entry.Sample.Value
		}
		detail.NearestPeer = cmp
	}
	return detail, nil
}

// LowBatteries returns batteries below 10% state of energy, plus those with
// no reading at all — an unreadable battery is a problem, not a pass.
func (v *View) LowBatteries() ([]models.BatteryState, error) {
	var batteries []models.BatteryState
	err := v.store.DB().
		Where("state_of_energy < ? OR state_of_energy IS NULL", 0.10).
		Order("state_of_energy asc").
		Find(&batteries).Error
	return batteries, err
}

// AllAlerts returns alert history fleet-wide, optionally active-only.
func (v *View) AllAlerts(activeOnly bool) ([]models.Alert, error) {
	var alerts []models.Alert
	q := v.store.DB().Order("last_seen desc")
	if activeOnly {
		q = q.Where("resolved_at IS NULL")
	}
	err := q.Find(&alerts).Error
	return alerts, err
}

func (v *View) site(siteID string) (models.Site, bool) {
	for _, s := range v.fleet {
		if s.ID == siteID {
			return s, true
		}
	}
	return models.Site{}, false
}

// Fleet exposes the roster for handlers that need site lookup.
func (v *View) Fleet() []models.Site { return v.fleet }

// Site is the exported roster lookup.
func (v *View) Site(siteID string) (models.Site, bool) { return v.site(siteID) }

// CachedKeys reports how many keys the store currently tracks.
func (v *View) CachedKeys() int { return v.store.Len() }
