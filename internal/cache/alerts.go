package cache

import (
	"fmt"
	"time"

	"github.com/solwatch/solwatch/internal/models"
)

// ReconcileAlerts merges one alert_list fetch into the stored history for a
// site. Observed alerts match stored active ones by vendor alert ID when
// both sides have one, by (kind, severity) otherwise. Unseen alerts are
// inserted active; matched alerts keep their first-seen time and get their
// last-seen and severity refreshed; active alerts missing from the fetch
// are marked resolved at the fetch time — never deleted.
func (s *Store) ReconcileAlerts(site models.Site, observed []models.AlertObservation, now time.Time) error {
	var active []models.Alert
	err := s.db.Where("site_id = ? AND resolved_at IS NULL", site.ID).Find(&active).Error
	if err != nil {
		return fmt.Errorf("loading active alerts for %s: %w", site.ID, err)
	}

	matched := make(map[uint]bool, len(active))

	for _, obs := range observed {
		var hit *models.Alert
		for i := range active {
			if matched[active[i].ID] {
				continue
			}
			if alertMatches(&active[i], obs) {
				hit = &active[i]
				break
			}
		}

		if hit == nil {
			firstSeen := obs.FirstSeen
			if firstSeen.IsZero() {
				firstSeen = now
			}
			rec := models.Alert{
				VendorCode:    site.VendorCode,
				SiteID:        site.ID,
				SiteName:      site.Name,
				SiteURL:       site.SiteURL,
				Kind:          obs.Kind,
				Severity:      obs.Severity,
				VendorAlertID: obs.VendorAlertID,
				Detail:        obs.Detail,
				FirstSeen:     firstSeen,
				LastSeen:      now,
			}
			if err := s.db.Create(&rec).Error; err != nil {
				return fmt.Errorf("inserting alert for %s: %w", site.ID, err)
			}
			s.emit(Event{
				Type:   EventAlertRaised,
				Key:    Key{VendorCode: site.VendorCode, SiteID: site.ID, Category: models.CategoryAlertList},
				Detail: string(rec.Kind),
			})
			continue
		}

		matched[hit.ID] = true
		updates := map[string]any{
			"last_seen": now,
			"severity":  obs.Severity,
		}
		if obs.Detail != "" {
			updates["detail"] = obs.Detail
		}
		if err := s.db.Model(hit).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating alert %d for %s: %w", hit.ID, site.ID, err)
		}
		s.emit(Event{
			Type:   EventAlertUpdated,
			Key:    Key{VendorCode: site.VendorCode, SiteID: site.ID, Category: models.CategoryAlertList},
			Detail: string(hit.Kind),
		})
	}

	for i := range active {
		if matched[active[i].ID] {
			continue
		}
		if err := s.db.Model(&active[i]).Updates(map[string]any{
			"resolved_at": now,
			"last_seen":   now,
		}).Error; err != nil {
			return fmt.Errorf("resolving alert %d for %s: %w", active[i].ID, site.ID, err)
		}
		s.emit(Event{
			Type:   EventAlertResolved,
			Key:    Key{VendorCode: site.VendorCode, SiteID: site.ID, Category: models.CategoryAlertList},
			Detail: string(active[i].Kind),
		})
	}
	return nil
}

func alertMatches(stored *models.Alert, obs models.AlertObservation) bool {
	if stored.VendorAlertID != "" && obs.VendorAlertID != "" {
		return stored.VendorAlertID == obs.VendorAlertID
	}
	return stored.Kind == obs.Kind && stored.Severity == obs.Severity
}

// ActiveAlerts returns the unresolved alerts for a site, newest first.
func (s *Store) ActiveAlerts(siteID string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.Where("site_id = ? AND resolved_at IS NULL", siteID).
		Order("last_seen desc").Find(&alerts).Error
	return alerts, err
}

// RecentResolvedAlerts returns alerts resolved within the lookback window,
// for the site detail's historical display.
func (s *Store) RecentResolvedAlerts(siteID string, since time.Time) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.Where("site_id = ? AND resolved_at IS NOT NULL AND resolved_at >= ?", siteID, since).
		Order("resolved_at desc").Find(&alerts).Error
	return alerts, err
}
