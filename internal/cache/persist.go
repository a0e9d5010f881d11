package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solwatch/solwatch/internal/geo"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/policy"
)

// OpenDB opens the SQLite database and runs AutoMigrate for every persisted
// model. Pass ":memory:" for an ephemeral store (tests, --no-persist).
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.CacheRecord{},
		&models.Alert{},
		&models.BatteryState{},
		&models.ProductionRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	log.Printf("[db] opened sqlite/%s", path)
	return db, nil
}

// persistEntry upserts the cache record for an entry. Called with the map
// lock released.
func (s *Store) persistEntry(e *Entry) error {
	rec := models.CacheRecord{
		VendorCode:   e.Key.VendorCode,
		SiteID:       e.Key.SiteID,
		Category:     e.Key.Category,
		LastSuccess:  e.LastSuccess,
		LastAttempt:  e.LastAttempt,
		Attempts:     e.Attempts,
		NextEligible: e.NextEligible,
		LastError:    e.LastError,
	}
	if e.Sample != nil {
		raw, err := json.Marshal(e.Sample)
		if err != nil {
			return fmt.Errorf("marshaling sample: %w", err)
		}
		rec.SampleJSON = string(raw)
	}

	var existing models.CacheRecord
	err := s.db.Where("vendor_code = ? AND site_id = ? AND category = ?",
		rec.VendorCode, rec.SiteID, rec.Category).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return s.db.Create(&rec).Error
	case err != nil:
		return err
	default:
		return s.db.Model(&existing).Updates(map[string]any{
			"sample_json":   rec.SampleJSON,
			"last_success":  rec.LastSuccess,
			"last_attempt":  rec.LastAttempt,
			"attempts":      rec.Attempts,
			"next_eligible": rec.NextEligible,
			"last_error":    rec.LastError,
		}).Error
	}
}

// LoadPersisted restores cache entries saved by a previous run. Entries
// older than their category's max age stay loaded but will show up in the
// next ListStale pass — persisted state is a warm start, never a reason to
// trust stale data. Backoff schedules are not carried across restarts.
func (s *Store) LoadPersisted(pol *policy.Table, now time.Time) (int, error) {
	var records []models.CacheRecord
	if err := s.db.Find(&records).Error; err != nil {
		return 0, fmt.Errorf("loading cache records: %w", err)
	}

	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		key := Key{VendorCode: rec.VendorCode, SiteID: rec.SiteID, Category: rec.Category}
		if !rec.Category.Valid() {
			s.logger.Printf("[cache] skipping persisted record with unknown category %q", rec.Category)
			continue
		}
		e := &Entry{
			Key:         key,
			LastSuccess: rec.LastSuccess,
			LastAttempt: rec.LastAttempt,
			LastError:   rec.LastError,
		}
		if rec.SampleJSON != "" {
			var sample models.MetricSample
			if err := json.Unmarshal([]byte(rec.SampleJSON), &sample); err != nil {
				s.logger.Printf("[cache] skipping undecodable persisted sample for %s: %v", key, err)
			} else {
				e.Sample = &sample
			}
		}
		s.entries[key] = e
		loaded++
	}
	return loaded, nil
}

// UpdateBatteries upserts the per-battery rollup rows from a battery_soc
// sample; the low-battery report reads these.
func (s *Store) UpdateBatteries(site models.Site, readings []models.BatteryReading, now time.Time) error {
	for _, r := range readings {
		var existing models.BatteryState
		err := s.db.Where("vendor_code = ? AND site_id = ? AND serial = ?",
			site.VendorCode, site.ID, r.Serial).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			rec := models.BatteryState{
				VendorCode:    site.VendorCode,
				SiteID:        site.ID,
				Serial:        r.Serial,
				ModelNumber:   r.Model,
				StateOfEnergy: r.StateOfEnergy,
				SiteURL:       site.SiteURL,
				LastUpdated:   now,
			}
			if err := s.db.Create(&rec).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := s.db.Model(&existing).Updates(map[string]any{
				"state_of_energy": r.StateOfEnergy,
				"model_number":    r.Model,
				"last_updated":    now,
			}).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateProduction upserts the per-site production rollup. New rows get a
// nearest-peer link computed from the roster so the dashboard can compare a
// site against its closest neighbor.
func (s *Store) UpdateProduction(site models.Site, watts float64, now time.Time) error {
	var existing models.ProductionRecord
	err := s.db.Where("vendor_code = ? AND site_id = ?", site.VendorCode, site.ID).
		First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		rec := models.ProductionRecord{
			VendorCode:  site.VendorCode,
			SiteID:      site.ID,
			ProductionW: watts,
			SiteURL:     site.SiteURL,
			LastUpdated: now,
		}
		if peer, dist, ok := geo.NearestPeer(s.fleet, site.ID); ok {
			rec.NearestSiteID = peer.ID
			rec.NearestDistance = dist
		}
		return s.db.Create(&rec).Error
	case err != nil:
		return err
	default:
		return s.db.Model(&existing).Updates(map[string]any{
			"production_w": watts,
			"last_updated": now,
		}).Error
	}
}
