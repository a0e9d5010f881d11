package cache

import (
	"testing"
	"time"

	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/policy"
)

func testSite() models.Site {
	return models.Site{
		ID:           "SE:1001",
		VendorCode:   "SE",
		VendorSiteID: "1001",
		Name:         "Maple Street",
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB(:memory:) failed: %v", err)
	}
	return NewStore(db, []models.Site{testSite()}, nil)
}

func testPolicyTable(t *testing.T) *policy.Table {
	t.Helper()
	m := make(map[models.Category]policy.CategoryPolicy)
	for _, c := range models.AllCategories {
		m[c] = policy.CategoryPolicy{
			MaxAge:      time.Hour,
			BackoffBase: time.Minute,
			BackoffCap:  time.Hour,
		}
	}
	tbl, err := policy.New(m, 2)
	if err != nil {
		t.Fatalf("policy.New() failed: %v", err)
	}
	return tbl
}

func productionKey() Key {
	return Key{VendorCode: "SE", SiteID: "SE:1001", Category: models.CategoryProduction}
}

func TestStore_GetUnknownKey(t *testing.T) {
	s := testStore(t)
	if _, ok := s.Get(productionKey()); ok {
		t.Fatal("Get() on empty store returned ok")
	}
}

func TestStore_SeedRegistersKeys(t *testing.T) {
	s := testStore(t)
	k := productionKey()
	s.Seed([]Key{k})

	e, ok := s.Get(k)
	if !ok {
		t.Fatal("Get() after Seed returned !ok")
	}
	if e.HasValue() {
		t.Error("seeded entry reports HasValue before any fetch")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	// Seeding again must not reset existing entries.
	now := time.Now()
	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 4200}, LastSuccess: now})
	s.Seed([]Key{k})
	e, _ = s.Get(k)
	if !e.HasValue() {
		t.Error("re-seeding wiped an existing entry")
	}
}

func TestStore_PutReplacesAtomically(t *testing.T) {
	s := testStore(t)
	k := productionKey()
	now := time.Now()

	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 1000}, LastSuccess: now.Add(-time.Hour)})
	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 2000}, LastSuccess: now})

	e, ok := s.Get(k)
	if !ok {
		t.Fatal("Get() returned !ok after Put")
	}
	if e.Sample.Value != 2000 {
		t.Errorf("Sample.Value = %v, want 2000", e.Sample.Value)
	}
	if got := e.Age(now); got != 0 {
		t.Errorf("Age = %v, want 0", got)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := testStore(t)
	k := productionKey()
	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 500}, LastSuccess: time.Now()})

	e, _ := s.Get(k)
	e.LastError = "mutated by caller"

	fresh, _ := s.Get(k)
	if fresh.LastError != "" {
		t.Error("mutating a returned entry leaked into the store")
	}
}

func TestStore_DegradedAndRecoveredEvents(t *testing.T) {
	s := testStore(t)
	k := productionKey()
	now := time.Now()

	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 1}, LastSuccess: now})
	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 1}, LastSuccess: now, LastError: "vendor timeout"})
	s.Put(Entry{Key: k, Sample: &models.MetricSample{Value: 2}, LastSuccess: now})

	want := []EventType{EventSourceDegraded, EventSourceRecovered}
	for i, wt := range want {
		select {
		case ev := <-s.Events():
			if ev.Type != wt {
				t.Errorf("event %d: type = %q, want %q", i, ev.Type, wt)
			}
			if ev.Key != k {
				t.Errorf("event %d: key = %v, want %v", i, ev.Key, k)
			}
		default:
			t.Fatalf("expected event %d (%q), channel empty", i, wt)
		}
	}
}

func TestStore_ListStale(t *testing.T) {
	s := testStore(t)
	pol := testPolicyTable(t)
	now := time.Now()

	neverFetched := Key{VendorCode: "SE", SiteID: "SE:1001", Category: models.CategoryAlertList}
	fresh := Key{VendorCode: "SE", SiteID: "SE:1001", Category: models.CategoryBatterySOC}
	old := productionKey()
	backedOff := Key{VendorCode: "SE", SiteID: "SE:1001", Category: models.CategoryCommStatus}

	s.Seed([]Key{neverFetched})
	s.Put(Entry{Key: fresh, Sample: &models.MetricSample{}, LastSuccess: now.Add(-time.Minute)})
	s.Put(Entry{Key: old, Sample: &models.MetricSample{}, LastSuccess: now.Add(-2 * time.Hour)})
	s.Put(Entry{Key: backedOff, Attempts: 3, NextEligible: now.Add(10 * time.Minute)})

	due := s.ListStale(now, pol)
	dueSet := make(map[Key]bool, len(due))
	for _, k := range due {
		dueSet[k] = true
	}

	if !dueSet[neverFetched] {
		t.Error("never-fetched key missing from ListStale")
	}
	if !dueSet[old] {
		t.Error("over-age key missing from ListStale")
	}
	if dueSet[fresh] {
		t.Error("fresh key reported stale")
	}
	if dueSet[backedOff] {
		t.Error("key inside backoff window reported due")
	}
}

func TestEntry_Age_NoValue(t *testing.T) {
	e := &Entry{}
	if got := e.Age(time.Now()); got != 0 {
		t.Errorf("Age of empty entry = %v, want 0", got)
	}
}
