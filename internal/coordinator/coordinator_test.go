package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solwatch/solwatch/internal/cache"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/platform"
	"github.com/solwatch/solwatch/internal/policy"
)

// fakeAdapter counts calls and returns a scripted outcome, optionally
// blocking until release is closed so tests can hold a fetch in flight.
type fakeAdapter struct {
	vendor  string
	calls   atomic.Int64
	err     error
	value   float64
	release chan struct{}
}

func (f *fakeAdapter) VendorCode() string              { return f.vendor }
func (f *fakeAdapter) Supports(c models.Category) bool { return c != models.CategoryDeviceInventory }

func (f *fakeAdapter) Fetch(ctx context.Context, site models.Site, c models.Category) (models.MetricSample, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.MetricSample{}, platform.Errf(f.vendor, platform.ErrUnreachable, "canceled: %v", ctx.Err())
		}
	}
	if f.err != nil {
		return models.MetricSample{}, f.err
	}
	return models.MetricSample{
		SiteID:      site.ID,
		Category:    c,
		Value:       f.value,
		CollectedAt: time.Now().UTC(),
		VendorCode:  f.vendor,
	}, nil
}

func testSite() models.Site {
	return models.Site{ID: "FK:1", VendorCode: "FK", VendorSiteID: "1", Name: "Test Site"}
}

func testPolicy(t *testing.T) *policy.Table {
	t.Helper()
	m := make(map[models.Category]policy.CategoryPolicy)
	for _, c := range models.AllCategories {
		m[c] = policy.CategoryPolicy{
			MaxAge:      time.Hour,
			BackoffBase: 2 * time.Minute,
			BackoffCap:  time.Hour,
		}
	}
	tbl, err := policy.New(m, 2)
	if err != nil {
		t.Fatalf("policy.New() failed: %v", err)
	}
	return tbl
}

func testCoordinator(t *testing.T, fake *fakeAdapter) (*Coordinator, *cache.Store) {
	t.Helper()
	db, err := cache.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	store := cache.NewStore(db, []models.Site{testSite()}, nil)
	reg := platform.Registry{}
	reg.Register(fake)
	return New(store, reg, testPolicy(t), 5*time.Second, nil), store
}

func TestGetOrRefresh_FetchesOnceThenServesCached(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", value: 4500}
	coord, _ := testCoordinator(t, fake)
	ctx := context.Background()

	res, err := coord.GetOrRefresh(ctx, testSite(), models.CategoryProduction)
	if err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if res.Sample.Value != 4500 {
		t.Errorf("Value = %v, want 4500", res.Sample.Value)
	}
	if res.Stale {
		t.Error("fresh fetch tagged stale")
	}

	// Second call within max age must not hit the vendor.
	if _, err := coord.GetOrRefresh(ctx, testSite(), models.CategoryProduction); err != nil {
		t.Fatalf("GetOrRefresh (cached) failed: %v", err)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("adapter calls = %d, want 1", got)
	}
}

func TestGetOrRefresh_StaleEntryTriggersRefresh(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", value: 100}
	coord, store := testCoordinator(t, fake)
	key := cache.Key{VendorCode: "FK", SiteID: "FK:1", Category: models.CategoryProduction}

	old := time.Now().UTC().Add(-61 * time.Minute)
	store.Put(cache.Entry{Key: key, Sample: &models.MetricSample{Value: 1}, LastSuccess: old})

	res, err := coord.GetOrRefresh(context.Background(), testSite(), models.CategoryProduction)
	if err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if res.Sample.Value != 100 {
		t.Errorf("Value = %v, want refreshed 100", res.Sample.Value)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("adapter calls = %d, want 1", got)
	}
}

func TestGetOrRefresh_ConcurrentCallersShareOneFetch(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", value: 777, release: make(chan struct{})}
	coord, _ := testCoordinator(t, fake)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.GetOrRefresh(context.Background(), testSite(), models.CategoryProduction)
		}(i)
	}

	// Let the callers pile onto the single flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(fake.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Sample.Value != 777 {
			t.Errorf("caller %d: Value = %v, want 777", i, results[i].Sample.Value)
		}
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("adapter calls = %d, want exactly 1", got)
	}
}

func TestGetOrRefresh_FailureWithPriorValueDegrades(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", err: platform.Errf("FK", platform.ErrUnreachable, "connection refused")}
	coord, store := testCoordinator(t, fake)
	key := cache.Key{VendorCode: "FK", SiteID: "FK:1", Category: models.CategoryProduction}

	old := time.Now().UTC().Add(-2 * time.Hour)
	store.Put(cache.Entry{Key: key, Sample: &models.MetricSample{Value: 42}, LastSuccess: old})

	res, err := coord.GetOrRefresh(context.Background(), testSite(), models.CategoryProduction)
	if err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if !res.Stale {
		t.Error("degraded result not tagged stale")
	}
	if res.Sample.Value != 42 {
		t.Errorf("Value = %v, want prior 42", res.Sample.Value)
	}
	if res.Age < 2*time.Hour {
		t.Errorf("Age = %v, want >= 2h", res.Age)
	}

	entry, _ := store.Get(key)
	if entry.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", entry.Attempts)
	}
	if entry.LastError == "" {
		t.Error("LastError empty after failed fetch")
	}
	if !entry.HasValue() {
		t.Error("failed fetch discarded the prior sample")
	}
}

func TestGetOrRefresh_FailureWithoutPriorValue(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", err: platform.Errf("FK", platform.ErrUnreachable, "connection refused")}
	coord, _ := testCoordinator(t, fake)

	_, err := coord.GetOrRefresh(context.Background(), testSite(), models.CategoryProduction)
	if !errors.Is(err, ErrStaleAndUnavailable) {
		t.Fatalf("err = %v, want ErrStaleAndUnavailable", err)
	}
}

func TestGetOrRefresh_BackoffSuppressesRetry(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", err: platform.Errf("FK", platform.ErrUnreachable, "down")}
	coord, _ := testCoordinator(t, fake)
	ctx := context.Background()

	if _, err := coord.GetOrRefresh(ctx, testSite(), models.CategoryProduction); !errors.Is(err, ErrStaleAndUnavailable) {
		t.Fatalf("first call: err = %v, want ErrStaleAndUnavailable", err)
	}
	// Immediately retrying lands inside the backoff window; the vendor must
	// not see a second call.
	if _, err := coord.GetOrRefresh(ctx, testSite(), models.CategoryProduction); !errors.Is(err, ErrStaleAndUnavailable) {
		t.Fatalf("second call: err = %v, want ErrStaleAndUnavailable", err)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("adapter calls = %d, want 1 (backoff ignored)", got)
	}
}

func TestGetOrRefresh_CallerCancelLeavesEntryClean(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", value: 42, release: make(chan struct{})}
	coord, store := testCoordinator(t, fake)
	key := cache.Key{VendorCode: "FK", SiteID: "FK:1", Category: models.CategoryProduction}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.GetOrRefresh(ctx, testSite(), models.CategoryProduction)
		done <- err
	}()
	for fake.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, ErrStaleAndUnavailable) {
		t.Fatalf("cancelled call: err = %v, want ErrStaleAndUnavailable", err)
	}

	// Shutdown is not vendor degradation: no attempt count, no backoff,
	// no recorded error.
	entry, _ := store.Get(key)
	if entry.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after caller cancel", entry.Attempts)
	}
	if entry.LastError != "" {
		t.Errorf("LastError = %q, want empty after caller cancel", entry.LastError)
	}

	// The next caller must reach the vendor immediately, not sit out a
	// backoff window.
	close(fake.release)
	res, err := coord.GetOrRefresh(context.Background(), testSite(), models.CategoryProduction)
	if err != nil {
		t.Fatalf("GetOrRefresh after cancel failed: %v", err)
	}
	if res.Sample.Value != 42 {
		t.Errorf("Value = %v, want 42", res.Sample.Value)
	}
	if got := fake.calls.Load(); got != 2 {
		t.Errorf("adapter calls = %d, want 2", got)
	}
}

func TestForceRefresh_BypassesFreshness(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK", value: 9}
	coord, _ := testCoordinator(t, fake)
	ctx := context.Background()

	if _, err := coord.GetOrRefresh(ctx, testSite(), models.CategoryProduction); err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if _, err := coord.ForceRefresh(ctx, testSite(), models.CategoryProduction); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if got := fake.calls.Load(); got != 2 {
		t.Errorf("adapter calls = %d, want 2 (force must refetch)", got)
	}
}

func TestGetOrRefresh_UnsupportedCategory(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK"}
	coord, _ := testCoordinator(t, fake)

	_, err := coord.GetOrRefresh(context.Background(), testSite(), models.CategoryDeviceInventory)
	if err == nil {
		t.Fatal("unsupported category succeeded")
	}
	if platform.KindOf(err) != platform.ErrUnsupported {
		t.Errorf("error kind = %v, want unsupported", platform.KindOf(err))
	}
}

func TestSeedKeys(t *testing.T) {
	fake := &fakeAdapter{vendor: "FK"}
	reg := platform.Registry{}
	reg.Register(fake)

	keys, err := SeedKeys(reg, []models.Site{testSite()})
	if err != nil {
		t.Fatalf("SeedKeys failed: %v", err)
	}
	// The fake supports everything except device_inventory.
	if len(keys) != len(models.AllCategories)-1 {
		t.Errorf("len(keys) = %d, want %d", len(keys), len(models.AllCategories)-1)
	}

	if _, err := SeedKeys(reg, []models.Site{{ID: "XX:9", VendorCode: "XX"}}); err == nil {
		t.Error("SeedKeys with unknown vendor succeeded, want error")
	}
}
