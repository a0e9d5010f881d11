package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/solwatch/solwatch/internal/cache"
	"github.com/solwatch/solwatch/internal/coordinator"
	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/platform"
	"github.com/solwatch/solwatch/internal/policy"
	"github.com/solwatch/solwatch/internal/view"
	"github.com/solwatch/solwatch/internal/ws"
)

type apiStubAdapter struct {
	fail bool
}

func (a *apiStubAdapter) VendorCode() string              { return "AP" }
func (a *apiStubAdapter) Supports(c models.Category) bool { return c == models.CategoryProduction }

func (a *apiStubAdapter) Fetch(ctx context.Context, site models.Site, c models.Category) (models.MetricSample, error) {
	if a.fail {
		return models.MetricSample{}, platform.Errf("AP", platform.ErrUnreachable, "vendor down")
	}
	return models.MetricSample{SiteID: site.ID, Category: c, Value: 1234, Unit: "W", CollectedAt: time.Now().UTC()}, nil
}

func apiRouter(t *testing.T, adapter platform.Adapter) *gin.Engine {
	t.Helper()
	SetJWTSecret("api-test-secret")
	if err := SetAdminCredentials("admin", "hunter2", ""); err != nil {
		t.Fatalf("SetAdminCredentials failed: %v", err)
	}

	db, err := cache.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	fleet := []models.Site{{ID: "AP:1", VendorCode: "AP", VendorSiteID: "1", Name: "Test"}}
	store := cache.NewStore(db, fleet, nil)

	m := make(map[models.Category]policy.CategoryPolicy)
	for _, c := range models.AllCategories {
		m[c] = policy.CategoryPolicy{MaxAge: time.Hour, BackoffBase: time.Minute, BackoffCap: time.Hour}
	}
	pol, err := policy.New(m, 2)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}

	reg := platform.Registry{}
	reg.Register(adapter)
	coord := coordinator.New(store, reg, pol, 5*time.Second, nil)
	v := view.New(store, coord, fleet)
	hub := ws.NewHub(store.Events(), nil)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(v, coord, hub).RegisterRoutes(r)
	return r
}

func loginToken(t *testing.T, r *gin.Engine) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return resp.Token
}

func authedGet(r *gin.Engine, token, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLogin_BadCredentials(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{})

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestSummary_RequiresAuth(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/summary", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}
}

func TestSummary_ReturnsFleet(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{})
	token := loginToken(t, r)

	w := authedGet(r, token, "/api/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data view.FleetSummary `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if len(resp.Data.Sites) != 1 {
		t.Fatalf("len(Sites) = %d, want 1", len(resp.Data.Sites))
	}
	if resp.Data.TotalProductionW != 1234 {
		t.Errorf("TotalProductionW = %v, want 1234", resp.Data.TotalProductionW)
	}
}

func TestSummary_DegradedVendorStill200(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{fail: true})
	token := loginToken(t, r)

	w := authedGet(r, token, "/api/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with the vendor down", w.Code)
	}

	var resp struct {
		Data view.FleetSummary `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if resp.Data.DegradedSources != 1 {
		t.Errorf("DegradedSources = %d, want 1", resp.Data.DegradedSources)
	}
}

func TestForceRefresh(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{})
	token := loginToken(t, r)

	req := httptest.NewRequest(http.MethodPost, "/api/sites/AP:1/refresh?category=production_power", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}

	// Unknown site.
	req = httptest.NewRequest(http.MethodPost, "/api/sites/AP:404/refresh?category=production_power", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown site status = %d, want 404", w.Code)
	}

	// Bad category.
	req = httptest.NewRequest(http.MethodPost, "/api/sites/AP:1/refresh?category=bogus", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad category status = %d, want 400", w.Code)
	}
}

func TestForceRefresh_VendorDownNoPriorValue(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{fail: true})
	token := loginToken(t, r)

	req := httptest.NewRequest(http.MethodPost, "/api/sites/AP:1/refresh?category=production_power", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestHealth_Public(t *testing.T) {
	r := apiRouter(t, &apiStubAdapter{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v, want ok", resp["status"])
	}
}
