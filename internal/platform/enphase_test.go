package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/solwatch/solwatch/internal/models"
)

func enphaseSite() models.Site {
	return models.Site{ID: "EN:4242", VendorCode: "EN", VendorSiteID: "4242", Name: "Orchard"}
}

// enphaseBackend fakes the OAuth endpoint plus one telemetry endpoint,
// counting grant types so tests can assert on the auth flow.
type enphaseBackend struct {
	passwordGrants atomic.Int64
	refreshGrants  atomic.Int64
	// rejectRefresh makes refresh-token grants fail with 401.
	rejectRefresh bool
	expiresIn     int
}

func (b *enphaseBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		switch r.PostFormValue("grant_type") {
		case "password":
			b.passwordGrants.Add(1)
		case "refresh_token":
			b.refreshGrants.Add(1)
			if b.rejectRefresh {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		expires := b.expiresIn
		if expires == 0 {
			expires = 3600
		}
		fmt.Fprintf(w, `{"access_token":"tok-%d","refresh_token":"ref-1","expires_in":%d}`,
			b.passwordGrants.Load()+b.refreshGrants.Load(), expires)
	})
	mux.HandleFunc("/api/v4/systems/4242/telemetry/production_micro", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"values":[{"value":2100,"end_at":1756550400},{"value":null,"end_at":1756551300}]}`))
	})
	return mux
}

func enphaseAdapter(srv *httptest.Server) *Enphase {
	a := NewEnphase(EnphaseCredentials{
		ClientID: "cid", ClientSecret: "cs", APIKey: "ak",
		Username: "user@example.com", Password: "pw",
	})
	a.BaseURL = srv.URL
	return a
}

func TestEnphase_FetchProductionSkipsTrailingNulls(t *testing.T) {
	backend := &enphaseBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	sample, err := enphaseAdapter(srv).Fetch(context.Background(), enphaseSite(), models.CategoryProduction)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if sample.Value != 2100 {
		t.Errorf("Value = %v, want 2100 (latest non-null interval)", sample.Value)
	}
	if backend.passwordGrants.Load() != 1 {
		t.Errorf("password grants = %d, want 1", backend.passwordGrants.Load())
	}
}

func TestEnphase_TokenReusedAcrossFetches(t *testing.T) {
	backend := &enphaseBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	adapter := enphaseAdapter(srv)

	for i := 0; i < 3; i++ {
		if _, err := adapter.Fetch(context.Background(), enphaseSite(), models.CategoryProduction); err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
	}
	if got := backend.passwordGrants.Load() + backend.refreshGrants.Load(); got != 1 {
		t.Errorf("total grants = %d, want 1 (token must be reused)", got)
	}
}

func TestEnphase_ExpiredRefreshTokenFallsBackToPassword(t *testing.T) {
	backend := &enphaseBackend{rejectRefresh: true, expiresIn: 1}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	adapter := enphaseAdapter(srv)

	// First fetch: password grant, short-lived token plus a refresh token.
	if _, err := adapter.Fetch(context.Background(), enphaseSite(), models.CategoryProduction); err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}
	// Second fetch: the token is expired, the refresh grant 401s, and the
	// adapter must retry with the password grant instead of failing.
	if _, err := adapter.Fetch(context.Background(), enphaseSite(), models.CategoryProduction); err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}

	if backend.refreshGrants.Load() != 1 {
		t.Errorf("refresh grants = %d, want 1", backend.refreshGrants.Load())
	}
	if backend.passwordGrants.Load() != 2 {
		t.Errorf("password grants = %d, want 2 (fallback after rejected refresh)", backend.passwordGrants.Load())
	}
}
