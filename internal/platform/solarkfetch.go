package platform

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// SolArkLoginURL is where the web session fetcher posts the portal login
// form.
const SolArkLoginURL = solArkDefaultBaseURL + "/login"

// WebSessionFetcher is the production PageFetcher for vendor portals that
// gate telemetry behind a form login. It keeps a cookie session per
// fetcher; when a request lands on the login form instead of the plant
// page, it submits the credentials once and retries.
type WebSessionFetcher struct {
	Username string
	Password string
	LoginURL string

	client *http.Client
}

// NewWebSessionFetcher builds a fetcher with its own cookie jar.
func NewWebSessionFetcher(loginURL, username, password string) *WebSessionFetcher {
	jar, _ := cookiejar.New(nil)
	return &WebSessionFetcher{
		Username: username,
		Password: password,
		LoginURL: loginURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Jar:     jar,
		},
	}
}

// FetchPage returns the rendered HTML for url, logging in at most once per
// call if the session has expired.
func (f *WebSessionFetcher) FetchPage(ctx context.Context, pageURL string) (string, error) {
	body, err := f.get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if !looksLikeLoginForm(body) {
		return body, nil
	}

	if err := f.login(ctx); err != nil {
		return "", err
	}
	return f.get(ctx, pageURL)
}

func (f *WebSessionFetcher) get(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", classifyTransportError(solArkVendorCode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(solArkVendorCode, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", classifyTransportError(solArkVendorCode, err)
	}
	return string(data), nil
}

// login submits the portal's login form. The portal redirects back to the
// plant overview on success, which we discard; only the session cookie
// matters.
func (f *WebSessionFetcher) login(ctx context.Context) error {
	form := url.Values{
		"txtUserName": {f.Username},
		"txtPassword": {f.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return classifyTransportError(solArkVendorCode, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Errf(solArkVendorCode, ErrUnauthorized, "portal rejected login for %s", f.Username)
	}
	if resp.StatusCode >= 400 {
		return classifyStatus(solArkVendorCode, resp.StatusCode)
	}
	return nil
}

func looksLikeLoginForm(body string) bool {
	return strings.Contains(body, "txtPassword")
}
