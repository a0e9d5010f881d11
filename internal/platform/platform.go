// Package platform defines the vendor adapter contract and the shared error
// taxonomy. One adapter exists per monitoring vendor; each translates raw
// vendor responses (REST JSON or scraped pages) into models.MetricSample.
// Adapters hold vendor session state only (tokens, page fetchers) and never
// cache telemetry — freshness is the coordinator's job.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/solwatch/solwatch/internal/models"
)

// ErrorKind classifies adapter failures. The coordinator's retry policy
// differs per kind, so adapters must map vendor-specific failures
// distinctly (HTTP 429 is not the same as a timeout).
type ErrorKind string

const (
	// ErrUnauthorized: credential or configuration problem. Surfaced to the
	// operator; not worth hammering the vendor with retries.
	ErrUnauthorized ErrorKind = "unauthorized"
	// ErrRateLimited: vendor throttling (HTTP 429). Extended backoff.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrUnreachable: network failure or timeout. Standard backoff.
	ErrUnreachable ErrorKind = "unreachable"
	// ErrMalformedResponse: the vendor answered but violated its own
	// contract. Logged with a payload reference, treated as a failed fetch.
	ErrMalformedResponse ErrorKind = "malformed_response"
	// ErrUnsupported: the adapter does not implement this category. A
	// correctly configured deployment never hits this at request time;
	// startup validation rejects it first.
	ErrUnsupported ErrorKind = "unsupported"
)

// FetchError is the error type all adapters return on failure.
type FetchError struct {
	Kind   ErrorKind
	Vendor string
	Msg    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Vendor, e.Kind, e.Msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Errf builds a FetchError with a formatted message. Causes go in the format
// with %v; the last error argument is also kept for errors.Is/As chains.
func Errf(vendor string, kind ErrorKind, format string, args ...any) *FetchError {
	var wrapped error
	for _, a := range args {
		if err, ok := a.(error); ok {
			wrapped = err
		}
	}
	return &FetchError{
		Kind:   kind,
		Vendor: vendor,
		Msg:    fmt.Sprintf(format, args...),
		Err:    wrapped,
	}
}

// KindOf extracts the taxonomy kind from an adapter error.
// Unknown errors (including context deadline) classify as unreachable.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrUnreachable
}

// Adapter is the uniform vendor contract consumed by the fetch coordinator.
// Fetch performs exactly one outbound call chain and no caching.
type Adapter interface {
	// VendorCode is the short fleet-wide vendor identifier, e.g. "SE".
	VendorCode() string
	// Supports reports whether the vendor exposes the given category.
	Supports(c models.Category) bool
	// Fetch retrieves and normalizes one (site, category) value. The context
	// bounds the whole call; on expiry the adapter returns ErrUnreachable.
	Fetch(ctx context.Context, site models.Site, c models.Category) (models.MetricSample, error)
}

// Registry maps vendor codes to their adapters.
type Registry map[string]Adapter

// Register adds an adapter, replacing any previous one for the same vendor.
func (r Registry) Register(a Adapter) { r[a.VendorCode()] = a }

// Lookup returns the adapter for a vendor code.
func (r Registry) Lookup(vendorCode string) (Adapter, bool) {
	a, ok := r[vendorCode]
	return a, ok
}

// ─── Shared HTTP plumbing ─────────────────────────────────────────────────────

// defaultClient is shared by REST adapters; per-call deadlines come from the
// caller's context, this timeout is only a hard upper bound.
var defaultClient = &http.Client{Timeout: 60 * time.Second}

// getJSON performs an authenticated GET and decodes the JSON body into out,
// translating transport and status failures into the error taxonomy.
func getJSON(ctx context.Context, vendor, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Errf(vendor, ErrUnreachable, "building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := defaultClient.Do(req)
	if err != nil {
		return classifyTransportError(vendor, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(vendor, resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Errf(vendor, ErrUnreachable, "reading response body: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Errf(vendor, ErrMalformedResponse,
			"decoding JSON (%d bytes, starts %q): %v", len(body), truncate(body, 64), err)
	}
	return nil
}

// postForm performs a form POST (used by OAuth token endpoints) and decodes
// the JSON response into out.
func postForm(ctx context.Context, vendor, url string, headers map[string]string, form io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, form)
	if err != nil {
		return Errf(vendor, ErrUnreachable, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := defaultClient.Do(req)
	if err != nil {
		return classifyTransportError(vendor, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(vendor, resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Errf(vendor, ErrMalformedResponse, "decoding JSON: %v", err)
	}
	return nil
}

func classifyTransportError(vendor string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return Errf(vendor, ErrUnreachable, "request timed out: %v", err)
	default:
		return Errf(vendor, ErrUnreachable, "request failed: %v", err)
	}
}

func classifyStatus(vendor string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Errf(vendor, ErrUnauthorized, "vendor rejected credentials (HTTP %d)", status)
	case status == http.StatusTooManyRequests:
		return Errf(vendor, ErrRateLimited, "vendor throttling (HTTP 429)")
	default:
		return Errf(vendor, ErrUnreachable, "unexpected HTTP %d", status)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
