package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/solwatch/solwatch/internal/models"
)

const (
	solArkVendorCode     = "SA"
	solArkAdapterVersion = "solark/1"
	solArkDefaultBaseURL = "https://www.solarkcloud.com"
)

// PageFetcher renders a vendor web page and returns its HTML. The browser
// automation lifecycle (driver startup, login flow, session reuse) lives in
// the collaborator implementing this, outside the caching core. A fetcher
// should return a FetchError when it can classify the failure itself;
// anything else is treated as unreachable.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (string, error)
}

// SolArk extracts telemetry from the Sol-Ark cloud web UI, which has no
// public REST API. It implements the identical adapter contract as the REST
// vendors: page-extraction failures map onto the same error taxonomy
// instead of leaking automation-specific states.
type SolArk struct {
	Fetcher PageFetcher
	BaseURL string
}

// NewSolArk builds the adapter around a page fetcher.
func NewSolArk(fetcher PageFetcher) *SolArk {
	return &SolArk{Fetcher: fetcher, BaseURL: solArkDefaultBaseURL}
}

func (s *SolArk) VendorCode() string { return solArkVendorCode }

// Supports: Sol-Ark's web UI exposes no device inventory or per-site comm
// status worth scraping; the coordinator must not ask for those here.
func (s *SolArk) Supports(c models.Category) bool {
	switch c {
	case models.CategoryProduction, models.CategoryBatterySOC, models.CategoryAlertList:
		return true
	}
	return false
}

func (s *SolArk) Fetch(ctx context.Context, site models.Site, c models.Category) (models.MetricSample, error) {
	sample := models.MetricSample{
		SiteID:         site.ID,
		Category:       c,
		CollectedAt:    time.Now().UTC(),
		VendorCode:     solArkVendorCode,
		AdapterVersion: solArkAdapterVersion,
	}

	switch c {
	case models.CategoryProduction:
		return s.fetchProduction(ctx, site, sample)
	case models.CategoryBatterySOC:
		return s.fetchBatterySOC(ctx, site, sample)
	case models.CategoryAlertList:
		return s.fetchAlerts(ctx, sample)
	default:
		return sample, Errf(solArkVendorCode, ErrUnsupported, "category %s", c)
	}
}

// page fetches and parses one page, translating fetcher failures into the
// taxonomy. A page that still shows the login form means the session died.
func (s *SolArk) page(ctx context.Context, url string) (*html.Node, error) {
	raw, err := s.Fetcher.FetchPage(ctx, url)
	if err != nil {
		if _, ok := err.(*FetchError); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, Errf(solArkVendorCode, ErrUnreachable, "page load timed out: %v", err)
		}
		return nil, Errf(solArkVendorCode, ErrUnreachable, "page load failed: %v", err)
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, Errf(solArkVendorCode, ErrMalformedResponse, "parsing page HTML (%d bytes): %v", len(raw), err)
	}
	if loginWall(doc) {
		return nil, Errf(solArkVendorCode, ErrUnauthorized, "vendor session expired (login page served)")
	}
	return doc, nil
}

func (s *SolArk) fetchBatterySOC(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	url := fmt.Sprintf("%s/plants/overview/%s/2", s.BaseURL, site.VendorSiteID)
	doc, err := s.page(ctx, url)
	if err != nil {
		return sample, err
	}

	node := findByClass(doc, "soc")
	if node == nil {
		return sample, Errf(solArkVendorCode, ErrMalformedResponse, "overview page has no soc element")
	}
	text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(textContent(node)), "%"))
	pct, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return sample, Errf(solArkVendorCode, ErrMalformedResponse, "soc element text %q is not numeric", text)
	}

	soe := pct / 100.0
	sample.Value = soe
	sample.Unit = "ratio"
	sample.Batteries = []models.BatteryReading{{
		// One inverter-integrated battery per site on this vendor; the UI
		// exposes no serial, so the site stands in for it.
		Serial:        site.VendorSiteID,
		Model:         "Sol-Ark",
		StateOfEnergy: &soe,
	}}
	return sample, nil
}

func (s *SolArk) fetchProduction(ctx context.Context, site models.Site, sample models.MetricSample) (models.MetricSample, error) {
	url := fmt.Sprintf("%s/plants/overview/%s/overview", s.BaseURL, site.VendorSiteID)
	doc, err := s.page(ctx, url)
	if err != nil {
		return sample, err
	}

	node := findByClass(doc, "production")
	if node == nil {
		return sample, Errf(solArkVendorCode, ErrMalformedResponse, "overview page has no production element")
	}
	text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(textContent(node)), "kW"))
	kw, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return sample, Errf(solArkVendorCode, ErrMalformedResponse, "production element text %q is not numeric", text)
	}

	sample.Value = kw * 1000.0
	sample.Unit = "W"
	return sample, nil
}

// fetchAlerts scrapes the cloud landing page alert banners. The vendor does
// not attribute banners to sites nor classify them, so everything maps to
// vendor_other with the banner text as the opaque detail.
func (s *SolArk) fetchAlerts(ctx context.Context, sample models.MetricSample) (models.MetricSample, error) {
	doc, err := s.page(ctx, s.BaseURL)
	if err != nil {
		return sample, err
	}

	for _, node := range collectByClass(doc, "alert") {
		text := strings.TrimSpace(textContent(node))
		if text == "" {
			continue
		}
		sample.Alerts = append(sample.Alerts, models.AlertObservation{
			Kind:     models.AlertVendorOther,
			Severity: models.SeverityWarning,
			Detail:   text,
		})
	}
	return sample, nil
}

// ─── HTML helpers ─────────────────────────────────────────────────────────────

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func findByClass(n *html.Node, class string) *html.Node {
	if hasClass(n, class) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

func collectByClass(n *html.Node, class string) []*html.Node {
	var out []*html.Node
	if hasClass(n, class) {
		out = append(out, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, collectByClass(c, class)...)
	}
	return out
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func loginWall(doc *html.Node) bool {
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "input" {
			for _, attr := range n.Attr {
				if attr.Key == "name" && attr.Val == "txtPassword" {
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(doc)
}
