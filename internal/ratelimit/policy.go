package ratelimit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/clever-search/tracker/internal/config"
)

// Named policies.
const (
	PolicyTracker       = "tracker"
	PolicyTrackerID     = "tracker_id"
	PolicyDashboard     = "dashboard"
	PolicyAuth          = "auth"
	PolicySitemapImport = "sitemap_import"
	PolicyAnalysis      = "analysis"
)

// UserHeader carries the authenticated dashboard user id.
const UserHeader = "X-User-ID"

// Policy is one named rate-limit configuration.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
	// KeyFunc derives the caller identity from the request.
	KeyFunc httprate.KeyFunc
	// FailuresOnly counts only responses with status >= 400; the request is
	// rejected once the failure budget is spent.
	FailuresOnly bool
	// OnLimit replaces the default 429 response.
	OnLimit http.HandlerFunc
}

// WithOnLimit returns a copy of p using h for rejected requests.
func (p Policy) WithOnLimit(h http.HandlerFunc) Policy {
	p.OnLimit = h
	return p
}

// Policies groups the service's named configurations.
type Policies struct {
	Tracker       Policy
	TrackerID     Policy
	Dashboard     Policy
	Auth          Policy
	SitemapImport Policy
	Analysis      Policy
}

// PoliciesFromConfig builds the named policies from configuration.
func PoliciesFromConfig(cfg config.RateLimitConfig) Policies {
	return Policies{
		Tracker: Policy{
			Name: PolicyTracker, Max: cfg.Tracker.Max, Window: cfg.Tracker.Window(),
			KeyFunc: httprate.KeyByIP,
		},
		TrackerID: Policy{
			Name: PolicyTrackerID, Max: cfg.TrackerID.Max, Window: cfg.TrackerID.Window(),
			KeyFunc: KeyByTrackerID,
		},
		Dashboard: Policy{
			Name: PolicyDashboard, Max: cfg.Dashboard.Max, Window: cfg.Dashboard.Window(),
			KeyFunc: KeyByUser,
		},
		Auth: Policy{
			Name: PolicyAuth, Max: cfg.Auth.Max, Window: cfg.Auth.Window(),
			KeyFunc:      httprate.KeyByIP,
			FailuresOnly: true,
		},
		SitemapImport: Policy{
			Name: PolicySitemapImport, Max: cfg.SitemapImport.Max, Window: cfg.SitemapImport.Window(),
			KeyFunc: KeyByUser,
		},
		Analysis: Policy{
			Name: PolicyAnalysis, Max: cfg.Analysis.Max, Window: cfg.Analysis.Window(),
			KeyFunc: KeyByUser,
		},
	}
}

var errNoTrackerID = errors.New("ratelimit: no tracker id in route")

// KeyByTrackerID keys on the trackerId route parameter so one customer's
// abusive tracker cannot exhaust another's budget.
func KeyByTrackerID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "trackerId"))
	if id == "" {
		return "", errNoTrackerID
	}
	return id, nil
}

// KeyByUser keys on the authenticated user, falling back to the client IP.
func KeyByUser(r *http.Request) (string, error) {
	if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
		return "user:" + user, nil
	}
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + ip, nil
}
