// Package tracking defines the core types shared by the tracker ingestion path,
// the buffer store, and the event processor.
package tracking

import (
	"errors"
	"strings"
	"time"
)

// EventPageView is the event type emitted by the embedded script on every page load.
const EventPageView = "page_view"

// ContentType identifies one kind of injectable content fragment.
type ContentType string

// Content fragment kinds deployed from the dashboard.
const (
	ContentTitle       ContentType = "title"
	ContentDescription ContentType = "description"
	ContentFAQ         ContentType = "faq"
	ContentKeywords    ContentType = "keywords"
)

var (
	// ErrNotFound signals that a site, page, or record does not exist.
	ErrNotFound = errors.New("tracking: not found")
	// ErrInvalidEvent marks a buffered event that cannot become a tracker record.
	ErrInvalidEvent = errors.New("tracking: invalid event")
)

// EventData is the event-specific payload reported by the client script.
type EventData struct {
	LoadTimeMs      *int64   `json:"loadTime,omitempty"`
	ContentInjected bool     `json:"contentInjected,omitempty"`
	ContentTypes    []string `json:"contentTypes,omitempty"`
	Title           string   `json:"title,omitempty"`
	ScreenWidth     *int     `json:"screenWidth,omitempty"`
}

// Event is a raw tracking beacon waiting in a site's buffer.
type Event struct {
	SiteID    string    `json:"siteId"`
	PageURL   string    `json:"pageUrl"`
	EventType string    `json:"eventType"`
	EventData EventData `json:"eventData"`
	SessionID string    `json:"sessionId,omitempty"`
	VisitorID string    `json:"visitorId,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Referrer  string    `json:"referrer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate reports ErrInvalidEvent when the page URL or event type is missing.
func (e Event) Validate() error {
	if strings.TrimSpace(e.PageURL) == "" {
		return errors.Join(ErrInvalidEvent, errors.New("page url is required"))
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errors.Join(ErrInvalidEvent, errors.New("event type is required"))
	}
	return nil
}

// TrackerRecord is the durable, immutable row written for every valid event.
type TrackerRecord struct {
	ID        string
	SiteID    string
	PageURL   string
	EventType string
	EventData EventData
	SessionID string
	VisitorID string
	UserAgent string
	IPAddress string
	Referrer  string
	Timestamp time.Time
}

// PageAnalytics is the per-page, per-day aggregate keyed by (site, URL, visit date).
type PageAnalytics struct {
	ID              string    `json:"id"`
	SiteID          string    `json:"siteId"`
	PageURL         string    `json:"pageUrl"`
	VisitDate       time.Time `json:"visitDate"`
	PageViews       int64     `json:"pageViews"`
	UniqueVisitors  int64     `json:"uniqueVisitors"`
	LoadTimeMs      *int64    `json:"loadTimeMs,omitempty"`
	ContentInjected bool      `json:"contentInjected"`
	ContentTypes    []string  `json:"contentTypesInjected"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AnalyticsDelta is one drain batch's contribution to a single analytics key.
type AnalyticsDelta struct {
	SiteID          string
	PageURL         string
	VisitDate       time.Time
	PageViews       int64
	LoadTimeMs      *int64
	ContentInjected bool
	ContentTypes    []string
}

// Site maps a public tracker identifier to an internal site.
type Site struct {
	ID        string
	TrackerID string
	UserID    string
	Domain    string
}

// Page is a URL known to belong to a site.
type Page struct {
	ID         string
	SiteID     string
	URL        string
	Title      string
	LastSeenAt time.Time
}

// ContentFragment is a deployed piece of AI-optimized content for a page.
type ContentFragment struct {
	ID      string      `json:"id"`
	PageID  string      `json:"-"`
	Type    ContentType `json:"type"`
	Content string      `json:"content"`
	Active  bool        `json:"-"`
	Version int         `json:"-"`
}

// VisitDate truncates t to its UTC calendar day.
func VisitDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NormalizePageURL trims whitespace and drops any #fragment so analytics keys stay stable.
func NormalizePageURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.IndexByte(trimmed, '#'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
