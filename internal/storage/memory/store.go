// Package memory provides in-memory durable stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clever-search/tracker/internal/tracking"
)

type analyticsKey struct {
	siteID  string
	pageURL string
	day     time.Time
}

type pageKey struct {
	siteID string
	url    string
}

// Store implements the durable tracking interfaces in memory.
type Store struct {
	mu        sync.RWMutex
	ids       tracking.IDGenerator
	clock     tracking.Clock
	sites     map[string]tracking.Site // by tracker id
	pages     map[pageKey]tracking.Page
	fragments map[string][]tracking.ContentFragment // by page id
	records   []tracking.TrackerRecord
	analytics map[analyticsKey]tracking.PageAnalytics
}

// New constructs an empty Store.
func New(ids tracking.IDGenerator, clock tracking.Clock) *Store {
	return &Store{
		ids:       ids,
		clock:     clock,
		sites:     make(map[string]tracking.Site),
		pages:     make(map[pageKey]tracking.Page),
		fragments: make(map[string][]tracking.ContentFragment),
		analytics: make(map[analyticsKey]tracking.PageAnalytics),
	}
}

// AddSite registers a site.
func (s *Store) AddSite(site tracking.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.TrackerID] = site
}

// AddPage registers a page and returns it with an id assigned when missing.
func (s *Store) AddPage(page tracking.Page) (tracking.Page, error) {
	if page.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return tracking.Page{}, err
		}
		page.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageKey{page.SiteID, page.URL}] = page
	return page, nil
}

// AddFragment deploys a content fragment.
func (s *Store) AddFragment(fragment tracking.ContentFragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments[fragment.PageID] = append(s.fragments[fragment.PageID], fragment)
}

// SiteByTrackerID resolves a public tracker id.
func (s *Store) SiteByTrackerID(_ context.Context, trackerID string) (tracking.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[trackerID]
	if !ok {
		return tracking.Site{}, fmt.Errorf("lookup tracker %s: %w", trackerID, tracking.ErrNotFound)
	}
	return site, nil
}

// ListSiteIDs returns every site id in sorted order.
func (s *Store) ListSiteIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sites))
	for _, site := range s.sites {
		ids = append(ids, site.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

// TouchPage upserts a page's last-seen time and title.
func (s *Store) TouchPage(_ context.Context, siteID, pageURL, title string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pageKey{siteID, pageURL}
	page, ok := s.pages[key]
	if !ok {
		id, err := s.ids.NewID()
		if err != nil {
			return err
		}
		page = tracking.Page{ID: id, SiteID: siteID, URL: pageURL}
	}
	if title != "" {
		page.Title = title
	}
	if seenAt.After(page.LastSeenAt) {
		page.LastSeenAt = seenAt
	}
	s.pages[key] = page
	return nil
}

// FindPage looks up a page by (site, URL).
func (s *Store) FindPage(_ context.Context, siteID, pageURL string) (tracking.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[pageKey{siteID, pageURL}]
	if !ok {
		return tracking.Page{}, fmt.Errorf("lookup page: %w", tracking.ErrNotFound)
	}
	return page, nil
}

// ActiveFragments returns the newest active fragment per content type.
func (s *Store) ActiveFragments(_ context.Context, pageID string) ([]tracking.ContentFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[tracking.ContentType]tracking.ContentFragment)
	for _, f := range s.fragments[pageID] {
		if !f.Active {
			continue
		}
		if cur, ok := latest[f.Type]; !ok || f.Version > cur.Version {
			latest[f.Type] = f
		}
	}
	out := make([]tracking.ContentFragment, 0, len(latest))
	for _, f := range latest {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b tracking.ContentFragment) int {
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return out, nil
}

// InsertTrackerRecords appends records.
func (s *Store) InsertTrackerRecords(_ context.Context, records []tracking.TrackerRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return int64(len(records)), nil
}

// TrackerRecords returns a copy of every stored record.
func (s *Store) TrackerRecords() []tracking.TrackerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// MergePageAnalytics folds delta into its row under the store lock.
func (s *Store) MergePageAnalytics(_ context.Context, delta tracking.AnalyticsDelta) (tracking.PageAnalytics, error) {
	key := analyticsKey{delta.SiteID, delta.PageURL, tracking.VisitDate(delta.VisitDate)}
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *tracking.PageAnalytics
	if row, ok := s.analytics[key]; ok {
		existing = &row
	}
	merged := tracking.MergeAnalytics(existing, delta, s.clock.Now())
	if merged.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return tracking.PageAnalytics{}, err
		}
		merged.ID = id
	}
	s.analytics[key] = merged
	return merged, nil
}

// PutPageAnalytics seeds an analytics row.
func (s *Store) PutPageAnalytics(row tracking.PageAnalytics) {
	row.VisitDate = tracking.VisitDate(row.VisitDate)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analytics[analyticsKey{row.SiteID, row.PageURL, row.VisitDate}] = row
}

// ListPageAnalytics returns rows for siteID with visit dates in [from, to].
func (s *Store) ListPageAnalytics(_ context.Context, siteID string, from, to time.Time) ([]tracking.PageAnalytics, error) {
	lo, hi := tracking.VisitDate(from), tracking.VisitDate(to)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracking.PageAnalytics
	for key, row := range s.analytics {
		if key.siteID != siteID || key.day.Before(lo) || key.day.After(hi) {
			continue
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b tracking.PageAnalytics) int {
		if c := a.VisitDate.Compare(b.VisitDate); c != 0 {
			return c
		}
		return strings.Compare(a.PageURL, b.PageURL)
	})
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
