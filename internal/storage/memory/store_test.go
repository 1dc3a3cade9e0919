package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clever-search/tracker/internal/clock/system"
	"github.com/clever-search/tracker/internal/tracking"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

var testNow = time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)

func newStore() *Store {
	return New(&seqIDs{}, system.NewFixed(testNow))
}

func TestSiteLookupAndListing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore()
	s.AddSite(tracking.Site{ID: "site-b", TrackerID: "trk-b"})
	s.AddSite(tracking.Site{ID: "site-a", TrackerID: "trk-a"})

	site, err := s.SiteByTrackerID(ctx, "trk-a")
	require.NoError(t, err)
	require.Equal(t, "site-a", site.ID)

	_, err = s.SiteByTrackerID(ctx, "missing")
	require.ErrorIs(t, err, tracking.ErrNotFound)

	ids, err := s.ListSiteIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"site-a", "site-b"}, ids)
}

func TestTouchPageKeepsTitleAndLatestSeen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.TouchPage(ctx, "site", "https://ex.com/a", "Home", testNow))
	require.NoError(t, s.TouchPage(ctx, "site", "https://ex.com/a", "", testNow.Add(-time.Hour)))

	page, err := s.FindPage(ctx, "site", "https://ex.com/a")
	require.NoError(t, err)
	require.Equal(t, "Home", page.Title)
	require.Equal(t, testNow, page.LastSeenAt)
	require.NotEmpty(t, page.ID)

	_, err = s.FindPage(ctx, "site", "https://ex.com/b")
	require.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestActiveFragmentsNewestActivePerType(t *testing.T) {
	t.Parallel()

	s := newStore()
	page, err := s.AddPage(tracking.Page{SiteID: "site", URL: "https://ex.com"})
	require.NoError(t, err)
	s.AddFragment(tracking.ContentFragment{ID: "t1", PageID: page.ID, Type: tracking.ContentTitle, Content: "old", Active: true, Version: 1})
	s.AddFragment(tracking.ContentFragment{ID: "t2", PageID: page.ID, Type: tracking.ContentTitle, Content: "new", Active: true, Version: 2})
	s.AddFragment(tracking.ContentFragment{ID: "d1", PageID: page.ID, Type: tracking.ContentDescription, Content: "draft", Active: false, Version: 5})
	s.AddFragment(tracking.ContentFragment{ID: "f1", PageID: page.ID, Type: tracking.ContentFAQ, Content: "[]", Active: true, Version: 1})

	got, err := s.ActiveFragments(context.Background(), page.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, tracking.ContentFAQ, got[0].Type)
	require.Equal(t, "new", got[1].Content)
}

func TestMergePageAnalyticsConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore()
	s.PutPageAnalytics(tracking.PageAnalytics{ID: "pa", SiteID: "S", PageURL: "U", VisitDate: testNow, PageViews: 10, UniqueVisitors: 1})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MergePageAnalytics(ctx, tracking.AnalyticsDelta{
				SiteID: "S", PageURL: "U", VisitDate: testNow, PageViews: 1, ContentInjected: i == 7,
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	rows, err := s.ListPageAnalytics(ctx, "S", testNow, testNow)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "pa", rows[0].ID)
	require.Equal(t, int64(30), rows[0].PageViews)
	require.True(t, rows[0].ContentInjected)
}

func TestListPageAnalyticsRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore()
	for d := range 5 {
		_, err := s.MergePageAnalytics(ctx, tracking.AnalyticsDelta{
			SiteID: "S", PageURL: "U", VisitDate: testNow.AddDate(0, 0, -d), PageViews: 1,
		})
		require.NoError(t, err)
	}
	_, err := s.MergePageAnalytics(ctx, tracking.AnalyticsDelta{SiteID: "other", PageURL: "U", VisitDate: testNow, PageViews: 1})
	require.NoError(t, err)

	rows, err := s.ListPageAnalytics(ctx, "S", testNow.AddDate(0, 0, -2), testNow)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.True(t, rows[0].VisitDate.Before(rows[2].VisitDate))
}

func TestTrackerRecordsCopy(t *testing.T) {
	t.Parallel()

	s := newStore()
	n, err := s.InsertTrackerRecords(context.Background(), []tracking.TrackerRecord{{ID: "r1"}, {ID: "r2"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	records := s.TrackerRecords()
	records[0].ID = "mutated"
	require.Equal(t, "r1", s.TrackerRecords()[0].ID)
}
