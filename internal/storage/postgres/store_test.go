package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/clever-search/tracker/internal/clock/system"
	"github.com/clever-search/tracker/internal/tracking"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

var testNow = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedIDs{id: "id-1"}, system.NewFixed(testNow))
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil, nil)
	require.Error(t, err)
}

func TestSiteByTrackerID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM sites WHERE tracker_id").
		WithArgs("trk-1").
		WillReturnRows(mock.NewRows([]string{"id", "tracker_id", "user_id", "domain"}).
			AddRow("site-1", "trk-1", "user-1", "ex.com"))

	site, err := store.SiteByTrackerID(context.Background(), "trk-1")
	require.NoError(t, err)
	require.Equal(t, tracking.Site{ID: "site-1", TrackerID: "trk-1", UserID: "user-1", Domain: "ex.com"}, site)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSiteByTrackerIDNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM sites WHERE tracker_id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.SiteByTrackerID(context.Background(), "nope")
	require.ErrorIs(t, err, tracking.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSiteIDs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM sites").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := store.ListSiteIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO pages").
		WithArgs("id-1", "site-1", "https://ex.com/a", "Home", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.TouchPage(context.Background(), "site-1", "https://ex.com/a", "Home", testNow))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPageNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM pages WHERE site_id").
		WithArgs("site-1", "https://ex.com/missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindPage(context.Background(), "site-1", "https://ex.com/missing")
	require.ErrorIs(t, err, tracking.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveFragments(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM deployed_content").
		WithArgs("page-1").
		WillReturnRows(mock.NewRows([]string{"id", "page_id", "content_type", "content", "is_active", "version"}).
			AddRow("c1", "page-1", "description", "Best widgets", true, 3).
			AddRow("c2", "page-1", "title", "Widgets | Ex", true, 1))

	got, err := store.ActiveFragments(context.Background(), "page-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, tracking.ContentDescription, got[0].Type)
	require.Equal(t, 3, got[0].Version)
	require.Equal(t, "Widgets | Ex", got[1].Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrackerRecordsUsesCopy(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	load := int64(800)
	records := []tracking.TrackerRecord{
		{ID: "r1", SiteID: "s", PageURL: "https://ex.com/a", EventType: "page_view", EventData: tracking.EventData{LoadTimeMs: &load}, Timestamp: testNow},
		{ID: "r2", SiteID: "s", PageURL: "https://ex.com/b", EventType: "page_view", VisitorID: "v", Timestamp: testNow},
	}
	mock.ExpectCopyFrom(pgx.Identifier{"tracker_data"}, trackerDataColumns).WillReturnResult(2)

	n, err := store.InsertTrackerRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrackerRecordsEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	n, err := store.InsertTrackerRecords(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrackerRecordsError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectCopyFrom(pgx.Identifier{"tracker_data"}, trackerDataColumns).WillReturnError(errors.New("disk full"))

	_, err := store.InsertTrackerRecords(context.Background(), []tracking.TrackerRecord{{ID: "r1"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func analyticsRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	return mock.NewRows([]string{
		"id", "site_id", "page_url", "visit_date", "page_views", "unique_visitors",
		"load_time_ms", "content_injected", "content_types_injected", "updated_at",
	})
}

func TestMergePageAnalytics(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	load := int64(500)
	merged := int64(750)
	day := tracking.VisitDate(testNow)
	mock.ExpectQuery("INSERT INTO page_analytics").
		WithArgs("id-1", "S", "U", day, int64(3), &load, true, []string{"title"}, testNow).
		WillReturnRows(analyticsRows(mock).
			AddRow("pa-1", "S", "U", day, int64(13), int64(1), &merged, true, []string{"faq", "title"}, testNow))

	got, err := store.MergePageAnalytics(context.Background(), tracking.AnalyticsDelta{
		SiteID:          "S",
		PageURL:         "U",
		VisitDate:       testNow,
		PageViews:       3,
		LoadTimeMs:      &load,
		ContentInjected: true,
		ContentTypes:    []string{"title"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(13), got.PageViews)
	require.True(t, got.ContentInjected)
	require.Equal(t, int64(750), *got.LoadTimeMs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergePageAnalyticsError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO page_analytics").WillReturnError(errors.New("deadlock"))

	_, err := store.MergePageAnalytics(context.Background(), tracking.AnalyticsDelta{SiteID: "S", PageURL: "U", VisitDate: testNow, PageViews: 1})
	require.ErrorContains(t, err, "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPageAnalytics(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	from := testNow.AddDate(0, 0, -7)
	mock.ExpectQuery("FROM page_analytics").
		WithArgs("S", tracking.VisitDate(from), tracking.VisitDate(testNow)).
		WillReturnRows(analyticsRows(mock).
			AddRow("pa-1", "S", "U", tracking.VisitDate(testNow), int64(4), int64(1), (*int64)(nil), false, []string{}, testNow))

	rows, err := store.ListPageAnalytics(context.Background(), "S", from, testNow)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].LoadTimeMs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	require.ErrorContains(t, store.Ping(context.Background()), "postgres ping: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
