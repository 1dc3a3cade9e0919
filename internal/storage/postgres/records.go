package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/clever-search/tracker/internal/tracking"
)

var trackerDataColumns = []string{
	"id", "site_id", "page_url", "event_type", "event_data",
	"session_id", "anonymous_id", "user_agent", "ip_address", "referrer", "timestamp",
}

// InsertTrackerRecords writes records with a single COPY.
func (s *Store) InsertTrackerRecords(ctx context.Context, records []tracking.TrackerRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(rec.EventData)
		if err != nil {
			return 0, fmt.Errorf("encode event data %s: %w", rec.ID, err)
		}
		rows = append(rows, []any{
			rec.ID,
			rec.SiteID,
			rec.PageURL,
			rec.EventType,
			payload,
			nullable(rec.SessionID),
			nullable(rec.VisitorID),
			nullable(rec.UserAgent),
			nullable(rec.IPAddress),
			nullable(rec.Referrer),
			rec.Timestamp,
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"tracker_data"}, trackerDataColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy tracker records: %w", err)
	}
	return n, nil
}

const analyticsColumns = `id, site_id, page_url, visit_date, page_views, unique_visitors,
	load_time_ms, content_injected, content_types_injected, updated_at`

// mergeAnalyticsQuery applies the merge rule inside the upsert so concurrent
// writers for the same (site, url, date) combine instead of overwriting.
// Unique visitors are seeded at one and left alone on conflict.
const mergeAnalyticsQuery = `
INSERT INTO page_analytics (
	id, site_id, page_url, visit_date, page_views, unique_visitors,
	load_time_ms, content_injected, content_types_injected, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $9)
ON CONFLICT (site_id, page_url, visit_date) DO UPDATE SET
	page_views = page_analytics.page_views + EXCLUDED.page_views,
	load_time_ms = CASE
		WHEN page_analytics.load_time_ms IS NOT NULL AND EXCLUDED.load_time_ms IS NOT NULL
			THEN (page_analytics.load_time_ms + EXCLUDED.load_time_ms) / 2
		ELSE COALESCE(EXCLUDED.load_time_ms, page_analytics.load_time_ms)
	END,
	content_injected = page_analytics.content_injected OR EXCLUDED.content_injected,
	content_types_injected = ARRAY(
		SELECT DISTINCT t
		FROM unnest(COALESCE(page_analytics.content_types_injected, '{}') || EXCLUDED.content_types_injected) AS t
		WHERE t <> ''
		ORDER BY t
	),
	updated_at = EXCLUDED.updated_at
RETURNING ` + analyticsColumns

// MergePageAnalytics folds delta into its (site, url, date) row.
func (s *Store) MergePageAnalytics(ctx context.Context, delta tracking.AnalyticsDelta) (tracking.PageAnalytics, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return tracking.PageAnalytics{}, err
	}
	types := tracking.UnionContentTypes(nil, delta.ContentTypes)
	row := s.pool.QueryRow(ctx, mergeAnalyticsQuery,
		id,
		delta.SiteID,
		delta.PageURL,
		tracking.VisitDate(delta.VisitDate),
		delta.PageViews,
		delta.LoadTimeMs,
		delta.ContentInjected,
		types,
		s.clock.Now(),
	)
	pa, err := scanAnalytics(row)
	if err != nil {
		return tracking.PageAnalytics{}, fmt.Errorf("merge analytics %s %s: %w", delta.SiteID, delta.PageURL, err)
	}
	return pa, nil
}

// ListPageAnalytics returns rows for siteID with visit dates in [from, to].
func (s *Store) ListPageAnalytics(ctx context.Context, siteID string, from, to time.Time) ([]tracking.PageAnalytics, error) {
	query := `SELECT ` + analyticsColumns + `
FROM page_analytics
WHERE site_id = $1 AND visit_date BETWEEN $2 AND $3
ORDER BY visit_date, page_url`
	rows, err := s.pool.Query(ctx, query, siteID, tracking.VisitDate(from), tracking.VisitDate(to))
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tracking.PageAnalytics, error) {
		return scanAnalytics(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan analytics: %w", err)
	}
	return out, nil
}

func scanAnalytics(row pgx.Row) (tracking.PageAnalytics, error) {
	var pa tracking.PageAnalytics
	err := row.Scan(
		&pa.ID,
		&pa.SiteID,
		&pa.PageURL,
		&pa.VisitDate,
		&pa.PageViews,
		&pa.UniqueVisitors,
		&pa.LoadTimeMs,
		&pa.ContentInjected,
		&pa.ContentTypes,
		&pa.UpdatedAt,
	)
	return pa, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
