package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clever-search/tracker/internal/tracking"
)

// SiteByTrackerID resolves a public tracker id.
func (s *Store) SiteByTrackerID(ctx context.Context, trackerID string) (tracking.Site, error) {
	const query = `SELECT id, tracker_id, COALESCE(user_id, ''), COALESCE(domain, '') FROM sites WHERE tracker_id = $1`
	var site tracking.Site
	err := s.pool.QueryRow(ctx, query, trackerID).Scan(&site.ID, &site.TrackerID, &site.UserID, &site.Domain)
	if err != nil {
		return tracking.Site{}, fmt.Errorf("lookup tracker %s: %w", trackerID, notFound(err))
	}
	return site, nil
}

// ListSiteIDs returns every site id.
func (s *Store) ListSiteIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan sites: %w", err)
	}
	return ids, nil
}

// TouchPage records that pageURL was seen. A blank title never overwrites a
// stored one, and last_seen_at only moves forward.
func (s *Store) TouchPage(ctx context.Context, siteID, pageURL, title string, seenAt time.Time) error {
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	const query = `
INSERT INTO pages (id, site_id, url, title, last_seen_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (site_id, url) DO UPDATE SET
	last_seen_at = GREATEST(pages.last_seen_at, EXCLUDED.last_seen_at),
	title = COALESCE(EXCLUDED.title, pages.title)`
	if _, err := s.pool.Exec(ctx, query, id, siteID, pageURL, title, seenAt); err != nil {
		return fmt.Errorf("touch page: %w", err)
	}
	return nil
}

// FindPage looks up a page by (site, URL).
func (s *Store) FindPage(ctx context.Context, siteID, pageURL string) (tracking.Page, error) {
	const query = `
SELECT id, site_id, url, COALESCE(title, ''), last_seen_at
FROM pages WHERE site_id = $1 AND url = $2`
	var p tracking.Page
	err := s.pool.QueryRow(ctx, query, siteID, pageURL).Scan(&p.ID, &p.SiteID, &p.URL, &p.Title, &p.LastSeenAt)
	if err != nil {
		return tracking.Page{}, fmt.Errorf("lookup page: %w", notFound(err))
	}
	return p, nil
}

// ActiveFragments returns the newest active fragment per content type.
func (s *Store) ActiveFragments(ctx context.Context, pageID string) ([]tracking.ContentFragment, error) {
	const query = `
SELECT DISTINCT ON (content_type) id, page_id, content_type, content, is_active, version
FROM deployed_content
WHERE page_id = $1 AND is_active
ORDER BY content_type, version DESC`
	rows, err := s.pool.Query(ctx, query, pageID)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	fragments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tracking.ContentFragment, error) {
		var f tracking.ContentFragment
		var kind string
		err := row.Scan(&f.ID, &f.PageID, &kind, &f.Content, &f.Active, &f.Version)
		f.Type = tracking.ContentType(kind)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan fragments: %w", err)
	}
	return fragments, nil
}
