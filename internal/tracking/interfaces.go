package tracking

import (
	"context"
	"time"
)

// BufferAppender is the producer side of the buffer store.
type BufferAppender interface {
	Append(ctx context.Context, siteID string, event Event) error
}

// BatchDrainer is the consumer side of the buffer store. PopBatch reads without
// removing; RemoveBatch drops count events from the head and acts as the commit.
type BatchDrainer interface {
	PopBatch(ctx context.Context, siteID string, maxCount int) ([]Event, error)
	RemoveBatch(ctx context.Context, siteID string, count int) error
}

// EventBuffer is the full per-site event queue contract.
type EventBuffer interface {
	BufferAppender
	BatchDrainer
	Len(ctx context.Context, siteID string) (int64, error)
}

// Verdict is the outcome of one rate-limit counting call.
type Verdict struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// Counter provides atomic fixed-window counters for rate limiting.
type Counter interface {
	// IncrementAndCheck bumps key and reports whether the new count is within max.
	IncrementAndCheck(ctx context.Context, key string, maxCount int, window time.Duration) (Verdict, error)
	// Peek reports the current window without incrementing it.
	Peek(ctx context.Context, key string, maxCount int, window time.Duration) (Verdict, error)
}

// Locker hands out named, expiring leases shared across processes.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// SiteResolver resolves public tracker identifiers.
type SiteResolver interface {
	SiteByTrackerID(ctx context.Context, trackerID string) (Site, error)
}

// SiteLister enumerates every site whose buffer may hold events.
type SiteLister interface {
	ListSiteIDs(ctx context.Context) ([]string, error)
}

// PageStore tracks pages seen by the tracker.
type PageStore interface {
	TouchPage(ctx context.Context, siteID, pageURL, title string, seenAt time.Time) error
	FindPage(ctx context.Context, siteID, pageURL string) (Page, error)
}

// ContentReader returns the active content fragments for a page.
type ContentReader interface {
	ActiveFragments(ctx context.Context, pageID string) ([]ContentFragment, error)
}

// TrackerRecordWriter bulk-inserts durable tracker records.
type TrackerRecordWriter interface {
	InsertTrackerRecords(ctx context.Context, records []TrackerRecord) (int64, error)
}

// AnalyticsMerger folds a delta into the (site, URL, date) analytics row,
// creating it when absent.
type AnalyticsMerger interface {
	MergePageAnalytics(ctx context.Context, delta AnalyticsDelta) (PageAnalytics, error)
}

// AnalyticsReader lists analytics rows for the dashboard.
type AnalyticsReader interface {
	ListPageAnalytics(ctx context.Context, siteID string, from, to time.Time) ([]PageAnalytics, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
