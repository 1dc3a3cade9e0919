package tracking

import (
	"slices"
	"time"
)

// MergeAnalytics folds delta into existing and returns the resulting row. A nil
// existing row produces a fresh record seeded with one unique visitor.
//
// Page views only grow, the content-injected flag never resets, and the load
// time becomes the mean of the stored average and the batch average when both
// are known.
func MergeAnalytics(existing *PageAnalytics, delta AnalyticsDelta, now time.Time) PageAnalytics {
	if existing == nil {
		return PageAnalytics{
			SiteID:          delta.SiteID,
			PageURL:         delta.PageURL,
			VisitDate:       VisitDate(delta.VisitDate),
			PageViews:       delta.PageViews,
			UniqueVisitors:  1,
			LoadTimeMs:      copyInt64(delta.LoadTimeMs),
			ContentInjected: delta.ContentInjected,
			ContentTypes:    UnionContentTypes(nil, delta.ContentTypes),
			UpdatedAt:       now,
		}
	}

	merged := *existing
	merged.PageViews = existing.PageViews + delta.PageViews
	merged.LoadTimeMs = MeanLoadTime(existing.LoadTimeMs, delta.LoadTimeMs)
	merged.ContentInjected = existing.ContentInjected || delta.ContentInjected
	merged.ContentTypes = UnionContentTypes(existing.ContentTypes, delta.ContentTypes)
	merged.UpdatedAt = now
	return merged
}

// MeanLoadTime combines a stored average with a batch average.
func MeanLoadTime(stored, batch *int64) *int64 {
	switch {
	case stored != nil && batch != nil:
		mean := (*stored + *batch) / 2
		return &mean
	case batch != nil:
		return copyInt64(batch)
	default:
		return copyInt64(stored)
	}
}

// UnionContentTypes returns the sorted set union of a and b, ignoring blanks.
func UnionContentTypes(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, t := range a {
		if t != "" {
			out = append(out, t)
		}
	}
	for _, t := range b {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
