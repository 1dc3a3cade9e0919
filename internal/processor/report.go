package processor

import (
	"slices"
	"time"
)

const (
	outcomeOK      = "ok"
	outcomePartial = "partial"
	outcomeSkipped = "skipped"
	outcomeError   = "error"

	stageInsert    = "insert"
	stageAnalytics = "analytics"
	stageSite      = "site"
)

// SiteOutcome is one site's share of a drain cycle.
type SiteOutcome struct {
	SiteID            string `json:"siteId"`
	Processed         int    `json:"processed"`
	Skipped           int    `json:"skipped"`
	Batches           int    `json:"batches"`
	InsertFailures    int    `json:"insertFailures"`
	AnalyticsFailures int    `json:"analyticsFailures"`
	Err               error  `json:"-"`
}

// CycleReport summarises one drain cycle.
type CycleReport struct {
	StartedAt         time.Time     `json:"startedAt"`
	Duration          time.Duration `json:"duration"`
	Sites             int           `json:"sites"`
	Processed         int           `json:"processed"`
	Skipped           int           `json:"skipped"`
	Batches           int           `json:"batches"`
	InsertFailures    int           `json:"insertFailures"`
	AnalyticsFailures int           `json:"analyticsFailures"`
	FailedSites       []string      `json:"failedSites,omitempty"`
	LeaseNotAcquired  bool          `json:"leaseNotAcquired,omitempty"`
	Error             string        `json:"error,omitempty"`
}

func (r *CycleReport) add(out SiteOutcome) {
	r.Processed += out.Processed
	r.Skipped += out.Skipped
	r.Batches += out.Batches
	r.InsertFailures += out.InsertFailures
	r.AnalyticsFailures += out.AnalyticsFailures
	if out.Err != nil {
		r.FailedSites = append(r.FailedSites, out.SiteID)
		slices.Sort(r.FailedSites)
	}
}

type batchResult struct {
	processed         int
	skipped           int
	insertFailed      bool
	analyticsFailures int
	aborted           bool
}

func (o *SiteOutcome) add(res batchResult) {
	o.Processed += res.processed
	o.Skipped += res.skipped
	o.Batches++
	if res.insertFailed {
		o.InsertFailures++
	}
	o.AnalyticsFailures += res.analyticsFailures
}
