package processor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/metrics"
	"github.com/clever-search/tracker/internal/tracking"
)

const (
	removeTimeout = 10 * time.Second
	// finishTimeout bounds the analytics merges of a batch whose records are
	// already written, so a shutdown does not strand a half-committed batch.
	finishTimeout = 30 * time.Second
)

// drainSites fans out one drain per site and waits for all of them. Each task
// recovers its own panic so one site can never abort the others.
func (p *Processor) drainSites(ctx context.Context, siteIDs []string) []SiteOutcome {
	pl := pool.NewWithResults[SiteOutcome]().WithMaxGoroutines(p.cfg.SiteConcurrency)
	for _, siteID := range siteIDs {
		pl.Go(func() (out SiteOutcome) {
			defer func() {
				if r := recover(); r != nil {
					out.SiteID = siteID
					out.Err = fmt.Errorf("panic draining site: %v", r)
				}
			}()
			return p.drainSite(ctx, siteID)
		})
	}
	outcomes := pl.Wait()
	slices.SortFunc(outcomes, func(a, b SiteOutcome) int {
		return strings.Compare(a.SiteID, b.SiteID)
	})
	return outcomes
}

// drainSite pops batches until the buffer returns a short or empty batch.
// Every popped batch is removed once processed, valid or not; removal is the
// commit point, and a failed removal ends the site's drain for this cycle.
// A batch whose insert was cut short by cancellation is left in the buffer
// for the next cycle.
func (p *Processor) drainSite(ctx context.Context, siteID string) SiteOutcome {
	out := SiteOutcome{SiteID: siteID}
	if p.cfg.SiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SiteTimeout)
		defer cancel()
	}

	for {
		if err := ctx.Err(); err != nil {
			out.Err = fmt.Errorf("drain interrupted: %w", err)
			return out
		}
		batch, err := p.buffer.PopBatch(ctx, siteID, p.cfg.BatchSize)
		if err != nil {
			out.Err = fmt.Errorf("pop batch: %w", err)
			return out
		}
		if len(batch) == 0 {
			return out
		}

		res := p.processBatch(ctx, siteID, batch)
		if res.aborted {
			out.Err = fmt.Errorf("drain interrupted before commit: %w", context.Cause(ctx))
			return out
		}
		out.add(res)

		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		err = p.buffer.RemoveBatch(removeCtx, siteID, len(batch))
		cancel()
		if err != nil {
			out.Err = fmt.Errorf("remove batch: %w", err)
			return out
		}
		if len(batch) < p.cfg.BatchSize {
			return out
		}
	}
}

type aggregateKey struct {
	pageURL string
	day     time.Time
}

type aggregate struct {
	views     int64
	loadSum   int64
	loadCount int64
	injected  bool
	types     []string
}

// processBatch validates the batch, bulk-inserts the valid events and then
// merges page-view aggregates. An insert failure is logged and does not stop
// the merges, unless ctx ended first: then nothing was written and the result
// is marked aborted. Once the insert has run, the merges finish on a detached
// context.
func (p *Processor) processBatch(ctx context.Context, siteID string, batch []tracking.Event) batchResult {
	var res batchResult
	now := p.clock.Now()
	records := make([]tracking.TrackerRecord, 0, len(batch))
	aggregates := make(map[aggregateKey]*aggregate)

	for i, ev := range batch {
		ev.PageURL = tracking.NormalizePageURL(ev.PageURL)
		if err := ev.Validate(); err != nil {
			res.skipped++
			p.logger.Debug("skipping invalid event",
				zap.String("site_id", siteID),
				zap.Int("position", i),
				zap.Error(err),
			)
			continue
		}
		id, err := p.ids.NewID()
		if err != nil {
			res.skipped++
			p.logger.Warn("failed to allocate record id", zap.String("site_id", siteID), zap.Error(err))
			continue
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = now
		}
		pageURL := ev.PageURL
		records = append(records, tracking.TrackerRecord{
			ID:        id,
			SiteID:    siteID,
			PageURL:   pageURL,
			EventType: ev.EventType,
			EventData: ev.EventData,
			SessionID: ev.SessionID,
			VisitorID: ev.VisitorID,
			UserAgent: ev.UserAgent,
			IPAddress: ev.IPAddress,
			Referrer:  ev.Referrer,
			Timestamp: ts,
		})

		if ev.EventType != tracking.EventPageView {
			continue
		}
		key := aggregateKey{pageURL: pageURL, day: tracking.VisitDate(ts)}
		agg := aggregates[key]
		if agg == nil {
			agg = &aggregate{}
			aggregates[key] = agg
		}
		agg.views++
		if lt := ev.EventData.LoadTimeMs; lt != nil && *lt >= 0 {
			agg.loadSum += *lt
			agg.loadCount++
		}
		agg.injected = agg.injected || ev.EventData.ContentInjected
		agg.types = append(agg.types, ev.EventData.ContentTypes...)
	}
	if len(records) > 0 {
		if err := p.insert(ctx, records); err != nil {
			if ctx.Err() != nil {
				return batchResult{aborted: true}
			}
			res.insertFailed = true
			metrics.IncProcessorFailure(stageInsert)
			p.logger.Error("failed to insert tracker records; continuing with analytics",
				zap.String("site_id", siteID),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
		}
	}

	res.processed = len(records)

	mergeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	res.analyticsFailures = p.mergeAggregates(mergeCtx, siteID, aggregates)
	return res
}

// mergeAggregates applies every page's delta concurrently. Failures are
// isolated per page and counted.
func (p *Processor) mergeAggregates(ctx context.Context, siteID string, aggregates map[aggregateKey]*aggregate) int {
	if len(aggregates) == 0 {
		return 0
	}
	var failures atomic.Int64
	pl := pool.New().WithMaxGoroutines(p.cfg.MergeConcurrency)
	for key, agg := range aggregates {
		delta := tracking.AnalyticsDelta{
			SiteID:          siteID,
			PageURL:         key.pageURL,
			VisitDate:       key.day,
			PageViews:       agg.views,
			ContentInjected: agg.injected,
			ContentTypes:    tracking.UnionContentTypes(nil, agg.types),
		}
		if agg.loadCount > 0 {
			avg := agg.loadSum / agg.loadCount
			delta.LoadTimeMs = &avg
		}
		pl.Go(func() {
			if err := p.merge(ctx, delta); err != nil {
				failures.Add(1)
				metrics.IncProcessorFailure(stageAnalytics)
				p.logger.Error("failed to merge page analytics",
					zap.String("site_id", siteID),
					zap.String("page_url", delta.PageURL),
					zap.Time("visit_date", delta.VisitDate),
					zap.Error(err),
				)
			}
		})
	}
	pl.Wait()
	return int(failures.Load())
}

func (p *Processor) insert(ctx context.Context, records []tracking.TrackerRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic inserting tracker records: %v", r)
		}
	}()
	_, err = p.records.InsertTrackerRecords(ctx, records)
	return err
}

func (p *Processor) merge(ctx context.Context, delta tracking.AnalyticsDelta) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic merging analytics: %v", r)
		}
	}()
	_, err = p.analytics.MergePageAnalytics(ctx, delta)
	return err
}
