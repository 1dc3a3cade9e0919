// Package processor drains the per-site event buffers into durable tracker
// records and daily page analytics.
package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/metrics"
	"github.com/clever-search/tracker/internal/tracking"
)

// ErrDrainInProgress is returned when a cycle is requested while another runs.
var ErrDrainInProgress = errors.New("processor: drain already in progress")

const leaseName = "event-processor"

// Config controls the drain schedule and fan-out.
//   - Interval: time between scheduled cycles (default 5h).
//   - BatchSize: events read per pop (default 100).
//   - SiteConcurrency: sites drained at once (default 16).
//   - MergeConcurrency: analytics merges in flight per batch (default 8).
//   - SiteTimeout: per-site drain budget; zero disables it.
//   - RunOnStart: drain once when Serve starts.
//   - LeaseTTL: expiry of the cross-instance lease when a Locker is supplied (default 30m).
type Config struct {
	Interval         time.Duration
	BatchSize        int
	SiteConcurrency  int
	MergeConcurrency int
	SiteTimeout      time.Duration
	RunOnStart       bool
	LeaseTTL         time.Duration
}

const (
	defaultInterval         = 5 * time.Hour
	defaultBatchSize        = 100
	defaultSiteConcurrency  = 16
	defaultMergeConcurrency = 8
	defaultLeaseTTL         = 30 * time.Minute
)

// Status is a point-in-time view of the processor.
type Status struct {
	Processing bool         `json:"processing"`
	LastRun    *time.Time   `json:"lastRun,omitempty"`
	LastReport *CycleReport `json:"lastReport,omitempty"`
}

// Processor is the single consumer of the event buffers. Cycles never overlap
// within a process; the optional lease extends that across instances.
type Processor struct {
	cfg       Config
	buffer    tracking.BatchDrainer
	sites     tracking.SiteLister
	records   tracking.TrackerRecordWriter
	analytics tracking.AnalyticsMerger
	lease     tracking.Locker
	clock     tracking.Clock
	ids       tracking.IDGenerator
	logger    *zap.Logger

	processing atomic.Bool
	inflight   sync.WaitGroup

	mu         sync.RWMutex
	lastRun    time.Time
	lastReport *CycleReport
}

// New constructs a Processor. lease may be nil.
func New(
	cfg Config,
	buffer tracking.BatchDrainer,
	sites tracking.SiteLister,
	records tracking.TrackerRecordWriter,
	analytics tracking.AnalyticsMerger,
	lease tracking.Locker,
	clock tracking.Clock,
	ids tracking.IDGenerator,
	logger *zap.Logger,
) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.SiteConcurrency <= 0 {
		cfg.SiteConcurrency = defaultSiteConcurrency
	}
	if cfg.MergeConcurrency <= 0 {
		cfg.MergeConcurrency = defaultMergeConcurrency
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Processor{
		cfg:       cfg,
		buffer:    buffer,
		sites:     sites,
		records:   records,
		analytics: analytics,
		lease:     lease,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("processor"),
	}
}

// String names the service for the supervisor.
func (p *Processor) String() string {
	return "event-processor"
}

// Serve runs a cycle at start (when configured) and then once per interval
// until ctx ends.
func (p *Processor) Serve(ctx context.Context) error {
	p.logger.Info("event processor started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Bool("lease", p.lease != nil),
	)
	if p.cfg.RunOnStart {
		_, _ = p.RunCycle(ctx)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("event processor stopped")
			return ctx.Err()
		case <-ticker.C:
			_, _ = p.RunCycle(ctx)
		}
	}
}

// RunCycle drains every site once and returns the report. It returns
// ErrDrainInProgress without touching the buffer when a cycle is running.
func (p *Processor) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.processing.CompareAndSwap(false, true) {
		p.logger.Warn("drain requested while a cycle is running; ignoring")
		return CycleReport{}, ErrDrainInProgress
	}
	p.inflight.Add(1)
	defer p.inflight.Done()
	defer p.processing.Store(false)
	return p.execute(ctx), nil
}

// Trigger starts a cycle in the background and reports whether it started.
// The cycle outlives ctx's cancellation but keeps its values.
func (p *Processor) Trigger(ctx context.Context) bool {
	if !p.processing.CompareAndSwap(false, true) {
		p.logger.Warn("manual drain requested while a cycle is running; ignoring")
		return false
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer p.processing.Store(false)
		p.execute(context.WithoutCancel(ctx))
	}()
	return true
}

// Wait blocks until any running cycle finishes or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports whether a cycle is running and the last finished report.
func (p *Processor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{Processing: p.processing.Load()}
	if !p.lastRun.IsZero() {
		at := p.lastRun
		st.LastRun = &at
	}
	if p.lastReport != nil {
		report := *p.lastReport
		st.LastReport = &report
	}
	return st
}

func (p *Processor) execute(ctx context.Context) CycleReport {
	metrics.SetProcessorActive(true)
	defer metrics.SetProcessorActive(false)

	start := p.clock.Now()
	wallStart := time.Now()
	report := CycleReport{StartedAt: start}

	finish := func(outcome string) CycleReport {
		report.Duration = time.Since(wallStart)
		metrics.ObserveCycle(outcome, report.Duration)
		p.mu.Lock()
		p.lastRun = start
		stored := report
		p.lastReport = &stored
		p.mu.Unlock()
		return report
	}

	if p.lease != nil {
		release, ok, err := p.lease.TryLock(ctx, leaseName, p.cfg.LeaseTTL)
		if err != nil {
			p.logger.Error("failed to acquire drain lease; skipping cycle", zap.Error(err))
			report.LeaseNotAcquired = true
			return finish(outcomeSkipped)
		}
		if !ok {
			p.logger.Info("drain lease held by another instance; skipping cycle")
			report.LeaseNotAcquired = true
			return finish(outcomeSkipped)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("failed to release drain lease", zap.Error(err))
			}
		}()
		// The lease is not renewed; the cycle must end before it expires.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, leaseBudget(p.cfg.LeaseTTL))
		defer cancel()
	}

	siteIDs, err := p.sites.ListSiteIDs(ctx)
	if err != nil {
		p.logger.Error("failed to list sites", zap.Error(err))
		report.Error = err.Error()
		return finish(outcomeError)
	}
	report.Sites = len(siteIDs)

	for _, out := range p.drainSites(ctx, siteIDs) {
		report.add(out)
		if out.Err != nil {
			metrics.IncProcessorFailure(stageSite)
			p.logger.Error("site drain failed",
				zap.String("site_id", out.SiteID),
				zap.Int("processed", out.Processed),
				zap.Error(out.Err),
			)
		}
	}
	metrics.AddProcessedEvents(report.Processed, report.Skipped)

	outcome := outcomeOK
	if len(report.FailedSites) > 0 || report.InsertFailures > 0 || report.AnalyticsFailures > 0 {
		outcome = outcomePartial
	}
	report = finish(outcome)
	p.logger.Info("drain cycle finished",
		zap.String("outcome", outcome),
		zap.Int("sites", report.Sites),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("batches", report.Batches),
		zap.Strings("failed_sites", report.FailedSites),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// leaseBudget is how long a leased cycle may start new batches. It leaves room
// for the in-flight batch to finish its merges and removal before the lease
// expires.
func leaseBudget(ttl time.Duration) time.Duration {
	margin := finishTimeout + removeTimeout
	if ttl-margin < ttl/2 {
		return ttl / 2
	}
	return ttl - margin
}
