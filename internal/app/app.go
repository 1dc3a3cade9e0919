// Package app wires the tracker's stores, buffer, processor and HTTP server
// and runs them under a supervisor tree.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/api"
	buffermemory "github.com/clever-search/tracker/internal/buffer/memory"
	bufferredis "github.com/clever-search/tracker/internal/buffer/redis"
	"github.com/clever-search/tracker/internal/clock/system"
	"github.com/clever-search/tracker/internal/config"
	"github.com/clever-search/tracker/internal/id/uuid"
	"github.com/clever-search/tracker/internal/logging"
	"github.com/clever-search/tracker/internal/processor"
	"github.com/clever-search/tracker/internal/ratelimit"
	"github.com/clever-search/tracker/internal/storage/memory"
	"github.com/clever-search/tracker/internal/storage/postgres"
	"github.com/clever-search/tracker/internal/supervisor"
	"github.com/clever-search/tracker/internal/tracking"
	"github.com/clever-search/tracker/internal/visitor"
)

const shutdownTimeout = 10 * time.Second

// durableStore is everything the service needs from the relational store.
type durableStore interface {
	tracking.SiteResolver
	tracking.SiteLister
	tracking.PageStore
	tracking.ContentReader
	tracking.TrackerRecordWriter
	tracking.AnalyticsMerger
	tracking.AnalyticsReader
	Ping(ctx context.Context) error
}

// bufferStore is everything the service needs from the buffer store.
type bufferStore interface {
	tracking.EventBuffer
	tracking.Counter
	tracking.Locker
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     tracking.Clock
	store     durableStore
	pg        *postgres.Store
	buffer    bufferStore
	redis     *bufferredis.Store
	limiter   *ratelimit.Limiter
	processor *processor.Processor
	apiServer *api.Server
}

// Build creates the application's dependencies. Nothing is started.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		clock:  system.New(),
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("buffer_driver", cfg.Buffer.Driver),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
	)
	ids := uuid.New()

	if err := app.setupStore(ctx, ids); err != nil {
		return nil, err
	}
	if err := app.setupBuffer(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	if cfg.RateLimit.Disabled {
		app.logger.Warn("rate limiting disabled")
	}
	app.limiter = ratelimit.New(app.buffer, ratelimit.Options{
		Disabled:        cfg.RateLimit.Disabled,
		BreakerFailures: uint32(max(cfg.RateLimit.BreakerFailures, 0)),
		BreakerCooldown: time.Duration(cfg.RateLimit.BreakerCooldownSeconds) * time.Second,
		Clock:           app.clock,
		Logger:          app.logger,
	})

	var lease tracking.Locker
	if cfg.Processor.LeaseEnabled {
		lease = app.buffer
		if cfg.Buffer.Driver == config.BufferMemory {
			app.logger.Warn("processor lease enabled with the memory buffer; it only guards this process")
		}
	}
	app.processor = processor.New(processor.Config{
		Interval:         cfg.Processor.Interval(),
		BatchSize:        cfg.Processor.BatchSize,
		SiteConcurrency:  cfg.Processor.SiteConcurrency,
		MergeConcurrency: cfg.Processor.MergeConcurrency,
		SiteTimeout:      time.Duration(cfg.Processor.SiteTimeoutSeconds) * time.Second,
		RunOnStart:       cfg.Processor.RunOnStart,
		LeaseTTL:         time.Duration(cfg.Processor.LeaseTTLSeconds) * time.Second,
	}, app.buffer, app.store, app.store, app.store, lease, app.clock, ids, app.logger)

	app.apiServer = api.NewServer(api.Dependencies{
		Sites:     app.store,
		Pages:     app.store,
		Content:   app.store,
		Buffer:    app.buffer,
		Analytics: app.store,
		Processor: app.processor,
		Limiter:   app.limiter,
		Policies:  ratelimit.PoliciesFromConfig(cfg.RateLimit),
		Visitors:  visitor.New(cfg.Tracker.VisitorSalt),
		Clock:     app.clock,
		Checks: map[string]api.Pinger{
			"store":  app.store,
			"buffer": app.buffer,
		},
	}, cfg, app.logger.Named("api"))

	return app, nil
}

func (a *App) setupStore(ctx context.Context, ids tracking.IDGenerator) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.store = memory.New(ids, a.clock)
		return nil
	}
	pg, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
	}, ids, a.clock)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pg = pg
	a.store = pg
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupBuffer(ctx context.Context) error {
	if a.cfg.Buffer.Driver == config.BufferMemory {
		a.logger.Warn("using in-memory buffer store; events are lost on restart")
		a.buffer = buffermemory.New(a.clock)
		return nil
	}
	client := bufferredis.NewClient(
		a.cfg.Redis.Addr(),
		a.cfg.Redis.Password,
		a.cfg.Redis.DB,
		time.Duration(a.cfg.Redis.DialTimeoutMs)*time.Millisecond,
	)
	a.redis = bufferredis.New(client, bufferredis.Options{
		KeyPrefix: a.cfg.Redis.KeyPrefix,
		Clock:     a.clock,
		Logger:    a.logger,
	})
	a.buffer = a.redis
	if err := a.redis.Ping(ctx); err != nil {
		a.logger.Warn("redis not reachable at startup", zap.String("addr", a.cfg.Redis.Addr()), zap.Error(err))
		return nil
	}
	a.logger.Info("redis buffer store initialized", zap.String("addr", a.cfg.Redis.Addr()))
	return nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Processor exposes the event processor.
func (a *App) Processor() *processor.Processor {
	return a.processor
}

// Run starts the HTTP server and the processor and blocks until ctx is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	tree := supervisor.NewTree(a.logger, supervisor.TreeConfig{ShutdownTimeout: shutdownTimeout})
	tree.AddAPIService(supervisor.NewHTTPService(srv, shutdownTimeout, a.logger))
	tree.AddWorkerService(a.processor)

	a.logger.Info("application started", zap.Int("port", a.cfg.Server.Port))
	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	err := <-errCh
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		a.logger.Warn("services did not stop in time", zap.Int("count", len(report)))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := a.processor.Wait(shutdownCtx); werr != nil {
		a.logger.Warn("processor did not finish in time", zap.Error(werr))
	}
	if cerr := a.Close(shutdownCtx); cerr != nil {
		return cerr
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	return nil
}

// Close releases the stores and clients.
func (a *App) Close(context.Context) error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}
