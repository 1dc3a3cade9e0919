// Package supervisor runs the service's long-lived components under a suture
// supervisor tree so a crashed component restarts without taking the process
// down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds supervisor tree settings. Zero values take suture's defaults.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate, in seconds, at which failures decay.
	FailureDecay float64
	// FailureBackoff is how long the supervisor waits once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree separates the public ingestion surface from background work:
//   - api: the HTTP server
//   - workers: the event processor
type Tree struct {
	root    *suture.Supervisor
	api     *suture.Supervisor
	workers *suture.Supervisor
}

// NewTree builds the supervisor hierarchy, logging supervisor events to logger.
func NewTree(logger *zap.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
		EventHook:        EventHook(logger),
	}

	t := &Tree{
		root:    suture.New("tracker", spec),
		api:     suture.New("api-layer", spec),
		workers: suture.New("worker-layer", spec),
	}
	t.root.Add(t.api)
	t.root.Add(t.workers)
	return t
}

// AddAPIService adds svc to the API layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// AddWorkerService adds svc to the worker layer.
func (t *Tree) AddWorkerService(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// Serve runs the tree until ctx ends.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine; the channel yields its result.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
