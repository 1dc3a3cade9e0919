// Package ratelimit gates HTTP requests with fixed-window counters kept in the
// shared buffer store. The counting call returns (Verdict, error); the
// middleware owns the fail-open decision.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/metrics"
	"github.com/clever-search/tracker/internal/tracking"
)

// Response headers set on every limited request.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Options configures a Limiter.
type Options struct {
	Disabled bool
	// BreakerFailures consecutive store errors open the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
	Clock           tracking.Clock
	Logger          *zap.Logger
}

// Limiter applies named policies against a tracking.Counter.
type Limiter struct {
	counter  tracking.Counter
	breaker  *gobreaker.CircuitBreaker[tracking.Verdict]
	clock    tracking.Clock
	logger   *zap.Logger
	disabled bool
}

// New constructs a Limiter.
func New(counter tracking.Counter, opts Options) *Limiter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ratelimit")
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	metrics.Init()

	settings := gobreaker.Settings{
		Name:        "ratelimit-counter",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("counter breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Limiter{
		counter:  counter,
		breaker:  gobreaker.NewCircuitBreaker[tracking.Verdict](settings),
		clock:    opts.Clock,
		logger:   logger,
		disabled: opts.Disabled,
	}
}

// Check counts one request for identity under policy. Errors come from the
// store or are gobreaker.ErrOpenState while the breaker is open.
func (l *Limiter) Check(ctx context.Context, policy Policy, identity string) (tracking.Verdict, error) {
	key := policy.Name + ":" + identity
	return l.breaker.Execute(func() (tracking.Verdict, error) {
		return l.counter.IncrementAndCheck(ctx, key, policy.Max, policy.Window)
	})
}

// Peek reports identity's window under policy without counting.
func (l *Limiter) Peek(ctx context.Context, policy Policy, identity string) (tracking.Verdict, error) {
	key := policy.Name + ":" + identity
	return l.breaker.Execute(func() (tracking.Verdict, error) {
		return l.counter.Peek(ctx, key, policy.Max, policy.Window)
	})
}

// BreakerState reports the counter breaker state for diagnostics.
func (l *Limiter) BreakerState() string {
	return l.breaker.State().String()
}

// Middleware enforces policy on the wrapped handler.
func (l *Limiter) Middleware(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l.disabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := policy.KeyFunc(r)
			if err != nil {
				l.failOpen(w, policy, "derive key", err)
				next.ServeHTTP(w, r)
				return
			}

			if policy.FailuresOnly {
				l.serveFailuresOnly(w, r, next, policy, identity)
				return
			}

			verdict, err := l.Check(r.Context(), policy, identity)
			if err != nil {
				l.failOpen(w, policy, "count request", err)
				next.ServeHTTP(w, r)
				return
			}
			l.setHeaders(w, policy, verdict)
			if !verdict.Allowed {
				l.reject(w, r, policy, verdict)
				return
			}
			metrics.ObserveRateLimit(policy.Name, metrics.DecisionAdmitted)
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) serveFailuresOnly(w http.ResponseWriter, r *http.Request, next http.Handler, policy Policy, identity string) {
	verdict, err := l.Peek(r.Context(), policy, identity)
	if err != nil {
		l.failOpen(w, policy, "peek window", err)
		next.ServeHTTP(w, r)
		return
	}
	l.setHeaders(w, policy, verdict)
	if !verdict.Allowed {
		l.reject(w, r, policy, verdict)
		return
	}
	metrics.ObserveRateLimit(policy.Name, metrics.DecisionAdmitted)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(sw, r)
	if sw.status < http.StatusBadRequest {
		return
	}
	if _, err := l.Check(context.WithoutCancel(r.Context()), policy, identity); err != nil {
		l.logger.Error("failed to count failed request",
			zap.String("policy", policy.Name),
			zap.Error(err),
		)
	}
}

// failOpen admits the request and reports the full allowance.
func (l *Limiter) failOpen(w http.ResponseWriter, policy Policy, stage string, err error) {
	l.logger.Error("rate limit check failed; admitting request",
		zap.String("policy", policy.Name),
		zap.String("stage", stage),
		zap.Error(err),
	)
	metrics.ObserveRateLimit(policy.Name, metrics.DecisionFailedOpen)
	l.setHeaders(w, policy, tracking.Verdict{
		Allowed:   true,
		Remaining: int64(policy.Max),
		ResetAt:   l.clock.Now().Add(policy.Window),
	})
}

// setHeaders reports v unless an outer policy already reported a tighter
// budget on this response; stacked policies must describe the binding one.
func (l *Limiter) setHeaders(w http.ResponseWriter, policy Policy, v tracking.Verdict) {
	h := w.Header()
	if prev, err := strconv.ParseInt(h.Get(HeaderRemaining), 10, 64); err == nil {
		prevLimit, _ := strconv.Atoi(h.Get(HeaderLimit))
		if prev < v.Remaining || (prev == v.Remaining && prevLimit <= policy.Max) {
			return
		}
	}
	l.forceHeaders(w, policy, v)
}

func (l *Limiter) forceHeaders(w http.ResponseWriter, policy Policy, v tracking.Verdict) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(policy.Max))
	h.Set(HeaderRemaining, strconv.FormatInt(v.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(v.ResetAt.Unix(), 10))
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, policy Policy, v tracking.Verdict) {
	metrics.ObserveRateLimit(policy.Name, metrics.DecisionRejected)
	l.forceHeaders(w, policy, v)
	retryAfter := RetryAfter(v.ResetAt, l.clock.Now())
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	if policy.OnLimit != nil {
		policy.OnLimit(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "rate limit exceeded",
		"retryAfter": retryAfter,
	})
}

// RetryAfter returns whole seconds until resetAt, never less than one.
func RetryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
