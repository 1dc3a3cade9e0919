package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/buffer/memory"
	"github.com/clever-search/tracker/internal/clock/system"
	"github.com/clever-search/tracker/internal/config"
	"github.com/clever-search/tracker/internal/tracking"
)

var testNow = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

type failingCounter struct {
	calls atomic.Int32
}

func (f *failingCounter) IncrementAndCheck(context.Context, string, int, time.Duration) (tracking.Verdict, error) {
	f.calls.Add(1)
	return tracking.Verdict{}, errors.New("connection refused")
}

func (f *failingCounter) Peek(context.Context, string, int, time.Duration) (tracking.Verdict, error) {
	f.calls.Add(1)
	return tracking.Verdict{}, errors.New("connection refused")
}

func okHandler(hits *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
}

func ipPolicy(maxCount int) Policy {
	return Policy{Name: "test", Max: maxCount, Window: time.Minute, KeyFunc: httprate.KeyByIP}
}

func newLimiter(counter tracking.Counter, opts Options) *Limiter {
	opts.Clock = system.NewFixed(testNow)
	opts.Logger = zap.NewNop()
	return New(counter, opts)
}

func assertHeaders(t *testing.T, rec *httptest.ResponseRecorder, limit int) {
	t.Helper()
	require.Equal(t, strconv.Itoa(limit), rec.Header().Get(HeaderLimit))
	require.NotEmpty(t, rec.Header().Get(HeaderRemaining))
	require.NotEmpty(t, rec.Header().Get(HeaderReset))
}

func TestMiddlewareAdmitsThenRejectsWithHeaders(t *testing.T) {
	t.Parallel()

	clk := system.NewFixed(testNow)
	limiter := newLimiter(memory.New(clk), Options{})
	var hits atomic.Int32
	h := limiter.Middleware(ipPolicy(2))(okHandler(&hits))

	for i := range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assertHeaders(t, rec, 2)
		require.Equal(t, strconv.Itoa(1-i), rec.Header().Get(HeaderRemaining))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assertHeaders(t, rec, 2)
	require.Equal(t, "0", rec.Header().Get(HeaderRemaining))
	require.Equal(t, "60", rec.Header().Get(HeaderRetryAfter))
	require.Equal(t, strconv.FormatInt(testNow.Add(time.Minute).Unix(), 10), rec.Header().Get(HeaderReset))
	require.JSONEq(t, `{"error":"rate limit exceeded","retryAfter":60}`, rec.Body.String())
	require.Equal(t, int32(2), hits.Load())
}

func TestStackedPoliciesReportBindingBudget(t *testing.T) {
	t.Parallel()

	clk := system.NewFixed(testNow)
	limiter := newLimiter(memory.New(clk), Options{})
	tight := Policy{Name: "tight", Max: 2, Window: time.Minute, KeyFunc: httprate.KeyByIP}
	loose := Policy{Name: "loose", Max: 1000, Window: time.Hour, KeyFunc: httprate.KeyByIP}

	for name, h := range map[string]http.Handler{
		"tight outside": limiter.Middleware(tight)(limiter.Middleware(loose)(okHandler(&atomic.Int32{}))),
		"loose outside": limiter.Middleware(loose)(limiter.Middleware(tight)(okHandler(&atomic.Int32{}))),
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		if name == "loose outside" {
			req.RemoteAddr = "198.51.100.8:1234"
		}
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, name)
		require.Equal(t, "2", rec.Header().Get(HeaderLimit), name)
		require.Equal(t, "1", rec.Header().Get(HeaderRemaining), name)
		require.Equal(t, strconv.FormatInt(testNow.Add(time.Minute).Unix(), 10), rec.Header().Get(HeaderReset), name)
	}
}

func TestMiddlewareFailsOpenWhenStoreUnreachable(t *testing.T) {
	t.Parallel()

	limiter := newLimiter(&failingCounter{}, Options{})
	cfg, err := config.Load("")
	require.NoError(t, err)
	policies := PoliciesFromConfig(cfg.RateLimit)

	for _, policy := range []Policy{policies.Tracker, policies.Dashboard, policies.Auth, policies.SitemapImport, policies.Analysis} {
		var hits atomic.Int32
		h := limiter.Middleware(policy)(okHandler(&hits))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		require.Equal(t, http.StatusOK, rec.Code, policy.Name)
		require.Equal(t, int32(1), hits.Load(), policy.Name)
		assertHeaders(t, rec, policy.Max)
		require.Equal(t, strconv.Itoa(policy.Max), rec.Header().Get(HeaderRemaining))
	}
}

func TestBreakerOpensAndStillAdmits(t *testing.T) {
	t.Parallel()

	counter := &failingCounter{}
	limiter := newLimiter(counter, Options{BreakerFailures: 2, BreakerCooldown: time.Hour})
	var hits atomic.Int32
	h := limiter.Middleware(ipPolicy(1))(okHandler(&hits))

	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, int32(5), hits.Load())
	require.Equal(t, int32(2), counter.calls.Load(), "open breaker should short-circuit the store")
	require.Equal(t, gobreaker.StateOpen.String(), limiter.BreakerState())

	_, err := limiter.Check(context.Background(), ipPolicy(1), "1.2.3.4")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestFailuresOnlyPolicy(t *testing.T) {
	t.Parallel()

	clk := system.NewFixed(testNow)
	limiter := newLimiter(memory.New(clk), Options{})
	policy := Policy{Name: PolicyAuth, Max: 2, Window: 15 * time.Minute, KeyFunc: httprate.KeyByIP, FailuresOnly: true}

	status := http.StatusOK
	var hits atomic.Int32
	h := limiter.Middleware(policy)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))

	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin", nil))
		return rec
	}

	for range 5 {
		require.Equal(t, http.StatusOK, serve().Code, "successes are not counted")
	}

	status = http.StatusUnauthorized
	require.Equal(t, http.StatusUnauthorized, serve().Code)
	require.Equal(t, http.StatusUnauthorized, serve().Code)

	rec := serve()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assertHeaders(t, rec, 2)
	require.Equal(t, int32(7), hits.Load())
}

func TestOnLimitOverridesRejection(t *testing.T) {
	t.Parallel()

	clk := system.NewFixed(testNow)
	limiter := newLimiter(memory.New(clk), Options{})
	policy := ipPolicy(1).WithOnLimit(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		w.WriteHeader(http.StatusOK)
	})
	var hits atomic.Int32
	h := limiter.Middleware(policy)(okHandler(&hits))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	require.Equal(t, int32(1), hits.Load())
	assertHeaders(t, rec, 1)
}

func TestTrackerIDPolicyIsolatesTrackers(t *testing.T) {
	t.Parallel()

	clk := system.NewFixed(testNow)
	limiter := newLimiter(memory.New(clk), Options{})
	policy := Policy{Name: PolicyTrackerID, Max: 1, Window: time.Minute, KeyFunc: KeyByTrackerID}

	r := chi.NewRouter()
	r.With(limiter.Middleware(policy)).Get("/{trackerId}/content", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	get := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, get("/abc/content"))
	require.Equal(t, http.StatusTooManyRequests, get("/abc/content"))
	require.Equal(t, http.StatusOK, get("/xyz/content"))
}

func TestDisabledLimiterPassesThrough(t *testing.T) {
	t.Parallel()

	counter := &failingCounter{}
	limiter := newLimiter(counter, Options{Disabled: true})
	var hits atomic.Int32
	rec := httptest.NewRecorder()
	limiter.Middleware(ipPolicy(1))(okHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, int32(1), hits.Load())
	require.Zero(t, counter.calls.Load())
	require.Empty(t, rec.Header().Get(HeaderLimit))
}

func TestKeyByUser(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	key, err := KeyByUser(req)
	require.NoError(t, err)
	require.Equal(t, "ip:192.0.2.1", key)

	req.Header.Set(UserHeader, "u-42")
	key, err = KeyByUser(req)
	require.NoError(t, err)
	require.Equal(t, "user:u-42", key)
}

func TestKeyByTrackerIDMissing(t *testing.T) {
	t.Parallel()

	_, err := KeyByTrackerID(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, RetryAfter(testNow, testNow))
	require.Equal(t, 1, RetryAfter(testNow.Add(-time.Second), testNow))
	require.Equal(t, 3, RetryAfter(testNow.Add(2500*time.Millisecond), testNow))
}

func TestPoliciesFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	p := PoliciesFromConfig(cfg.RateLimit)
	require.Equal(t, 1000, p.Tracker.Max)
	require.Equal(t, time.Minute, p.Tracker.Window)
	require.Equal(t, 5000, p.TrackerID.Max)
	require.True(t, p.Auth.FailuresOnly)
	require.Equal(t, 15*time.Minute, p.Auth.Window)
	require.Equal(t, time.Hour, p.SitemapImport.Window)
	require.Equal(t, 20, p.Analysis.Max)
}
