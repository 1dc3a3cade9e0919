package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clever-search/tracker/internal/processor"
	"github.com/clever-search/tracker/internal/tracking"
)

type busyDrainer struct{}

func (busyDrainer) RunCycle(context.Context) (processor.CycleReport, error) {
	return processor.CycleReport{}, processor.ErrDrainInProgress
}

func (busyDrainer) Trigger(context.Context) bool { return false }

func (busyDrainer) Status() processor.Status { return processor.Status{Processing: true} }

func TestDrain_AsyncStartsCycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.buffer.Append(context.Background(), "site-1", tracking.Event{
		SiteID: "site-1", PageURL: "https://ex.com", EventType: tracking.EventPageView, Timestamp: testNow,
	}))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/admin/processor/drain", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"status":"started"}`, rec.Body.String())

	require.NoError(t, env.processor.Wait(context.Background()))
	require.Len(t, env.store.TrackerRecords(), 1)
}

func TestDrain_WaitReturnsReport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for range 3 {
		require.NoError(t, env.buffer.Append(context.Background(), "site-1", tracking.Event{
			SiteID: "site-1", PageURL: "https://ex.com", EventType: tracking.EventPageView, Timestamp: testNow,
		}))
	}
	require.NoError(t, env.buffer.Append(context.Background(), "site-1", tracking.Event{SiteID: "site-1"}))

	rec := env.do(httptest.NewRequest(http.MethodPost, "/admin/processor/drain?wait=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeJSON[processor.CycleReport](t, rec.Body)
	require.Equal(t, 1, report.Sites)
	require.Equal(t, 3, report.Processed)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Batches)
}

func TestDrain_ConflictWhenBusy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(env *testEnv) { env.deps.Processor = busyDrainer{} })
	for _, target := range []string{"/admin/processor/drain", "/admin/processor/drain?wait=true"} {
		rec := env.do(httptest.NewRequest(http.MethodPost, target, nil))
		require.Equal(t, http.StatusConflict, rec.Code, target)
		require.JSONEq(t, `{"error":"drain already in progress"}`, rec.Body.String())
	}
}

func TestProcessorStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/admin/processor/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"processing":false}`, rec.Body.String())

	_, err := env.processor.RunCycle(context.Background())
	require.NoError(t, err)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/admin/processor/status", nil))
	status := decodeJSON[processor.Status](t, rec.Body)
	require.False(t, status.Processing)
	require.NotNil(t, status.LastRun)
	require.True(t, testNow.Equal(*status.LastRun))
	require.NotNil(t, status.LastReport)
	require.Equal(t, 1, status.LastReport.Sites)
}

func TestBufferLength(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for range 4 {
		require.NoError(t, env.buffer.Append(context.Background(), "site-1", tracking.Event{PageURL: "https://ex.com", EventType: "x"}))
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/admin/buffer/site-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"siteId":"site-1","buffered":4}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/admin/buffer/other", nil))
	require.JSONEq(t, `{"siteId":"other","buffered":0}`, rec.Body.String())
}

func TestSiteAnalytics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	day := tracking.VisitDate(testNow)
	for offset, views := range map[int]int64{0: 5, -6: 3, -7: 99} {
		env.store.PutPageAnalytics(tracking.PageAnalytics{
			ID: "pa", SiteID: "site-1", PageURL: fmt.Sprintf("https://ex.com/%d", -offset),
			VisitDate: day.AddDate(0, 0, offset), PageViews: views, UniqueVisitors: 1,
		})
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/sites/site-1/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[analyticsResponse](t, rec.Body)
	require.Equal(t, "2025-06-06", body.From)
	require.Equal(t, "2025-06-12", body.To)
	require.Len(t, body.Rows, 2, "defaults to the last seven days")

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/sites/site-1/analytics?from=2025-06-01&to=2025-06-05", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeJSON[analyticsResponse](t, rec.Body)
	require.Len(t, body.Rows, 1)
	require.Equal(t, int64(99), body.Rows[0].PageViews)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/sites/empty/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rows":[]`)
}

func TestSiteAnalytics_BadRange(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, query := range []string{"from=yesterday", "to=06-12-2025", "from=2025-06-12&to=2025-06-01"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/sites/site-1/analytics?"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}
