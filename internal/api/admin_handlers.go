package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/processor"
	"github.com/clever-search/tracker/internal/tracking"
)

const defaultAnalyticsDays = 7

// drain starts a manual drain. With ?wait=true it runs synchronously and
// returns the cycle report.
func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processor not configured")
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if !s.deps.Processor.Trigger(r.Context()) {
			writeError(w, http.StatusConflict, "drain already in progress")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	report, err := s.deps.Processor.RunCycle(context.WithoutCancel(r.Context()))
	if errors.Is(err, processor.ErrDrainInProgress) {
		writeError(w, http.StatusConflict, "drain already in progress")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) processorStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "processor not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Processor.Status())
}

func (s *Server) bufferLength(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteId")
	n, err := s.deps.Buffer.Len(r.Context(), siteID)
	if err != nil {
		s.logger.Error("buffer length failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read buffer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"siteId": siteID, "buffered": n})
}

type analyticsResponse struct {
	SiteID string                   `json:"siteId"`
	From   string                   `json:"from"`
	To     string                   `json:"to"`
	Rows   []tracking.PageAnalytics `json:"rows"`
}

// siteAnalytics lists a site's daily page analytics between from and to
// (YYYY-MM-DD, inclusive). Both default to the last seven days.
func (s *Server) siteAnalytics(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteId")
	from, to, err := s.analyticsRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.deps.Analytics.ListPageAnalytics(r.Context(), siteID, from, to)
	if err != nil {
		s.logger.Error("list page analytics failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch analytics")
		return
	}
	if rows == nil {
		rows = []tracking.PageAnalytics{}
	}
	writeJSON(w, http.StatusOK, analyticsResponse{
		SiteID: siteID,
		From:   from.Format(time.DateOnly),
		To:     to.Format(time.DateOnly),
		Rows:   rows,
	})
}

func (s *Server) analyticsRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := tracking.VisitDate(s.deps.Clock.Now())
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be YYYY-MM-DD")
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -(defaultAnalyticsDays - 1))
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be YYYY-MM-DD")
		}
		from = parsed
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errors.New("from must not be after to")
	}
	return from, to, nil
}
