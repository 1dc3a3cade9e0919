package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/metrics"
	"github.com/clever-search/tracker/internal/tracking"
)

const maxBeaconBytes = 16 << 10

// Beacon endpoints as labeled in metrics.
const (
	endpointV1Data  = "v1_data"
	endpointV2Track = "v2_track"
	endpointPixel   = "pixel"
)

// Beacon outcomes as labeled in metrics.
const (
	beaconAccepted       = "accepted"
	beaconInvalid        = "invalid"
	beaconUnknownTracker = "unknown_tracker"
	beaconLookupFailed   = "lookup_failed"
	beaconDropped        = "dropped"
	beaconLimited        = "rate_limited"
)

type beaconEventData struct {
	LoadTime        *int64   `json:"loadTime" validate:"omitempty,min=0"`
	ContentInjected bool     `json:"contentInjected"`
	ContentTypes    []string `json:"contentTypes" validate:"max=8,dive,oneof=title description faq keywords"`
}

type beaconRequest struct {
	PageURL     string           `json:"pageUrl" validate:"required,url,max=2048"`
	EventType   string           `json:"eventType" validate:"required,max=64"`
	Timestamp   *time.Time       `json:"timestamp"`
	Referrer    string           `json:"referrer" validate:"max=2048"`
	UserAgent   string           `json:"userAgent" validate:"max=512"`
	ScreenWidth *int             `json:"screenWidth" validate:"omitempty,min=0"`
	Title       string           `json:"title" validate:"max=1024"`
	SessionID   string           `json:"sessionId" validate:"max=128"`
	VisitorID   string           `json:"visitorId" validate:"max=128"`
	EventData   *beaconEventData `json:"eventData"`
}

var errInvalidBody = errors.New("invalid JSON")

// decodeBeacon reads and validates a beacon body.
func (s *Server) decodeBeacon(w http.ResponseWriter, r *http.Request) (beaconRequest, error) {
	var req beaconRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBeaconBytes)).Decode(&req); err != nil {
		return req, errInvalidBody
	}
	req.PageURL = strings.TrimSpace(req.PageURL)
	req.EventType = strings.TrimSpace(req.EventType)
	if err := s.validate.Struct(req); err != nil {
		return req, err
	}
	return req, nil
}

// recordV1 is the legacy beacon: 204 on success, 400 on a bad body, 404 for
// an unknown tracker. Store and buffer failures still answer 204.
func (s *Server) recordV1(w http.ResponseWriter, r *http.Request) {
	trackerID := chi.URLParam(r, "trackerId")
	req, err := s.decodeBeacon(w, r)
	if err != nil {
		metrics.ObserveBeacon(endpointV1Data, beaconInvalid)
		if errors.Is(err, errInvalidBody) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	site, err := s.deps.Sites.SiteByTrackerID(r.Context(), trackerID)
	switch {
	case errors.Is(err, tracking.ErrNotFound):
		metrics.ObserveBeacon(endpointV1Data, beaconUnknownTracker)
		writeError(w, http.StatusNotFound, "tracker not found")
		return
	case err != nil:
		metrics.ObserveBeacon(endpointV1Data, beaconLookupFailed)
		s.logger.Error("tracker lookup failed",
			zap.String("tracker_id", trackerID),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	metrics.ObserveBeacon(endpointV1Data, s.enqueue(r, site, req))
	w.WriteHeader(http.StatusNoContent)
}

// trackV2 always answers with the pixel.
func (s *Server) trackV2(w http.ResponseWriter, r *http.Request) {
	defer writePixel(w)
	req, err := s.decodeBeacon(w, r)
	if err != nil {
		metrics.ObserveBeacon(endpointV2Track, beaconInvalid)
		s.logger.Debug("rejected beacon body", zap.Error(err))
		return
	}
	metrics.ObserveBeacon(endpointV2Track, s.record(r, req))
}

// pixel records a page view described by query parameters and always answers
// with the pixel.
func (s *Server) pixel(w http.ResponseWriter, r *http.Request) {
	defer writePixel(w)
	req, err := s.beaconFromQuery(r)
	if err != nil {
		metrics.ObserveBeacon(endpointPixel, beaconInvalid)
		s.logger.Debug("rejected pixel beacon", zap.Error(err))
		return
	}
	metrics.ObserveBeacon(endpointPixel, s.record(r, req))
}

func (s *Server) limitedPixel(w http.ResponseWriter, r *http.Request) {
	metrics.ObserveBeacon(endpointPixel, beaconLimited)
	writePixel(w)
}

// beaconFromQuery maps url, ref, title, sid, vid, lt and ci onto a page view.
func (s *Server) beaconFromQuery(r *http.Request) (beaconRequest, error) {
	q := r.URL.Query()
	req := beaconRequest{
		PageURL:   strings.TrimSpace(q.Get("url")),
		EventType: tracking.EventPageView,
		Referrer:  q.Get("ref"),
		Title:     q.Get("title"),
		SessionID: q.Get("sid"),
		VisitorID: q.Get("vid"),
	}
	data := &beaconEventData{}
	if lt := q.Get("lt"); lt != "" {
		ms, err := strconv.ParseInt(lt, 10, 64)
		if err != nil {
			return req, err
		}
		data.LoadTime = &ms
	}
	if ci := q.Get("ci"); ci != "" {
		injected, err := strconv.ParseBool(ci)
		if err != nil {
			return req, err
		}
		data.ContentInjected = injected
	}
	req.EventData = data
	if err := s.validate.Struct(req); err != nil {
		return req, err
	}
	return req, nil
}

// record resolves the tracker and enqueues the event, degrading every failure
// to an outcome label.
func (s *Server) record(r *http.Request, req beaconRequest) string {
	trackerID := chi.URLParam(r, "trackerId")
	site, err := s.deps.Sites.SiteByTrackerID(r.Context(), trackerID)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			return beaconUnknownTracker
		}
		s.logger.Error("tracker lookup failed",
			zap.String("tracker_id", trackerID),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		return beaconLookupFailed
	}
	return s.enqueue(r, site, req)
}

// enqueue appends the event to the site's buffer and touches the page. Both
// calls run under short timeouts detached from the client connection.
func (s *Server) enqueue(r *http.Request, site tracking.Site, req beaconRequest) string {
	event := s.buildEvent(r, site, req)

	ctx := context.WithoutCancel(r.Context())
	appendCtx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	err := s.deps.Buffer.Append(appendCtx, site.ID, event)
	cancel()
	if err != nil {
		metrics.IncBufferAppendFailure()
		s.appendLog.Do(func() {
			s.logger.Error("failed to buffer event; dropping it",
				zap.String("site_id", site.ID),
				zap.Error(err),
			)
		})
		return beaconDropped
	}

	if s.deps.Pages != nil && event.EventType == tracking.EventPageView {
		touchCtx, cancel := context.WithTimeout(ctx, s.touchTimeout)
		err := s.deps.Pages.TouchPage(touchCtx, site.ID, tracking.NormalizePageURL(event.PageURL), req.Title, event.Timestamp)
		cancel()
		if err != nil {
			s.touchLog.Do(func() {
				s.logger.Warn("failed to touch page",
					zap.String("site_id", site.ID),
					zap.String("page_url", event.PageURL),
					zap.Error(err),
				)
			})
		}
	}
	return beaconAccepted
}

func (s *Server) buildEvent(r *http.Request, site tracking.Site, req beaconRequest) tracking.Event {
	ts := s.deps.Clock.Now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = req.Timestamp.UTC()
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	ip := clientIP(r)
	visitorID := req.VisitorID
	if visitorID == "" {
		visitorID = s.deps.Visitors.ID(site.ID, ip, userAgent, ts)
	}

	data := tracking.EventData{
		Title:       req.Title,
		ScreenWidth: req.ScreenWidth,
	}
	if req.EventData != nil {
		data.LoadTimeMs = req.EventData.LoadTime
		data.ContentInjected = req.EventData.ContentInjected
		data.ContentTypes = req.EventData.ContentTypes
	}

	return tracking.Event{
		SiteID:    site.ID,
		PageURL:   req.PageURL,
		EventType: req.EventType,
		EventData: data,
		SessionID: req.SessionID,
		VisitorID: visitorID,
		UserAgent: userAgent,
		IPAddress: ip,
		Referrer:  req.Referrer,
		Timestamp: ts,
	}
}

// clientIP returns the remote host. RealIP, when enabled, has already replaced
// RemoteAddr with the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// contentV1 answers 400 for a missing or invalid pageUrl and 404 for an unknown
// tracker. Everything else degrades to an empty list.
func (s *Server) contentV1(w http.ResponseWriter, r *http.Request) {
	pageURL := strings.TrimSpace(r.URL.Query().Get("pageUrl"))
	if err := s.validate.Var(pageURL, "required,url"); err != nil {
		writeError(w, http.StatusBadRequest, "pageUrl is required and must be a URL")
		return
	}
	trackerID := chi.URLParam(r, "trackerId")
	site, err := s.deps.Sites.SiteByTrackerID(r.Context(), trackerID)
	switch {
	case errors.Is(err, tracking.ErrNotFound):
		writeError(w, http.StatusNotFound, "tracker not found")
		return
	case err != nil:
		s.logger.Error("tracker lookup failed", zap.String("tracker_id", trackerID), zap.Error(err))
		writeJSON(w, http.StatusOK, []tracking.ContentFragment{})
		return
	}
	writeJSON(w, http.StatusOK, s.fragments(r.Context(), site, pageURL))
}

// contentV2 always answers 200, with [] on any failure.
func (s *Server) contentV2(w http.ResponseWriter, r *http.Request) {
	pageURL := strings.TrimSpace(r.URL.Query().Get("pageUrl"))
	if s.validate.Var(pageURL, "required,url") != nil {
		writeJSON(w, http.StatusOK, []tracking.ContentFragment{})
		return
	}
	site, err := s.deps.Sites.SiteByTrackerID(r.Context(), chi.URLParam(r, "trackerId"))
	if err != nil {
		if !errors.Is(err, tracking.ErrNotFound) {
			s.logger.Error("tracker lookup failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, []tracking.ContentFragment{})
		return
	}
	writeJSON(w, http.StatusOK, s.fragments(r.Context(), site, pageURL))
}

// fragments returns the page's active content, or an empty list.
func (s *Server) fragments(ctx context.Context, site tracking.Site, pageURL string) []tracking.ContentFragment {
	empty := []tracking.ContentFragment{}
	page, err := s.deps.Pages.FindPage(ctx, site.ID, tracking.NormalizePageURL(pageURL))
	if err != nil {
		if !errors.Is(err, tracking.ErrNotFound) {
			s.logger.Error("page lookup failed", zap.String("site_id", site.ID), zap.Error(err))
		}
		return empty
	}
	frags, err := s.deps.Content.ActiveFragments(ctx, page.ID)
	if err != nil {
		s.logger.Error("content lookup failed", zap.String("page_id", page.ID), zap.Error(err))
		return empty
	}
	if frags == nil {
		return empty
	}
	return frags
}
