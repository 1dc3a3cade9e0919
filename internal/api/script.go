package api

import (
	"bytes"
	_ "embed"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

//go:embed assets/tracker.js.tmpl
var trackerScriptSource string

var trackerScript = template.Must(template.New("tracker.js").Parse(trackerScriptSource))

var trackerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type scriptData struct {
	BaseURL   string
	TrackerID string
}

// script renders the embeddable client for a tracker id. The site is not
// looked up; an unknown tracker's beacons are dropped at ingestion.
func (s *Server) script(w http.ResponseWriter, r *http.Request) {
	trackerID := chi.URLParam(r, "trackerId")
	if !trackerIDPattern.MatchString(trackerID) {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	data := scriptData{
		BaseURL:   strings.TrimRight(s.cfg.Tracker.PublicURL, "/"),
		TrackerID: trackerID,
	}
	if err := trackerScript.Execute(&buf, data); err != nil {
		s.logger.Error("render tracker script", zap.Error(err))
		http.Error(w, "// tracker unavailable", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/javascript; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
