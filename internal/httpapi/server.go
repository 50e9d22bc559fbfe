package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/calmcompanion/internal/analytics"
	"github.com/ent0n29/calmcompanion/internal/config"
	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/observability"
	"github.com/ent0n29/calmcompanion/internal/pipeline"
	"github.com/ent0n29/calmcompanion/internal/session"
)

const maxBodyBytes = 64 << 10

// Pipeline is the language-level contract the HTTP adapter drives.
type Pipeline interface {
	ProcessTurn(ctx context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error)
	Aggregate(window int) analytics.Snapshot
	RecentEvents(limit int) []eventlog.Event
	History(sessionID string, limit int) ([]session.Turn, error)
	SessionSummary(sessionID string, window int) pipeline.Summary
	RecordAction(ctx context.Context, req pipeline.ActionRequest) (pipeline.ActionResult, error)
	SearchGuidance(query string, k int) []pipeline.TipRef
}

// SinkReporter exposes analytics mirror health for /readyz.
type SinkReporter interface {
	SinkStatuses() []analytics.SinkStatus
}

type Server struct {
	cfg      config.Config
	pipeline Pipeline
	feed     *eventlog.Log
	metrics  *observability.Metrics
	sinks    SinkReporter
	upgrader websocket.Upgrader
}

// New wires the adapter. feed, metrics and sinks may be nil.
func New(cfg config.Config, p Pipeline, feed *eventlog.Log, metrics *observability.Metrics, sinks SinkReporter) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		feed:     feed,
		metrics:  metrics,
		sinks:    sinks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only open the feed from the same origin; the
				// feed carries session ids.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/aggregate", s.handleAggregate)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)
		r.Get("/sessions/{id}/summary", s.handleSessionSummary)
		r.Get("/sessions/{id}/history", s.handleSessionHistory)
		r.Post("/actions", s.handleAction)
		r.Get("/guidance/search", s.handleGuidanceSearch)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Post("/perf/latency/reset", s.handlePerfReset)
	})

	r.Post("/api/voice_chat", s.handleLegacyVoiceChat)
	r.Get("/api/session_summary", s.handleLegacySessionSummary)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	sinks := []analytics.SinkStatus{}
	if s.sinks != nil {
		sinks = s.sinks.SinkStatuses()
	}
	degraded := false
	for _, st := range sinks {
		if !st.Healthy {
			degraded = true
		}
	}
	// Sink health never affects readiness.
	status := "ready"
	if degraded {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"sinks":  sinks,
	})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.pipeline.ProcessTurn(r.Context(), req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	window, ok := intQuery(w, r, "window", 0)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.pipeline.Aggregate(window))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 0)
	if !ok {
		return
	}
	events := s.pipeline.RecentEvents(limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	window, ok := intQuery(w, r, "window", 0)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.pipeline.SessionSummary(chi.URLParam(r, "id"), window))
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 0)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	turns, err := s.pipeline.History(id, limit)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"count":      len(turns),
		"turns":      turns,
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.pipeline.RecordAction(r.Context(), req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGuidanceSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}
	k, ok := intQuery(w, r, "k", 0)
	if !ok {
		return
	}
	tips := s.pipeline.SearchGuidance(q, k)
	respondJSON(w, http.StatusOK, map[string]any{
		"query": q,
		"count": len(tips),
		"tips":  tips,
	})
}

// legacyTurn is the body shape older voice clients post.
type legacyTurn struct {
	SID       string `json:"sid"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleLegacyVoiceChat(w http.ResponseWriter, r *http.Request) {
	var body legacyTurn
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sid := strings.TrimSpace(body.SID)
	if sid == "" {
		sid = "default"
	}
	res, err := s.pipeline.ProcessTurn(r.Context(), pipeline.TurnRequest{
		SessionID: sid,
		Text:      body.Text,
		Timestamp: body.Timestamp,
	})
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"reply":       res.Reply,
		"risk":        res.Risk,
		"triggers":    res.Triggers,
		"tips":        res.Tips,
		"ts":          res.Timestamp,
		"turn_count":  res.TurnCount,
		"explanation": res.Explanation,
	})
}

func (s *Server) handleLegacySessionSummary(w http.ResponseWriter, r *http.Request) {
	window, ok := intQuery(w, r, "window", 0)
	if !ok {
		return
	}
	sid := strings.TrimSpace(r.URL.Query().Get("sid"))
	if sid == "" {
		sid = "default"
	}
	respondJSON(w, http.StatusOK, s.pipeline.SessionSummary(sid, window))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// intQuery parses a non-negative integer query parameter, answering 400 itself
// when it is malformed.
func intQuery(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid_"+key, fmt.Sprintf("%s must be a non-negative integer", key))
		return 0, false
	}
	return n, true
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "turn could not be processed")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeDeadline() time.Time { return time.Now().Add(10 * time.Second) }
