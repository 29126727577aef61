package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/config"
	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/observability"
	"github.com/ent0n29/convmem/internal/policy"
	"github.com/ent0n29/convmem/internal/reliability"
	"github.com/ent0n29/convmem/internal/session"
)

// ArchiveReader lists turns removed by the retention bound.
type ArchiveReader interface {
	List(table, sessionID string) ([]memory.Record, error)
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithArchive(a ArchiveReader) Option {
	return func(s *Server) { s.archive = a }
}

// WithMetricsHandler replaces the Prometheus handler served on the admin router.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metricsHandler = h
		}
	}
}

// Server exposes two routers. Router is client facing and every body it writes has
// passed through the sanitizer. AdminRouter serves internal diagnostics, timestamps
// included, and must only be bound to a private address.
type Server struct {
	cfg            config.Config
	registry       *session.Registry
	sanitizer      *policy.Sanitizer
	metrics        *observability.Metrics
	logger         *zap.Logger
	archive        ArchiveReader
	hub            *Hub
	upgrader       websocket.Upgrader
	metricsHandler http.Handler
}

func New(cfg config.Config, registry *session.Registry, sanitizer *policy.Sanitizer, metrics *observability.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:            cfg,
		registry:       registry,
		sanitizer:      sanitizer,
		metrics:        metrics,
		logger:         zap.NewNop(),
		metricsHandler: observability.MetricsHandler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sanitizer == nil {
		s.sanitizer = policy.NewSanitizer(s.logger, metrics)
	}
	s.hub = NewHub(metrics)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Only same-origin browsers unless explicitly opened up.
			if cfg.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin. Allow them.
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
	}
	return s
}

// Hub returns the websocket fan-out used by the public router.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Post("/turns", s.handleAppendTurn)
		r.Get("/messages", s.handleMessages)
		r.Delete("/", s.handleClearSession)
		r.Get("/ws", s.handleSessionWS)
	})
	r.Post("/v1/respond", s.handleRespond)
	return r
}

func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metricsHandler.ServeHTTP(w, r)
	})
	r.Get("/internal/perf/latency", s.handlePerfLatency)
	r.Get("/internal/sessions", s.handleListSessions)
	r.Route("/internal/sessions/{id}", func(r chi.Router) {
		r.Get("/timeline", s.handleTimeline)
		r.Get("/metrics", s.handleConversationMetrics)
		r.Get("/info", s.handleSessionInfo)
		r.Get("/confusion", s.handleConfusion)
		r.Get("/archive", s.handleArchive)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.registry.Ready(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "not_ready", "persistence unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondStoreError maps store failures to statuses without leaking backend detail.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	status, code, message := classifyStoreError(err)
	if status >= 500 {
		s.logger.Error("store request failed", zap.Error(err))
	}
	respondError(w, status, code, policy.StripInternalMetadata(message))
}

func classifyStoreError(err error) (int, string, string) {
	switch {
	case errors.Is(err, memory.ErrConfiguration):
		return http.StatusBadRequest, "invalid_session", err.Error()
	case errors.Is(err, memory.ErrInvalidRecord):
		return http.StatusBadRequest, "invalid_turn", err.Error()
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found", err.Error()
	case errors.Is(err, memory.ErrPersistence) && reliability.IsRetryablePersistenceError(err):
		return http.StatusServiceUnavailable, "persistence_unavailable", "persistence temporarily unavailable"
	default:
		return http.StatusInternalServerError, "persistence_failed", "persistence failed"
	}
}

func sessionIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
