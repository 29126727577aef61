package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/session"
)

type timelineEntry struct {
	Sequence  int64     `json:"sequence"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type pauseView struct {
	AfterSequence int64 `json:"after_sequence"`
	GapMS         int64 `json:"gap_ms"`
}

type conversationMetricsView struct {
	Available                bool        `json:"available"`
	ResponseLatenciesMS      []int64     `json:"response_latencies_ms"`
	AverageResponseLatencyMS int64       `json:"average_response_latency_ms"`
	TotalDurationMS          int64       `json:"total_duration_ms"`
	Exchanges                int         `json:"exchanges"`
	LongPauses               []pauseView `json:"long_pauses"`
}

type sessionInfoView struct {
	memory.SessionInfo
	Handle *session.Info `json:"handle,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.Sessions()})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	store, err := s.registry.Store(r.Context(), sessionIDParam(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	window, err := store.RecentWithTimestamps(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	out := make([]timelineEntry, 0, len(window))
	for _, m := range window {
		out = append(out, timelineEntry{
			Sequence:  m.Sequence,
			Role:      string(m.Message.Role),
			Content:   m.Message.Content,
			Timestamp: m.Timestamp,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": store.SessionID(), "turns": out})
}

func (s *Server) handleConversationMetrics(w http.ResponseWriter, r *http.Request) {
	store, err := s.registry.Store(r.Context(), sessionIDParam(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	m, err := store.ConversationMetrics(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	view := conversationMetricsView{
		Available:                m.Available,
		ResponseLatenciesMS:      make([]int64, 0, len(m.ResponseLatencies)),
		AverageResponseLatencyMS: m.AverageResponseLatency.Milliseconds(),
		TotalDurationMS:          m.TotalDuration.Milliseconds(),
		Exchanges:                m.Exchanges,
		LongPauses:               make([]pauseView, 0, len(m.LongPauses)),
	}
	for _, d := range m.ResponseLatencies {
		view.ResponseLatenciesMS = append(view.ResponseLatenciesMS, d.Milliseconds())
	}
	for _, p := range m.LongPauses {
		view.LongPauses = append(view.LongPauses, pauseView{AfterSequence: p.AfterSequence, GapMS: p.Gap.Milliseconds()})
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	store, err := s.registry.Store(r.Context(), sessionIDParam(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	info, err := store.SessionInfo(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	view := sessionInfoView{SessionInfo: info}
	if handle, err := s.registry.Get(store.SessionID()); err == nil {
		view.Handle = &handle
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleConfusion(w http.ResponseWriter, r *http.Request) {
	store, err := s.registry.Store(r.Context(), sessionIDParam(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	confused, err := store.ShouldClearContext(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	cfg := store.Config()
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":   store.SessionID(),
		"should_clear": confused,
		"threshold":    cfg.ConfusionThreshold,
		"window_size":  cfg.ConfusionWindowSize,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotFound, "archive_disabled", "eviction archive is not configured")
		return
	}
	sessionID := sessionIDParam(r)
	if sessionID == "" {
		s.respondStoreError(w, errors.Join(memory.ErrConfiguration, errors.New("session id is required")))
		return
	}
	records, err := s.archive.List(s.registry.Defaults().Target, sessionID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "records": records})
}
