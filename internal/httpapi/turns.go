package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/policy"
	"github.com/ent0n29/convmem/internal/protocol"
)

// AppendTurnRequest carries either plain text content or a structured payload.
// A payload is stored as its JSON text.
type AppendTurnRequest struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type TurnResponse struct {
	SessionID             string `json:"session_id"`
	Role                  string `json:"role"`
	Content               string `json:"content"`
	Sequence              int64  `json:"sequence"`
	ContextResetSuggested bool   `json:"context_reset_suggested"`
}

type MessageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessagesResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []MessageView `json:"messages"`
}

type RespondRequest struct {
	SessionID string          `json:"session_id,omitempty"`
	Output    json.RawMessage `json:"output"`
}

type RespondResponse struct {
	Text                  string `json:"text"`
	ContextResetSuggested bool   `json:"context_reset_suggested"`
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDParam(r)
	var req AppendTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	content, err := turnContent(req.Content, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	role := memory.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if role == "" {
		role = memory.RoleHuman
	}

	resp, err := s.appendTurn(r, sessionID, role, content)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// appendTurn persists a turn, notifies websocket subscribers and, for agent turns,
// evaluates the confusion heuristic.
func (s *Server) appendTurn(r *http.Request, sessionID string, role memory.Role, content string) (TurnResponse, error) {
	ctx := r.Context()
	store, err := s.registry.Store(ctx, sessionID)
	if err != nil {
		return TurnResponse{}, err
	}
	rec, err := store.Append(ctx, memory.Message{Role: role, Content: content})
	if err != nil {
		return TurnResponse{}, err
	}

	resp := TurnResponse{
		SessionID: store.SessionID(),
		Role:      string(rec.Role),
		Content:   s.sanitizer.PrepareStoredContent(rec.Content),
		Sequence:  rec.Sequence,
	}
	s.hub.Publish(resp.SessionID, protocol.TurnAppended{
		Type:      protocol.TypeTurnAppended,
		SessionID: resp.SessionID,
		Role:      resp.Role,
		Content:   resp.Content,
		Sequence:  resp.Sequence,
	})
	if rec.Role == memory.RoleAgent {
		resp.ContextResetSuggested = s.checkConfusion(r, store)
	}
	return resp, nil
}

func (s *Server) checkConfusion(r *http.Request, store *memory.Store) bool {
	confused, err := store.ShouldClearContext(r.Context())
	if err != nil {
		s.logger.Warn("confusion check failed", zap.String("session_id", store.SessionID()), zap.Error(err))
		return false
	}
	if confused {
		s.hub.Publish(store.SessionID(), protocol.ContextResetSuggested{
			Type:      protocol.TypeContextResetSuggested,
			SessionID: store.SessionID(),
			Reason:    "repeated_uncertainty",
		})
	}
	return confused
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	store, err := s.registry.Store(r.Context(), sessionIDParam(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	msgs, err := store.OptimizedContext(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	out := MessagesResponse{SessionID: store.SessionID(), Messages: make([]MessageView, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, MessageView{
			Role:    string(m.Role),
			Content: s.sanitizer.PrepareStoredContent(m.Content),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDParam(r)
	if err := s.registry.Clear(r.Context(), sessionID); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.hub.Publish(sessionID, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "context_cleared",
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleRespond sanitizes agent output for the client. With a session id the raw
// output is also recorded as an agent turn and pushed to websocket subscribers.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(bytes.TrimSpace(req.Output)) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "output is required")
		return
	}
	output, err := policy.ParseJSON(req.Output)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp := RespondResponse{Text: s.sanitizer.PrepareClientResponse(output)}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID != "" {
		content, ok := output.AsText()
		if !ok {
			content = string(bytes.TrimSpace(req.Output))
		}
		turn, err := s.appendTurn(r, sessionID, memory.RoleAgent, content)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		resp.ContextResetSuggested = turn.ContextResetSuggested
		s.hub.Publish(sessionID, protocol.AgentResponse{
			Type:      protocol.TypeAgentResponse,
			SessionID: sessionID,
			Text:      resp.Text,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func turnContent(content string, payload json.RawMessage) (string, error) {
	payload = bytes.TrimSpace(payload)
	hasPayload := len(payload) > 0 && !bytes.Equal(payload, []byte("null"))
	switch {
	case hasPayload && content != "":
		return "", errors.New("content and payload are mutually exclusive")
	case hasPayload:
		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err != nil {
			return "", err
		}
		return compact.String(), nil
	case strings.TrimSpace(content) == "":
		return "", errors.New("content is required")
	default:
		return content, nil
	}
}
