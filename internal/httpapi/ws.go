package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/policy"
	"github.com/ent0n29/convmem/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDParam(r)
	if _, err := s.registry.Store(r.Context(), sessionID); err != nil {
		s.respondStoreError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.sessionEvent("ws_connected")
	sub := s.hub.Subscribe(sessionID)
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Direct replies to this connection share the writer with hub events.
	direct := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-sub.Events():
			case msg = <-direct:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				cancel()
				// Unblocks the read loop.
				_ = conn.Close()
				return
			}
			s.observeWS("outbound", string(protocol.EventType(msg)))
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	reply := func(event any) {
		select {
		case direct <- event:
		default:
			s.observeWS("drop_full", string(protocol.EventType(event)))
		}
	}

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    policy.StripInternalMetadata(err.Error()),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientPing:
			s.observeWS("inbound", string(protocol.TypeClientPing))
			reply(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
		case protocol.ClientTurn:
			s.observeWS("inbound", string(protocol.TypeClientTurn))
			if msg.SessionID != sessionID {
				reply(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "session_mismatch",
					Source:    "gateway",
					Detail:    "client_turn session_id does not match the connection",
				})
				continue
			}
			// appendTurn publishes turn_appended to every subscriber, this one included.
			if _, err := s.appendTurn(r.WithContext(ctx), sessionID, memory.Role(msg.Role), msg.Content); err != nil {
				status, code, detail := classifyStoreError(err)
				if status >= 500 {
					s.logger.Error("websocket append failed", zap.String("session_id", sessionID), zap.Error(err))
				}
				reply(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      code,
					Source:    "memory",
					Retryable: status == http.StatusServiceUnavailable,
					Detail:    policy.StripInternalMetadata(detail),
				})
			}
		}
	}

	cancel()
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

func (s *Server) sessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (s *Server) observeWS(direction, typ string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, typ).Inc()
}
