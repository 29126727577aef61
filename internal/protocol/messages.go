package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn            MessageType = "client_turn"
	TypeClientPing            MessageType = "client_ping"
	TypeTurnAppended          MessageType = "turn_appended"
	TypeAgentResponse         MessageType = "agent_response"
	TypeContextResetSuggested MessageType = "context_reset_suggested"
	TypeSystemEvent           MessageType = "system_event"
	TypeErrorEvent            MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTurn appends a turn to the session. Role defaults to human.
type ClientTurn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role,omitempty"`
	Content   string      `json:"content"`
}

type ClientPing struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Server events carry client-safe text only; content fields are sanitized before
// an event is built.

type TurnAppended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Sequence  int64       `json:"sequence"`
}

type AgentResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ContextResetSuggested struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Role = strings.ToLower(strings.TrimSpace(msg.Role))
		if msg.Role == "" {
			msg.Role = "human"
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid client_turn")
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// EventType reports the type of a server event built by this package.
func EventType(event any) MessageType {
	switch e := event.(type) {
	case TurnAppended:
		return e.Type
	case AgentResponse:
		return e.Type
	case ContextResetSuggested:
		return e.Type
	case SystemEvent:
		return e.Type
	case ErrorEvent:
		return e.Type
	default:
		return ""
	}
}
