package server

import (
	"encoding/json"
	"log"

	apperrors "github.com/hexgame/gateway/internal/platform/errors"
)

// Client -> gateway event names.
const (
	eventJoinSession  = "join_session"
	eventLocation     = "loc"
	eventTeamChat     = "team_chat"
	eventLeaveSession = "leave_session"
)

// Gateway -> client event names.
const (
	eventConnectionEstablished = "connection_established"
	eventParticipantJoined     = "participant_joined"
	eventParticipantLeft       = "participant_left"
	eventLocationUpdate        = "location_update"
	eventTeamChatMessage       = "team_chat_message"
	eventError                 = "error"
)

// Cross-instance event types relayed verbatim to session rooms.
const (
	eventClaimHex     = "claim_hex"
	eventLoopComplete = "loop_complete"
	eventScoreUpdate  = "score_update"
	eventMatchEnd     = "match_end"
)

// wsFrame is the single wire envelope in both directions: a known event name
// plus an event-specific payload. Payloads that do not match a known shape
// are rejected.
type wsFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinSessionPayload struct {
	SessionID string `json:"session_id"`
}

type locationPayload struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type teamChatPayload struct {
	Message string `json:"message"`
	TeamID  string `json:"team_id,omitempty"`
}

type connectionEstablishedPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

type userSummary struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type participantJoinedPayload struct {
	ParticipantID string      `json:"participant_id"`
	User          userSummary `json:"user"`
	TeamID        string      `json:"team_id,omitempty"`
	Timestamp     string      `json:"timestamp"`
}

type participantLeftPayload struct {
	ParticipantID string `json:"participant_id"`
	Timestamp     string `json:"timestamp"`
}

type locationUpdatePayload struct {
	ParticipantID string  `json:"participant_id"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	Accuracy      float64 `json:"accuracy,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

type participantSummary struct {
	ID   string      `json:"id"`
	User userSummary `json:"user"`
}

type teamChatMessagePayload struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	TeamID      string             `json:"team_id"`
	Participant participantSummary `json:"participant"`
	Message     string             `json:"message"`
	CreatedAt   string             `json:"created_at"`
}

type errorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeWSError(peer *wsPeer, code apperrors.Code, message string) error {
	return peer.writeFrame(wsFrame{
		Event: eventError,
		Payload: mustJSON(errorPayload{
			Code:    string(code),
			Message: message,
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
