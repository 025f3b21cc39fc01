package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	apperrors "github.com/hexgame/gateway/internal/platform/errors"
	"github.com/hexgame/gateway/internal/services/gateway/storage"
	"github.com/hexgame/gateway/internal/services/gateway/token"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3

	maxChatMessageRunes = 500
)

// membership is the joined-session state of one connection.
type membership struct {
	sessionID     string
	teamID        string
	participantID string
}

// wsConn is the per-connection state owned by the handling goroutine. The
// mutex only guards membership, which the deferred disconnect cleanup reads
// after the frame loop exits.
type wsConn struct {
	identity token.Identity
	peer     *wsPeer

	mu     sync.Mutex
	joined membership
}

func newWSConn(identity token.Identity, peer *wsPeer) *wsConn {
	return &wsConn{identity: identity, peer: peer}
}

// setMembership installs the joined state and returns the previous one.
func (c *wsConn) setMembership(next membership) membership {
	c.mu.Lock()
	previous := c.joined
	c.joined = next
	c.mu.Unlock()
	return previous
}

func (c *wsConn) currentMembership() membership {
	c.mu.Lock()
	current := c.joined
	c.mu.Unlock()
	return current
}

// clearMembership resets the joined state and returns what was cleared.
func (c *wsConn) clearMembership() membership {
	return c.setMembership(membership{})
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	identity := token.Identity{}
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsIdentityContextKey{}).(token.Identity); ok {
			identity = resolved
		}
	}
	if strings.TrimSpace(identity.UserID) == "" {
		// Admission is enforced before the upgrade; an empty identity here
		// means the handler was mounted without the auth wrapper.
		log.Printf("gateway: dropping websocket with no verified identity")
		return
	}

	decoder := json.NewDecoder(conn)
	c := newWSConn(identity, newWSPeer(json.NewEncoder(conn)))

	// Disconnect runs the same teardown as an explicit leave, and is a no-op
	// for connections that never joined.
	defer s.leaveCurrentSession(c)

	decodeErrors := 0
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Invalid message frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Payload too large")
			continue
		}

		switch frame.Event {
		case eventJoinSession:
			s.handleJoinSession(conn.Request().Context(), c, frame)
		case eventLocation:
			s.handleLocation(c, frame)
		case eventTeamChat:
			s.handleTeamChat(conn.Request().Context(), c, frame)
		case eventLeaveSession:
			s.leaveCurrentSession(c)
		default:
			_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Unsupported event")
		}
	}
}

func (s *Server) handleJoinSession(ctx context.Context, c *wsConn, frame wsFrame) {
	var payload joinSessionPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Invalid join payload")
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "session_id is required")
		return
	}

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(c.peer, apperrors.CodeSessionNotFound, "Session not found")
			return
		}
		log.Printf("gateway: session lookup failed user=%q session=%q err=%v", c.identity.UserID, sessionID, err)
		_ = writeWSError(c.peer, apperrors.CodePersistenceFailure, "Failed to join session")
		return
	}

	participant, err := s.store.GetParticipant(ctx, sessionID, c.identity.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(c.peer, apperrors.CodeNotAParticipant, "Not a participant in this session")
			return
		}
		log.Printf("gateway: participant lookup failed user=%q session=%q err=%v", c.identity.UserID, sessionID, err)
		_ = writeWSError(c.peer, apperrors.CodePersistenceFailure, "Failed to join session")
		return
	}

	next := membership{
		sessionID:     sessionID,
		teamID:        participant.TeamID,
		participantID: participant.ID,
	}
	previous := c.setMembership(next)
	if previous.sessionID != "" {
		// Rejoining moves the connection; the old room is left silently.
		s.detach(c.peer, previous)
	}

	s.rooms.joinSession(sessionID, c.peer)
	if next.teamID != "" {
		s.rooms.joinTeam(next.teamID, c.peer)
	}

	s.rooms.broadcastToSession(sessionID, wsFrame{
		Event: eventParticipantJoined,
		Payload: mustJSON(participantJoinedPayload{
			ParticipantID: participant.ID,
			User: userSummary{
				ID:       c.identity.UserID,
				Username: c.identity.Username,
			},
			TeamID:    next.teamID,
			Timestamp: s.now().UTC().Format(time.RFC3339),
		}),
	}, c.peer)

	_ = c.peer.writeFrame(wsFrame{
		Event: eventConnectionEstablished,
		Payload: mustJSON(connectionEstablishedPayload{
			SessionID:     sessionID,
			ParticipantID: participant.ID,
			Status:        "connected",
		}),
	})
}

func (s *Server) handleLocation(c *wsConn, frame wsFrame) {
	current := c.currentMembership()
	if current.sessionID == "" {
		_ = writeWSError(c.peer, apperrors.CodeNotInSession, "Not in a session")
		return
	}

	var payload locationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Invalid location payload")
		return
	}
	if payload.Lat < -90 || payload.Lat > 90 || payload.Lng < -180 || payload.Lng > 180 {
		_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Invalid coordinates")
		return
	}

	now := s.now().UTC()
	timestamp := strings.TrimSpace(payload.Timestamp)
	if timestamp == "" {
		timestamp = now.Format(time.RFC3339)
	}

	// The row update must not stall fan-out to peers: location is a
	// best-effort stream and a slow or failing write is logged, not
	// propagated. The WaitGroup lets shutdown drain pending writes.
	s.relayWrites.Add(1)
	go func() {
		defer s.relayWrites.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if err := s.store.UpdateParticipantLocation(writeCtx, current.participantID, payload.Lat, payload.Lng, now); err != nil {
			log.Printf("gateway: location write failed participant=%q err=%v", current.participantID, err)
		}
	}()

	s.rooms.broadcastToSession(current.sessionID, wsFrame{
		Event: eventLocationUpdate,
		Payload: mustJSON(locationUpdatePayload{
			ParticipantID: current.participantID,
			Lat:           payload.Lat,
			Lng:           payload.Lng,
			Accuracy:      payload.Accuracy,
			Speed:         payload.Speed,
			Timestamp:     timestamp,
		}),
	}, c.peer)
}

func (s *Server) handleTeamChat(ctx context.Context, c *wsConn, frame wsFrame) {
	current := c.currentMembership()
	if current.sessionID == "" {
		_ = writeWSError(c.peer, apperrors.CodeNotInSession, "Not in a session")
		return
	}

	var payload teamChatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(c.peer, apperrors.CodeInvalidPayload, "Invalid chat payload")
		return
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		_ = writeWSError(c.peer, apperrors.CodeChatMessageEmpty, "Message cannot be empty")
		return
	}
	if utf8.RuneCountInString(message) > maxChatMessageRunes {
		_ = writeWSError(c.peer, apperrors.CodeChatMessageTooLong, "Message too long (max 500 characters)")
		return
	}

	targetTeamID := strings.TrimSpace(payload.TeamID)
	if targetTeamID == "" {
		targetTeamID = current.teamID
	}
	if targetTeamID == "" {
		_ = writeWSError(c.peer, apperrors.CodeNoTeamAssigned, "No team assigned")
		return
	}
	if targetTeamID != current.teamID {
		_ = writeWSError(c.peer, apperrors.CodeNotTeamMember, "Not a member of this team")
		return
	}

	// Chat must not appear to succeed unpersisted, so the insert happens
	// before the broadcast and a failure aborts the send.
	stored, err := s.store.InsertChatMessage(ctx, current.sessionID, targetTeamID, current.participantID, message)
	if err != nil {
		log.Printf("gateway: chat insert failed participant=%q team=%q err=%v", current.participantID, targetTeamID, err)
		_ = writeWSError(c.peer, apperrors.CodePersistenceFailure, "Failed to send message")
		return
	}

	// The sender gets its own echo back with the canonical server-assigned
	// id and timestamp, so the team broadcast does not exclude it.
	s.rooms.broadcastToTeam(targetTeamID, wsFrame{
		Event: eventTeamChatMessage,
		Payload: mustJSON(teamChatMessagePayload{
			ID:        stored.ID,
			SessionID: stored.SessionID,
			TeamID:    stored.TeamID,
			Participant: participantSummary{
				ID: current.participantID,
				User: userSummary{
					ID:       c.identity.UserID,
					Username: c.identity.Username,
				},
			},
			Message:   stored.Message,
			CreatedAt: stored.CreatedAt.UTC().Format(time.RFC3339),
		}),
	}, nil)
}

// leaveCurrentSession removes the connection from its multicast groups and
// notifies the session room. Safe to call repeatedly and for connections
// that never joined.
func (s *Server) leaveCurrentSession(c *wsConn) {
	previous := c.clearMembership()
	if previous.sessionID == "" {
		return
	}

	s.detach(c.peer, previous)

	s.rooms.broadcastToSession(previous.sessionID, wsFrame{
		Event: eventParticipantLeft,
		Payload: mustJSON(participantLeftPayload{
			ParticipantID: previous.participantID,
			Timestamp:     s.now().UTC().Format(time.RFC3339),
		}),
	}, c.peer)
}

func (s *Server) detach(peer *wsPeer, m membership) {
	if m.teamID != "" {
		s.rooms.leaveTeam(m.teamID, peer)
	}
	s.rooms.leaveSession(m.sessionID, peer)
}
