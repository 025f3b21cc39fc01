package server

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/hexgame/gateway/internal/platform/timeouts"
	"github.com/hexgame/gateway/internal/services/gateway/broker"
)

// busEvent is the envelope crossing the shared broker channel. Events
// originate on other gateway instances or on the game-rules backend.
type busEvent struct {
	EventType string          `json:"event_type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// teamChatBusPayload extracts the routing field from a relayed chat payload.
type teamChatBusPayload struct {
	TeamID string `json:"team_id"`
}

// runBus consumes the shared channel until ctx ends. A lost subscription is
// re-established after a fixed delay; a malformed event is logged and
// dropped, never crashing the loop or any connection.
func (s *Server) runBus(ctx context.Context, sub broker.Subscription) {
	for {
		for {
			payload, err := sub.Receive(ctx)
			if err != nil {
				break
			}
			dispatchBusEvent(s.rooms, payload)
		}
		_ = sub.Close()

		if !waitBusRetry(ctx, timeouts.BusRetry) {
			return
		}

		next, err := s.pubsub.Subscribe(ctx, s.busChannel)
		if err != nil {
			log.Printf("gateway: bus resubscribe failed: %v", err)
			// Keep the dead subscription; the next iteration retries.
			continue
		}
		log.Printf("gateway resubscribed to bus channel %s", s.busChannel)
		sub = next
	}
}

// dispatchBusEvent routes one inbound broker message to the local multicast
// groups. Game events are re-emitted verbatim to the session room; relayed
// team chat goes to the team room so members connected to other instances
// see it.
func dispatchBusEvent(rooms roomService, payload []byte) {
	var event busEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("gateway: malformed bus event dropped: %v", err)
		return
	}

	eventType := strings.TrimSpace(event.EventType)
	sessionID := strings.TrimSpace(event.SessionID)

	switch eventType {
	case eventClaimHex, eventLoopComplete, eventScoreUpdate, eventMatchEnd:
		if sessionID == "" {
			log.Printf("gateway: bus event %q has no session id, dropped", eventType)
			return
		}
		rooms.broadcastToSession(sessionID, wsFrame{
			Event:   eventType,
			Payload: event.Payload,
		}, nil)
	case eventTeamChat:
		var chat teamChatBusPayload
		if err := json.Unmarshal(event.Payload, &chat); err != nil {
			log.Printf("gateway: malformed team chat bus payload dropped: %v", err)
			return
		}
		teamID := strings.TrimSpace(chat.TeamID)
		if teamID == "" {
			log.Printf("gateway: team chat bus event has no team id, dropped")
			return
		}
		rooms.broadcastToTeam(teamID, wsFrame{
			Event:   eventTeamChatMessage,
			Payload: event.Payload,
		}, nil)
	default:
		log.Printf("gateway: unroutable bus event %q dropped", eventType)
	}
}

func waitBusRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
