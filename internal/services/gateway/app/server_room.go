package server

import (
	"encoding/json"
	"sync"
)

// wsPeer serializes frame writes to one websocket connection so concurrent
// broadcasts never interleave bytes on the wire.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// roomService is the multicast-group surface the relays and the bus
// dispatcher depend on, so both can be tested against a fake without a real
// transport.
type roomService interface {
	joinSession(sessionID string, peer *wsPeer)
	leaveSession(sessionID string, peer *wsPeer)
	joinTeam(teamID string, peer *wsPeer)
	leaveTeam(teamID string, peer *wsPeer)
	// broadcastToSession delivers frame to every member of the session group
	// except exclude (nil delivers to all members).
	broadcastToSession(sessionID string, frame wsFrame, exclude *wsPeer)
	// broadcastToTeam delivers frame to every member of the team group
	// except exclude (nil delivers to all members).
	broadcastToTeam(teamID string, frame wsFrame, exclude *wsPeer)
}

// roomHub indexes local connections by session and by team. Membership is
// only mutated through join/leave calls from the owning connection's
// goroutine; the mutex guards the maps themselves.
type roomHub struct {
	mu       sync.Mutex
	sessions map[string]map[*wsPeer]struct{}
	teams    map[string]map[*wsPeer]struct{}
}

func newRoomHub() *roomHub {
	return &roomHub{
		sessions: make(map[string]map[*wsPeer]struct{}),
		teams:    make(map[string]map[*wsPeer]struct{}),
	}
}

func (h *roomHub) joinSession(sessionID string, peer *wsPeer) {
	h.join(h.sessions, sessionID, peer)
}

func (h *roomHub) leaveSession(sessionID string, peer *wsPeer) {
	h.leave(h.sessions, sessionID, peer)
}

func (h *roomHub) joinTeam(teamID string, peer *wsPeer) {
	h.join(h.teams, teamID, peer)
}

func (h *roomHub) leaveTeam(teamID string, peer *wsPeer) {
	h.leave(h.teams, teamID, peer)
}

func (h *roomHub) join(groups map[string]map[*wsPeer]struct{}, id string, peer *wsPeer) {
	if id == "" || peer == nil {
		return
	}
	h.mu.Lock()
	group, ok := groups[id]
	if !ok {
		group = make(map[*wsPeer]struct{})
		groups[id] = group
	}
	group[peer] = struct{}{}
	h.mu.Unlock()
}

func (h *roomHub) leave(groups map[string]map[*wsPeer]struct{}, id string, peer *wsPeer) {
	if id == "" || peer == nil {
		return
	}
	h.mu.Lock()
	if group, ok := groups[id]; ok {
		delete(group, peer)
		if len(group) == 0 {
			delete(groups, id)
		}
	}
	h.mu.Unlock()
}

func (h *roomHub) broadcastToSession(sessionID string, frame wsFrame, exclude *wsPeer) {
	h.broadcast(h.sessions, sessionID, frame, exclude)
}

func (h *roomHub) broadcastToTeam(teamID string, frame wsFrame, exclude *wsPeer) {
	h.broadcast(h.teams, teamID, frame, exclude)
}

func (h *roomHub) broadcast(groups map[string]map[*wsPeer]struct{}, id string, frame wsFrame, exclude *wsPeer) {
	if id == "" {
		return
	}
	h.mu.Lock()
	subscribers := make([]*wsPeer, 0, len(groups[id]))
	for subscriber := range groups[id] {
		if subscriber == exclude {
			continue
		}
		subscribers = append(subscribers, subscriber)
	}
	h.mu.Unlock()

	for _, subscriber := range subscribers {
		_ = subscriber.writeFrame(frame)
	}
}
