package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/hexgame/gateway/internal/services/gateway/broker"
	"github.com/hexgame/gateway/internal/services/gateway/storage"
	"github.com/hexgame/gateway/internal/services/gateway/token"
)

const testSigningSecret = "gateway-test-secret"

type wsTestFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type wsTestErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fakeStore is an in-memory storage.Store with injectable failures.
type fakeStore struct {
	mu           sync.Mutex
	sessions     map[string]storage.Session
	participants map[string]storage.Participant
	locationErr  error
	insertErr    error

	locations []locationWrite
	messages  []storage.ChatMessage
}

type locationWrite struct {
	participantID string
	lat, lng      float64
	at            time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:     make(map[string]storage.Session),
		participants: make(map[string]storage.Participant),
	}
}

func (f *fakeStore) addSession(id string) {
	f.mu.Lock()
	f.sessions[id] = storage.Session{ID: id, Status: "active"}
	f.mu.Unlock()
}

func (f *fakeStore) addParticipant(participant storage.Participant) {
	f.mu.Lock()
	f.participants[participant.SessionID+"|"+participant.UserID] = participant
	f.mu.Unlock()
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (f *fakeStore) GetParticipant(_ context.Context, sessionID, userID string) (storage.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[sessionID+"|"+userID]
	if !ok {
		return storage.Participant{}, storage.ErrNotFound
	}
	return participant, nil
}

func (f *fakeStore) UpdateParticipantLocation(_ context.Context, participantID string, lat, lng float64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locationErr != nil {
		return f.locationErr
	}
	f.locations = append(f.locations, locationWrite{participantID: participantID, lat: lat, lng: lng, at: at})
	return nil
}

func (f *fakeStore) InsertChatMessage(_ context.Context, sessionID, teamID, participantID, text string) (storage.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return storage.ChatMessage{}, f.insertErr
	}
	message := storage.ChatMessage{
		ID:            fmt.Sprintf("msg-%d", len(f.messages)+1),
		SessionID:     sessionID,
		TeamID:        teamID,
		ParticipantID: participantID,
		Message:       text,
		CreatedAt:     time.Now().UTC(),
	}
	f.messages = append(f.messages, message)
	return message, nil
}

func (f *fakeStore) locationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

func (f *fakeStore) lastLocation() (locationWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.locations) == 0 {
		return locationWrite{}, false
	}
	return f.locations[len(f.locations)-1], true
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakePubSub feeds the bus subscriber from an in-memory channel.
type fakePubSub struct {
	mu        sync.Mutex
	published map[string][][]byte
	inbound   chan []byte
	subErr    error
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{
		published: make(map[string][][]byte),
		inbound:   make(chan []byte, 16),
	}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	f.published[channel] = append(f.published[channel], payload)
	f.mu.Unlock()
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, _ string) (broker.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return &fakeSubscription{ch: f.inbound, closed: make(chan struct{})}, nil
}

type fakeSubscription struct {
	ch        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, fmt.Errorf("subscription closed")
	case payload := <-s.ch:
		return payload, nil
	}
}

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeRoomService records broadcasts for bus dispatch tests.
type fakeRoomService struct {
	mu                sync.Mutex
	sessionBroadcasts []recordedBroadcast
	teamBroadcasts    []recordedBroadcast
}

type recordedBroadcast struct {
	id    string
	frame wsFrame
}

func (f *fakeRoomService) joinSession(string, *wsPeer)  {}
func (f *fakeRoomService) leaveSession(string, *wsPeer) {}
func (f *fakeRoomService) joinTeam(string, *wsPeer)     {}
func (f *fakeRoomService) leaveTeam(string, *wsPeer)    {}

func (f *fakeRoomService) broadcastToSession(sessionID string, frame wsFrame, _ *wsPeer) {
	f.mu.Lock()
	f.sessionBroadcasts = append(f.sessionBroadcasts, recordedBroadcast{id: sessionID, frame: frame})
	f.mu.Unlock()
}

func (f *fakeRoomService) broadcastToTeam(teamID string, frame wsFrame, _ *wsPeer) {
	f.mu.Lock()
	f.teamBroadcasts = append(f.teamBroadcasts, recordedBroadcast{id: teamID, frame: frame})
	f.mu.Unlock()
}

func (f *fakeRoomService) sessionBroadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessionBroadcasts)
}

func (f *fakeRoomService) teamBroadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.teamBroadcasts)
}

func newTestGateway(t *testing.T, store storage.Store) (*Server, *httptest.Server) {
	t.Helper()
	return newTestGatewayWithPubSub(t, store, newFakePubSub())
}

func newTestGatewayWithPubSub(t *testing.T, store storage.Store, pubsub broker.PubSub) (*Server, *httptest.Server) {
	t.Helper()

	gateway, err := NewServer(Config{HTTPAddr: ":0"}, mustVerifier(t), store, pubsub)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	srv := httptest.NewServer(gateway.httpServer.Handler)
	t.Cleanup(srv.Close)
	return gateway, srv
}

func signTestToken(t *testing.T, userID, username string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func dialWS(t *testing.T, srv *httptest.Server, accessToken string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSErr(srv, accessToken)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSErr(srv *httptest.Server, accessToken string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(accessToken) != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return websocket.DialConfig(cfg)
}

func dialRawWS(wsURL, origin string) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, err
	}
	return websocket.DialConfig(cfg)
}

func mustVerifier(t *testing.T) *token.Verifier {
	t.Helper()
	verifier, err := token.NewVerifier(testSigningSecret, nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := json.NewEncoder(conn).Encode(wsTestFrame{Event: event, Payload: raw}); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// expectNoFrame asserts that nothing arrives on conn within the window.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(300 * time.Millisecond))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("expected no frame, got %q", got.Event)
	}
	_ = conn.SetDeadline(time.Time{})
}

func decodeErrorPayload(t *testing.T, payload json.RawMessage) wsTestErrorPayload {
	t.Helper()
	var got wsTestErrorPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return got
}

func expectErrorFrame(t *testing.T, conn *websocket.Conn, wantMessage string) {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Event != eventError {
		t.Fatalf("expected error frame, got %q", frame.Event)
	}
	got := decodeErrorPayload(t, frame.Payload)
	if got.Message != wantMessage {
		t.Fatalf("expected error message %q, got %q", wantMessage, got.Message)
	}
}

// joinSession drives a connection through a successful join.
func joinSession(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	writeFrame(t, conn, eventJoinSession, map[string]string{"session_id": sessionID})
	frame := readFrame(t, conn)
	if frame.Event != eventConnectionEstablished {
		t.Fatalf("expected connection_established, got %q", frame.Event)
	}
}

// waitFor polls condition until it holds or the deadline passes.
func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}
