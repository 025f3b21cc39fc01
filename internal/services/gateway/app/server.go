// Package server hosts the realtime gateway: websocket admission, session
// rooms, location/chat relays, and the cross-instance event bus subscriber.
//
// The process is transport and fan-out only; game rules, membership
// provisioning, and event production belong to the external backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/hexgame/gateway/internal/platform/errors"
	"github.com/hexgame/gateway/internal/platform/timeouts"
	"github.com/hexgame/gateway/internal/services/gateway/broker"
	"github.com/hexgame/gateway/internal/services/gateway/storage"
	"github.com/hexgame/gateway/internal/services/gateway/token"
)

const defaultPersistTimeout = 5 * time.Second

// Config defines the inputs for the gateway transport boundary.
type Config struct {
	HTTPAddr          string
	WSPath            string
	AllowedOrigin     string
	BusChannel        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the gateway HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	persistTimeout  time.Duration
	httpServer      *http.Server

	verifier   *token.Verifier
	store      storage.Store
	pubsub     broker.PubSub
	busChannel string

	rooms roomService
	now   func() time.Time

	// relayWrites tracks asynchronous persistence writes so shutdown can
	// drain them before the store is closed.
	relayWrites sync.WaitGroup
}

// wsIdentityContextKey carries the verified identity from the handshake into
// the websocket handler.
type wsIdentityContextKey struct{}

// NewServer builds a configured gateway server.
func NewServer(config Config, verifier *token.Verifier, store storage.Store, pubsub broker.PubSub) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if pubsub == nil {
		return nil, errors.New("broker is required")
	}
	wsPath := strings.TrimSpace(config.WSPath)
	if wsPath == "" {
		wsPath = "/ws"
	}
	busChannel := strings.TrimSpace(config.BusChannel)
	if busChannel == "" {
		busChannel = "session_events"
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	s := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		persistTimeout:  defaultPersistTimeout,
		verifier:        verifier,
		store:           store,
		pubsub:          pubsub,
		busChannel:      busChannel,
		rooms:           newRoomHub(),
		now:             time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.newHandler(wsPath, strings.TrimSpace(config.AllowedOrigin)),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) newHandler(wsPath string, allowedOrigin string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"gateway"}`))
	})

	wsServer := websocket.Server{
		Handshake: func(config *websocket.Config, r *http.Request) error {
			return checkOrigin(config, r, allowedOrigin)
		},
		Handler: s.handleWSConn,
	}

	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		accessToken := accessTokenFromRequest(r)
		identity, err := s.verifier.Verify(accessToken)
		if err != nil {
			log.Printf("gateway: websocket unauthorized remote=%s code=%s err=%v", r.RemoteAddr, apperrors.CodeOf(err), err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, identity)
		wsServer.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

// accessTokenFromRequest extracts the bearer token from the Authorization
// header or, for clients that cannot set headers during the upgrade, from
// the token query parameter.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// checkOrigin enforces the configured allowed origin during the handshake.
// Non-browser clients send no Origin header and are always admitted.
func checkOrigin(config *websocket.Config, r *http.Request, allowedOrigin string) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || allowedOrigin == "" || allowedOrigin == "*" {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	config.Origin = parsed
	if origin != allowedOrigin {
		return fmt.Errorf("origin %q is not allowed", origin)
	}
	return nil
}

// Run creates and serves a gateway server until the context ends.
func Run(ctx context.Context, config Config, verifier *token.Verifier, store storage.Store, pubsub broker.PubSub) error {
	server, err := NewServer(config, verifier, store, pubsub)
	if err != nil {
		return fmt.Errorf("init gateway server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

// ListenAndServe subscribes to the shared bus channel and runs the HTTP
// server until the context ends.
//
// Shutdown order matters: stop accepting connections, drain in-flight relay
// writes, then stop the bus subscriber, so no broadcast is lost because the
// broker subscription closed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("gateway server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := s.pubsub.Subscribe(ctx, s.busChannel)
	if err != nil {
		return fmt.Errorf("subscribe to bus channel %s: %w", s.busChannel, err)
	}
	log.Printf("gateway subscribed to bus channel %s", s.busChannel)

	busCtx, stopBus := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		s.runBus(busCtx, sub)
	}()
	stop := func() {
		s.relayWrites.Wait()
		stopBus()
		<-busDone
	}

	serveErr := make(chan error, 1)
	log.Printf("gateway server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		stop()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
