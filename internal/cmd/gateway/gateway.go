// Package gateway parses gateway command flags and composes the realtime
// process: token verifier, SQLite store, Redis broker, and the websocket
// server.
package gateway

import (
	"context"
	"flag"
	"fmt"
	"log"

	entrypoint "github.com/hexgame/gateway/internal/platform/cmd"
	"github.com/hexgame/gateway/internal/platform/timeouts"
	server "github.com/hexgame/gateway/internal/services/gateway/app"
	brokerredis "github.com/hexgame/gateway/internal/services/gateway/broker/redis"
	"github.com/hexgame/gateway/internal/services/gateway/storage/sqlite"
	"github.com/hexgame/gateway/internal/services/gateway/token"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr      string `env:"HEXGAME_GATEWAY_HTTP_ADDR"   envDefault:":8090"`
	WSPath        string `env:"HEXGAME_GATEWAY_WS_PATH"     envDefault:"/ws"`
	AllowedOrigin string `env:"HEXGAME_GATEWAY_CORS_ORIGIN" envDefault:"*"`
	JWTSecret     string `env:"HEXGAME_JWT_SECRET"`
	DBPath        string `env:"HEXGAME_DB_PATH"             envDefault:"gateway.db"`
	RedisAddr     string `env:"HEXGAME_REDIS_ADDR"          envDefault:"localhost:6379"`
	BusChannel    string `env:"HEXGAME_BUS_CHANNEL"         envDefault:"session_events"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "gateway HTTP listen address")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "realtime endpoint path prefix")
	fs.StringVar(&cfg.AllowedOrigin, "cors-origin", cfg.AllowedOrigin, "allowed cross-origin caller")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "session token signing secret")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite datastore path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis broker address")
	fs.StringVar(&cfg.BusChannel, "bus-channel", cfg.BusChannel, "shared broker channel for cross-instance events")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run wires the gateway dependencies and serves until the context ends.
//
// A datastore or broker failure here is fatal: the process exits non-zero
// instead of serving clients it cannot keep consistent.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, func(ctx context.Context) error {
		verifier, err := token.NewVerifier(cfg.JWTSecret, nil)
		if err != nil {
			return fmt.Errorf("init token verifier: %w", err)
		}

		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close datastore: %v", err)
			}
		}()

		dialCtx, cancel := context.WithTimeout(ctx, timeouts.BrokerDial)
		pubsub, err := brokerredis.Open(dialCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer func() {
			if err := pubsub.Close(); err != nil {
				log.Printf("close broker: %v", err)
			}
		}()

		if err := server.Run(ctx, server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			WSPath:        cfg.WSPath,
			AllowedOrigin: cfg.AllowedOrigin,
			BusChannel:    cfg.BusChannel,
		}, verifier, store, pubsub); err != nil {
			return fmt.Errorf("serve gateway: %w", err)
		}
		return nil
	})
}
