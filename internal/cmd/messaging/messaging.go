// Package messaging parses messaging command flags and composes the service entrypoint.
package messaging

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/harborlink/harborlink/internal/platform/cmd"
	server "github.com/harborlink/harborlink/internal/services/messaging/app"
)

// Config holds messaging command configuration.
type Config struct {
	HTTPAddr             string        `env:"HARBORLINK_MESSAGING_HTTP_ADDR"      envDefault:":8087"`
	GRPCHealthAddr       string        `env:"HARBORLINK_MESSAGING_HEALTH_ADDR"`
	DBPath               string        `env:"HARBORLINK_MESSAGING_DB_PATH"        envDefault:"data/messaging.db"`
	AuthIntrospectionURL string        `env:"HARBORLINK_AUTH_INTROSPECTION_URL"`
	AuthResourceSecret   string        `env:"HARBORLINK_AUTH_RESOURCE_SECRET"`
	PingInterval         time.Duration `env:"HARBORLINK_MESSAGING_PING_INTERVAL"`
	IdleTimeout          time.Duration `env:"HARBORLINK_MESSAGING_IDLE_TIMEOUT"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "messaging HTTP listen address")
	fs.StringVar(&cfg.GRPCHealthAddr, "health-addr", cfg.GRPCHealthAddr, "gRPC health listen address (disabled when empty)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "messaging SQLite database path")
	fs.StringVar(&cfg.AuthIntrospectionURL, "auth-introspection-url", cfg.AuthIntrospectionURL, "auth introspection endpoint (local token verification when empty)")
	fs.StringVar(&cfg.AuthResourceSecret, "auth-resource-secret", cfg.AuthResourceSecret, "auth introspection resource secret")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "websocket heartbeat interval")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle close window")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the messaging app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMessaging, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:             cfg.HTTPAddr,
			GRPCHealthAddr:       cfg.GRPCHealthAddr,
			DBPath:               cfg.DBPath,
			AuthIntrospectionURL: cfg.AuthIntrospectionURL,
			AuthResourceSecret:   cfg.AuthResourceSecret,
			PingInterval:         cfg.PingInterval,
			IdleTimeout:          cfg.IdleTimeout,
		}); err != nil {
			return fmt.Errorf("serve messaging: %w", err)
		}
		return nil
	})
}
