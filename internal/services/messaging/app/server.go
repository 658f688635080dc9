// Package app wires the messaging runtime: storage, identity resolution,
// the websocket gateway, the REST surface, and the serve lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/harborlink/harborlink/internal/platform/timeouts"
	"github.com/harborlink/harborlink/internal/services/messaging/api/rest"
	"github.com/harborlink/harborlink/internal/services/messaging/gateway"
	"github.com/harborlink/harborlink/internal/services/messaging/identity"
	"github.com/harborlink/harborlink/internal/services/messaging/rank"
	"github.com/harborlink/harborlink/internal/services/messaging/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config defines the inputs for the messaging process.
type Config struct {
	HTTPAddr string

	// GRPCHealthAddr enables a gRPC health listener when non-empty. The
	// process serves no other gRPC API; the listener exists for probes.
	GRPCHealthAddr string

	DBPath string

	// AuthIntrospectionURL switches identity resolution to the auth
	// service's introspection endpoint. When empty, session tokens are
	// verified locally against the configured public key.
	AuthIntrospectionURL string
	AuthResourceSecret   string

	// Resolver overrides the identity resolver entirely. Used by tests.
	Resolver identity.Resolver

	PingInterval      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the messaging HTTP/websocket process and its storage.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store

	healthListener net.Listener
	grpcServer     *grpc.Server
	health         *health.Server
}

// NewServer builds a configured messaging server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open messaging store: %w", err)
	}

	resolver, err := buildResolver(config)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ranks := rank.NewRegistry(store, nil)
	gw, err := gateway.New(gateway.Options{
		Connections:  store,
		Messages:     store,
		RankMessages: store,
		Resolver:     resolver,
		Ranks:        ranks,
		PingInterval: config.PingInterval,
		IdleTimeout:  config.IdleTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	restHandler, err := rest.New(store, store, resolver, gw.PresenceRegistry())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init rest handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/ws", gw.Handler())
	restHandler.Register(mux)

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		store: store,
	}

	if healthAddr := strings.TrimSpace(config.GRPCHealthAddr); healthAddr != "" {
		listener, err := net.Listen("tcp", healthAddr)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("listen on %s: %w", healthAddr, err)
		}
		grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		server.healthListener = listener
		server.grpcServer = grpcServer
		server.health = healthServer
	}

	return server, nil
}

func buildResolver(config Config) (identity.Resolver, error) {
	if config.Resolver != nil {
		return config.Resolver, nil
	}
	if url := strings.TrimSpace(config.AuthIntrospectionURL); url != "" {
		return identity.NewIntrospectionResolver(url, config.AuthResourceSecret, nil), nil
	}
	tokenConfig, err := identity.LoadTokenConfigFromEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("load session token config: %w", err)
	}
	return identity.NewTokenResolver(tokenConfig), nil
}

// Run creates and serves a messaging server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init messaging server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve messaging: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the gRPC health listener when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("messaging server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 2)
	log.Printf("messaging server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()
	if s.grpcServer != nil {
		log.Printf("messaging health listener on %v", s.healthListener.Addr())
		go func() {
			serveErr <- s.grpcServer.Serve(s.healthListener)
		}()
	}

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) shutdown() error {
	if s.grpcServer != nil {
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	err := s.httpServer.Shutdown(shutdownCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close messaging store: %v", err)
		}
	}
}
