// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the chat completion service.
//
// This package wires the HTTP routes, the upstream Gemini client, the
// conversation store, the session cache and the observability stack
// into one Service with a graceful lifecycle.
//
// # Extension Points
//
// New accepts extensions.ServiceOptions. Any collaborator left nil is
// derived from Config:
//   - AuthProvider: JWT when JWTSecret is set, no-op when AuthDisabled
//   - SessionTokens: the configured conversation store
//   - AuditLogger: structured log records
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("chat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
)

const serviceName = "chat-service"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the chat service.
//
// # Thread Safety
//
// Router may be called concurrently. Run blocks and should only be
// called once per instance.
type Service interface {
	// Run serves HTTP until ctx is canceled or the listener fails.
	//
	// # Description
	//
	// On cancellation the server stops accepting connections, lets
	// in-flight streams drain for up to Config.ShutdownTimeout, waits for
	// post-completion persistence, then releases the store, tracer and
	// locked memory.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown times out
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// chatStore is a conversation store that can also resolve session cookies.
type chatStore interface {
	store.ConversationStore
	extensions.SessionTokenStore
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New
// returns.
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	llmClient     llm.StreamClient
	conversations chatStore
	pool          *pgxpool.Pool
	sessions      *ttl.SessionStore
	completion    *handlers.CompletionHandler
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a chat Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing when an endpoint is set
//  3. Creates a private Prometheus registry and the service metrics
//  4. Creates the Gemini client
//  5. Opens the Postgres store, or an in-memory one
//  6. Resolves the identity and audit collaborators
//  7. Builds the completion handler and registers routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options. May be nil; nil fields are derived from cfg.
//
// # Outputs
//
//   - Service: Ready-to-run service
//   - error: Non-nil if configuration is incomplete or a dependency is
//     unreachable
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if opts != nil {
		s.opts = *opts
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := s.initExtensions(); err != nil {
		s.cleanup()
		return nil, err
	}

	if err := s.initRouter(); err != nil {
		s.cleanup()
		return nil, err
	}

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run listens on the configured port and serves until ctx is done.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		s.cleanup()
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}
	return s.serve(ctx, ln)
}

// serve runs the HTTP server on ln. It owns ln and always runs cleanup.
func (s *service) serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting chat server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down chat server", "timeout", s.config.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.completion.Wait()
	slog.Info("Chat server stopped")
	return err
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter when OTelEndpoint is configured. With
// no endpoint the global no-op provider stays in place and spans cost
// nothing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	if s.config.OTelEndpoint == "" {
		slog.Info("OTel endpoint not configured, tracing export disabled")
		return nil, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}
	slog.Info("Tracing enabled", "endpoint", s.config.OTelEndpoint)
	return cleanup, nil
}

// initLLMClient creates the upstream Gemini client.
func (s *service) initLLMClient() error {
	client, err := llm.NewGeminiClient(llm.GeminiConfig{
		BaseURL:           s.config.GeminiBaseURL,
		APIKey:            s.config.GeminiAPIKey,
		Model:             s.config.GeminiModel,
		FallbackModel:     s.config.GeminiFallbackModel,
		Retry:             llm.DefaultRetryConfig(),
		RequestsPerSecond: s.config.UpstreamRPS,
		Observer:          s.metrics,
	})
	if err != nil {
		return err
	}
	s.llmClient = client
	slog.Info("Using Gemini backend",
		"model", client.Model(),
		"fallback_model", s.config.GeminiFallbackModel)
	return nil
}

// initStore opens Postgres when DatabaseURL is set and falls back to the
// in-memory store otherwise.
func (s *service) initStore() error {
	if s.config.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, conversations are kept in memory")
		s.conversations = store.NewMemoryStore()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := store.NewPool(ctx, s.config.DatabaseURL)
	if err != nil {
		return err
	}
	pg, err := store.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	s.conversations = pg
	return nil
}

// initExtensions fills the collaborators opts left nil.
func (s *service) initExtensions() error {
	if s.opts.AuthProvider == nil {
		switch {
		case s.config.JWTSecret != "":
			provider, err := extensions.NewJWTAuthProvider(s.config.JWTSecret, s.config.JWTIssuer)
			if err != nil {
				return fmt.Errorf("failed to initialize auth provider: %w", err)
			}
			s.opts.AuthProvider = provider
		case s.config.AuthDisabled:
			slog.Warn("Authentication disabled, all requests run as the local user")
			s.opts.AuthProvider = &extensions.NopAuthProvider{}
		default:
			return errors.New("no identity source: set JWT_SECRET or AUTH_DISABLED=true")
		}
	}
	if s.opts.SessionTokens == nil {
		s.opts.SessionTokens = s.conversations
	}
	if s.opts.AuditLogger == nil {
		s.opts.AuditLogger = &extensions.SlogAuditLogger{Logger: slog.Default().With("component", "audit")}
	}
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() error {
	mode, err := handlers.ParseAccumulatorMode(s.config.AccumulatorMode)
	if err != nil {
		return err
	}
	factory, err := handlers.NewAccumulatorFactory(mode, s.config.MaxAnswerBytes)
	if err != nil {
		return fmt.Errorf("failed to initialize accumulator: %w", err)
	}

	s.sessions = ttl.NewSessionStore(ttl.WithTTL(s.config.SessionTTL))
	s.completion = handlers.NewCompletionHandler(
		s.llmClient,
		s.conversations,
		s.sessions,
		handlers.NewStreamRelay(factory),
		s.metrics,
		s.opts,
	)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, routes.Dependencies{
		Completion:     s.completion,
		Sessions:       s.sessions,
		Resolver:       middleware.NewIdentityResolver(s.opts.AuthProvider, s.opts.SessionTokens, s.config.SessionCookieName),
		Metrics:        s.metrics,
		Gatherer:       s.registry,
		AllowedOrigins: s.config.CORSAllowedOrigins,
	})
	return nil
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	handlers.PurgeLockedMemory()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
