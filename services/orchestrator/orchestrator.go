// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the BabyNest conversational backend service.
//
// This package builds and runs the HTTP service: it opens the session
// store, connects the knowledge store and web search, builds the model
// gateway, the router and the research pipeline, and registers the gin
// routes.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 8001}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/babynest/services/llm"
	"github.com/AleutianAI/babynest/services/memory"
	"github.com/AleutianAI/babynest/services/orchestrator/middleware"
	"github.com/AleutianAI/babynest/services/orchestrator/observability"
	"github.com/AleutianAI/babynest/services/orchestrator/routes"
	"github.com/AleutianAI/babynest/services/orchestrator/services"
	"github.com/AleutianAI/babynest/services/pipeline"
	"github.com/AleutianAI/babynest/services/retrieval"
	"github.com/AleutianAI/babynest/services/routing"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Thread Safety
//
// Run blocks and is called once. Router is safe to call at any time.
type Service interface {
	// Run serves HTTP until SIGINT/SIGTERM or a server error, then shuts
	// down gracefully and releases every resource.
	Run() error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Run calls it on exit.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Session store kinds.
const (
	StoreBadger = "badger"
	StoreRedis  = "redis"
	// StoreMemory is an in-memory badger database, lost on exit.
	StoreMemory = "memory"
)

// StdoutTraces as OTelEndpoint prints spans to stdout instead of
// exporting them.
const StdoutTraces = "stdout"

// NoFallback disables the fallback backend.
const NoFallback = "none"

const serviceName = "babynest-orchestrator"

// Config holds orchestrator configuration. Zero values take the defaults
// applied by New.
type Config struct {
	// Port is the HTTP server port. Default: 8001
	Port int

	// GinMode is "debug", "release" or "test". Default: gin's own.
	GinMode string

	// TrustedProxies may set X-Forwarded-For. Default: none, so the rate
	// limit keys on the TCP peer.
	TrustedProxies []string

	// LLMPrimaryBackend answers first. Default: "groq"
	LLMPrimaryBackend string

	// LLMFallbackBackend gets one attempt when the primary fails.
	// Default: "gemini". NoFallback disables it.
	LLMFallbackBackend string

	// LLMTimeout bounds each backend attempt. Default: 60s
	LLMTimeout time.Duration

	// LLMBackends overrides per-backend settings by name. Backends not
	// listed read their environment variables.
	LLMBackends map[string]llm.ClientConfig

	// WeaviateURL is the knowledge store. Empty disables document search
	// and session archiving.
	WeaviateURL string

	// EmbeddingServiceURL enables vector search. Empty means BM25.
	EmbeddingServiceURL string

	// TavilyAPIKey selects Tavily for web search, with DuckDuckGo as the
	// fallback. Empty means DuckDuckGo only.
	TavilyAPIKey string

	// SessionStore is StoreBadger, StoreRedis or StoreMemory.
	// Default: StoreBadger
	SessionStore string

	// BadgerPath is the badger directory. Default: "./data/sessions"
	BadgerPath string

	RedisAddr     string
	RedisPassword string

	// SessionTTL is the idle session expiry. Default: 24h
	SessionTTL time.Duration

	// OTelEndpoint is the OTLP gRPC collector, or StdoutTraces. Empty
	// disables tracing export.
	OTelEndpoint string

	// N8NWebhookURL receives forwarded webhook and onboarding payloads.
	N8NWebhookURL string

	// PipelineConfigDir overrides the embedded agents.yaml/tasks.yaml. The
	// directory is watched and the pipeline rebuilt when either file changes.
	PipelineConfigDir string

	// PipelineMaxConcurrency above 1 lets independent tasks overlap.
	PipelineMaxConcurrency int

	// PipelineTaskTimeout bounds each pipeline task. Zero means no bound.
	PipelineTaskTimeout time.Duration

	// RateLimitPerMinute is the per-client budget on /api. Default: 5
	RateLimitPerMinute int

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	config        Config
	router        *gin.Engine
	metrics       *observability.Metrics
	store         memory.Store
	gateway       *llm.Gateway
	backends      map[string]llm.LLMClient
	index         retrieval.DocumentIndex
	embedder      retrieval.Embedder
	retriever     *retrieval.Retriever
	classifier    *routing.Router
	pipelines     *pipeline.Reloader
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New builds the orchestrator.
//
// # Description
//
// Initialization order:
//  1. Defaults, then tracing (only when OTelEndpoint is set)
//  2. Prometheus metrics, with OTel instruments bridged into the same
//     registry
//  3. Session store (badger, redis or in-memory)
//  4. Knowledge store and web search (optional)
//  5. Model gateway (primary + fallback)
//  6. Router and research pipeline, validated against the configured
//     backends and tools, plus the config watcher when PipelineConfigDir
//     is set
//  7. HTTP routes
//
// Any failure releases what was already opened.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: A required dependency could not be built.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	ctx := context.Background()

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.metrics = observability.InitMetrics()
	if err := initMeter(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.initStore(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	s.initRetrieval(ctx)

	if err := s.initLLM(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize LLM backends: %w", err)
	}

	if err := s.initPipeline(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize research pipeline: %w", err)
	}

	if err := s.initRouter(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize HTTP router: %w", err)
	}
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until a termination signal, then drains in-flight requests.
func (s *service) Run() error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down orchestrator server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the pipeline config watcher, releases the session store and
// flushes traces.
func (s *service) Close() {
	if s.pipelines != nil {
		if err := s.pipelines.Close(); err != nil {
			slog.Warn("Pipeline config watcher close error", "error", err)
		}
		s.pipelines = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Session store close error", "error", err)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8001
	}
	if cfg.LLMPrimaryBackend == "" {
		cfg.LLMPrimaryBackend = llm.BackendGroq
	}
	if cfg.LLMFallbackBackend == "" {
		cfg.LLMFallbackBackend = llm.BackendGemini
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if cfg.SessionStore == "" {
		cfg.SessionStore = StoreBadger
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data/sessions"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = memory.DefaultTTL
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = middleware.DefaultRequestsPerMinute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	cfg.LLMPrimaryBackend = strings.ToLower(strings.TrimSpace(cfg.LLMPrimaryBackend))
	cfg.LLMFallbackBackend = strings.ToLower(strings.TrimSpace(cfg.LLMFallbackBackend))
	return cfg
}

// knownBackends are the names llm.NewClient accepts.
var knownBackends = []string{llm.BackendGroq, llm.BackendOpenAI, llm.BackendGemini, llm.BackendOllama}

// CheckConfig validates cfg without opening any store or calling any
// backend.
//
// # Description
//
// Checks the session store kind, the primary and fallback backend names,
// and the pipeline agent/task config (loaded from PipelineConfigDir or the
// embedded default) against the known backends and tools. Credentials are
// not checked.
//
// # Outputs
//
//   - error: The first problem found, or nil.
func CheckConfig(cfg Config) error {
	cfg = applyConfigDefaults(cfg)

	switch cfg.SessionStore {
	case StoreBadger, StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return errors.New("session store redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown session store %q (want %s, %s or %s)",
			cfg.SessionStore, StoreBadger, StoreRedis, StoreMemory)
	}

	if !slices.Contains(knownBackends, cfg.LLMPrimaryBackend) {
		return fmt.Errorf("unknown primary backend %q", cfg.LLMPrimaryBackend)
	}
	if cfg.LLMFallbackBackend != NoFallback && !slices.Contains(knownBackends, cfg.LLMFallbackBackend) {
		return fmt.Errorf("unknown fallback backend %q", cfg.LLMFallbackBackend)
	}

	pcfg, err := pipeline.LoadConfig(cfg.PipelineConfigDir)
	if err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	return pcfg.Validate(knownBackends, []string{pipeline.ToolSearchDocuments, pipeline.ToolSearchWeb})
}

// initTracer installs an OTLP trace exporter when an endpoint is set.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if s.config.OTelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, traces are not exported")
		return nil, nil
	}

	var (
		traceExporter sdktrace.SpanExporter
		conn          *grpc.ClientConn
		err           error
	)
	if s.config.OTelEndpoint == StdoutTraces {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		conn, err = grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		traceExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := serviceResource(ctx)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(traceProvider)

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if conn != nil {
			_ = conn.Close()
		}
	}
	slog.Info("Exporting traces", "endpoint", s.config.OTelEndpoint)
	return cleanup, nil
}

func serviceResource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

var (
	meterOnce sync.Once
	meterErr  error
)

// initMeter exports OTel instruments, such as the pipeline executor's,
// through the default Prometheus registry served on /metrics. The
// exporter registers once per process.
func initMeter(ctx context.Context) error {
	meterOnce.Do(func() {
		exporter, err := otelprom.New()
		if err != nil {
			meterErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}
		res, err := serviceResource(ctx)
		if err != nil {
			meterErr = err
			return
		}
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		))
	})
	return meterErr
}

// initStore opens the session store.
func (s *service) initStore(ctx context.Context) error {
	opts := memory.Options{TTL: s.config.SessionTTL}

	switch s.config.SessionStore {
	case StoreBadger:
		cfg := memory.DefaultBadgerConfig(s.config.BadgerPath)
		cfg.Options = opts
		cfg.Logger = slog.Default().With("component", "badger")
		store, err := memory.OpenBadgerStore(cfg)
		if err != nil {
			return err
		}
		s.store = store
	case StoreMemory:
		cfg := memory.InMemoryBadgerConfig()
		cfg.Options = opts
		store, err := memory.OpenBadgerStore(cfg)
		if err != nil {
			return err
		}
		s.store = store
	case StoreRedis:
		store, err := memory.NewRedisStore(ctx, memory.RedisConfig{
			Addr:     s.config.RedisAddr,
			Password: s.config.RedisPassword,
			Options:  opts,
		})
		if err != nil {
			return err
		}
		s.store = store
	default:
		return fmt.Errorf("unknown session store %q (want %s, %s or %s)",
			s.config.SessionStore, StoreBadger, StoreRedis, StoreMemory)
	}
	slog.Info("Session store ready", "store", s.config.SessionStore, "ttl", s.config.SessionTTL.String())
	return nil
}

// initRetrieval connects the knowledge store and web search. Neither is
// required: without weaviate, document search answers "" and session
// archiving fails with retrieval.ErrStoreNotConfigured.
func (s *service) initRetrieval(ctx context.Context) {
	if s.config.WeaviateURL != "" {
		client, err := retrieval.NewWeaviateClient(s.config.WeaviateURL)
		if err != nil {
			slog.Warn("Weaviate initialization failed, document search disabled", "error", err)
		} else {
			index := retrieval.NewWeaviateIndex(client)
			if err := index.EnsureSchema(ctx); err != nil {
				slog.Warn("Failed to ensure weaviate schema", "error", err)
			}
			s.index = index
			slog.Info("Weaviate client initialized", "url", s.config.WeaviateURL)
		}
	} else {
		slog.Info("Weaviate URL not configured, document search disabled")
	}

	if s.config.EmbeddingServiceURL != "" {
		s.embedder = retrieval.NewHTTPEmbedder(s.config.EmbeddingServiceURL)
	}

	var web retrieval.WebSearcher = retrieval.NewDuckDuckGoSearcher()
	if s.config.TavilyAPIKey != "" {
		web = retrieval.ChainSearcher{retrieval.NewTavilySearcher(s.config.TavilyAPIKey), web}
	}
	slog.Info("Web search ready", "tavily_present", s.config.TavilyAPIKey != "")

	s.retriever = retrieval.NewRetriever(s.index, s.embedder, web, retrieval.Config{})
}

// initLLM builds the primary and fallback backends and the gateway.
func (s *service) initLLM(ctx context.Context) error {
	s.backends = make(map[string]llm.LLMClient)

	primary, err := s.backend(ctx, s.config.LLMPrimaryBackend)
	if err != nil {
		return fmt.Errorf("primary backend %q: %w", s.config.LLMPrimaryBackend, err)
	}

	var fallback *llm.Backend
	if s.config.LLMFallbackBackend != NoFallback && s.config.LLMFallbackBackend != s.config.LLMPrimaryBackend {
		client, err := s.backend(ctx, s.config.LLMFallbackBackend)
		if err != nil {
			slog.Warn("Fallback backend unavailable, running without fallback",
				"backend", s.config.LLMFallbackBackend,
				"error", err)
		} else {
			fallback = &llm.Backend{Name: s.config.LLMFallbackBackend, Client: client}
		}
	}

	s.gateway = llm.NewGateway(
		llm.Backend{Name: s.config.LLMPrimaryBackend, Client: primary},
		fallback,
		llm.WithCallTimeout(s.config.LLMTimeout),
		llm.WithFallbackObserver(s.metrics.RecordFallback),
	)
	slog.Info("Model gateway ready",
		"primary", s.config.LLMPrimaryBackend,
		"fallback", fallback != nil)
	return nil
}

// backend returns the named client, building it on first use.
func (s *service) backend(ctx context.Context, name string) (llm.LLMClient, error) {
	if c, ok := s.backends[name]; ok {
		return c, nil
	}
	cfg, ok := s.config.LLMBackends[name]
	if !ok {
		cfg = llm.ClientConfig{}
	}
	cfg.Backend = name
	if cfg.Timeout == 0 {
		cfg.Timeout = s.config.LLMTimeout
	}
	client, err := llm.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.backends[name] = client
	return client, nil
}

// initPipeline builds the router and the research pipeline. With a
// PipelineConfigDir the pipeline is rebuilt whenever agents.yaml or
// tasks.yaml change; a change that does not validate is logged and the
// running pipeline stays in place.
func (s *service) initPipeline(ctx context.Context) error {
	var err error
	s.pipelines, err = pipeline.NewReloader(s.config.PipelineConfigDir, func(cfg *pipeline.Config) (*pipeline.Pipeline, error) {
		return s.buildPipeline(ctx, cfg)
	})
	if err != nil {
		return err
	}
	s.pipelines.OnReload = s.metrics.RecordPipelineReload
	if err := s.pipelines.Watch(ctx); err != nil {
		return err
	}

	s.classifier, err = routing.NewRouter(s.gateway, s.gateway.PrimaryName(), nil)
	if err != nil {
		return err
	}
	slog.Info("Research pipeline ready", "tasks", len(s.pipelines.Current().Tasks()))
	return nil
}

// buildPipeline validates cfg and builds a pipeline from it. Agents
// without a backend use the gateway; agents naming one call that backend
// directly.
func (s *service) buildPipeline(ctx context.Context, cfg *pipeline.Config) (*pipeline.Pipeline, error) {
	models := pipeline.Models{Default: s.gateway, Backends: map[string]llm.LLMClient{}}
	for _, a := range cfg.Agents {
		if a.Backend == "" {
			continue
		}
		client, err := s.backend(ctx, a.Backend)
		if err != nil {
			return nil, fmt.Errorf("agent %q backend %q: %w", a.Name, a.Backend, err)
		}
		models.Backends[a.Backend] = client
	}

	tools := []pipeline.Tool{
		pipeline.NewDocumentSearchTool(s.retriever),
		pipeline.NewWebSearchTool(s.retriever),
	}
	return pipeline.NewFromConfig(cfg, models, tools, pipeline.Options{
		MaxConcurrency: s.config.PipelineMaxConcurrency,
		TaskTimeout:    s.config.PipelineTaskTimeout,
		Observer:       s.metrics.RecordStage,
	})
}

// initRouter wires the services into the gin routes.
func (s *service) initRouter() error {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	simple, err := services.NewSimpleChat(s.store, s.retriever, s.gateway)
	if err != nil {
		return err
	}
	chat, err := services.NewChatService(s.store, s.classifier, simple, s.pipelines, s.metrics)
	if err != nil {
		return err
	}
	sessions, err := services.NewSessionService(s.store, s.gateway,
		retrieval.NewArchiver(s.index, s.embedder), s.metrics)
	if err != nil {
		return err
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger(), otelgin.Middleware(serviceName))
	if err := s.router.SetTrustedProxies(s.config.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	routes.SetupRoutes(s.router, routes.Dependencies{
		Chat:        chat,
		Sessions:    sessions,
		Webhook:     services.NewWebhookForwarder(s.config.N8NWebhookURL, 10*time.Second),
		RateLimiter: middleware.NewRateLimiter(s.config.RateLimitPerMinute),
		CORS:        middleware.DefaultCORSConfig(),
		Metrics:     s.metrics,
	})
	return nil
}

// requestLogger logs one slog line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
