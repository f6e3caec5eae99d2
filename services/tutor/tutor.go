// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tutor assembles the Socratic tutor chat service.
//
// The Service wires the message store, the model gateway, the stream relay
// and the HTTP surface together and runs them until its context ends.
//
// # Usage
//
// Open source (bearer tokens checked against auth.secret when set):
//
//	svc, err := tutor.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = svc.Run(ctx)
//
// With injected providers:
//
//	opts := extensions.DefaultOptions().WithAuth(myAuth)
//	svc, err := tutor.New(cfg, &opts)
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/llm"
	"github.com/AleutianAI/AleutianTutor/services/tutor/handlers"
	"github.com/AleutianAI/AleutianTutor/services/tutor/middleware"
	"github.com/AleutianAI/AleutianTutor/services/tutor/observability"
	"github.com/AleutianAI/AleutianTutor/services/tutor/policy"
	"github.com/AleutianAI/AleutianTutor/services/tutor/relay"
	"github.com/AleutianAI/AleutianTutor/services/tutor/resumable"
	"github.com/AleutianAI/AleutianTutor/services/tutor/routes"
	"github.com/AleutianAI/AleutianTutor/services/tutor/store"
)

// =============================================================================
// Configuration
// =============================================================================

// Auth modes.
const (
	AuthModeJWT  = "jwt"
	AuthModeNone = "none"
)

// AuthConfig selects how bearer tokens are checked.
type AuthConfig struct {
	// Mode is "jwt" or "none". Empty selects jwt when Secret is set.
	Mode string `yaml:"mode"`

	// Secret is the HS256 signing key. Never written to the config file;
	// it comes from JWT_SECRET.
	Secret string `yaml:"-"`

	// Issuer is the required "iss" claim. Default: aleutian-tutor.
	Issuer string `yaml:"issuer"`
}

// GenerationConfig are the sampling parameters sent with every turn.
type GenerationConfig struct {
	Temperature *float32 `yaml:"temperature,omitempty"`
	TopP        *float32 `yaml:"top_p,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
}

func (g GenerationConfig) params() llm.GenerationParams {
	return llm.GenerationParams{Temperature: g.Temperature, TopP: g.TopP, MaxTokens: g.MaxTokens}
}

// Config holds the tutor service configuration.
//
// # Description
//
// Every field is optional; applyConfigDefaults fills zero values field by
// field. Boolean switches (resumable.enabled, accumulator.secure) keep the
// value they were given, so callers wanting them on start from
// DefaultConfig.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	GinMode    string `yaml:"gin_mode"`

	LLM        llm.Config       `yaml:"llm"`
	Generation GenerationConfig `yaml:"generation"`
	Store      store.Config     `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`

	// Models maps the model ids clients may select to backend model names.
	// An empty name uses the backend's configured model. When empty, only
	// the backend's own model id is accepted.
	Models map[string]string `yaml:"models,omitempty"`

	Entitlements relay.Entitlements      `yaml:"entitlements"`
	Titles       relay.TitleConfig       `yaml:"titles"`
	SystemPrompt string                  `yaml:"system_prompt,omitempty"`
	Accumulator  relay.AccumulatorConfig `yaml:"accumulator"`
	Resumable    resumable.Config        `yaml:"resumable"`
	Policy       policy.Config           `yaml:"policy"`

	HeartbeatInterval time.Duration             `yaml:"heartbeat_interval"`
	Throttle          middleware.ThrottleConfig `yaml:"throttle"`
	ShutdownTimeout   time.Duration             `yaml:"shutdown_timeout"`

	// OTelEndpoint is the OTLP/gRPC collector. Empty disables export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// AuditLog writes chat and message changes to the structured log.
	AuditLog bool `yaml:"audit_log"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{
		Resumable:   resumable.DefaultConfig(),
		Accumulator: relay.DefaultAccumulatorConfig(),
	})
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":12230"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = llm.BackendOllama
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = store.BackendBadger
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModeNone
		if cfg.Auth.Secret != "" {
			cfg.Auth.Mode = AuthModeJWT
		}
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = extensions.DefaultTokenIssuer
	}
	if len(cfg.Entitlements) == 0 {
		cfg.Entitlements = relay.DefaultEntitlements()
	}
	if cfg.Titles.Mode == "" {
		cfg.Titles.Mode = relay.TitleModeFixed
	}
	if cfg.Accumulator.BufferSize == 0 {
		cfg.Accumulator.BufferSize = relay.DefaultAccumulatorConfig().BufferSize
	}
	defaultPolicy := policy.DefaultConfig()
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = defaultPolicy.Mode
	}
	if cfg.Policy.MinConfidence == "" {
		cfg.Policy.MinConfidence = defaultPolicy.MinConfidence
	}
	defaultResumable := resumable.DefaultConfig()
	if cfg.Resumable.MaxStreams == 0 {
		cfg.Resumable.MaxStreams = defaultResumable.MaxStreams
	}
	if cfg.Resumable.Retention == 0 {
		cfg.Resumable.Retention = defaultResumable.Retention
	}
	if cfg.Resumable.MaxBufferBytes == 0 {
		cfg.Resumable.MaxBufferBytes = defaultResumable.MaxBufferBytes
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = handlers.DefaultHeartbeatInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Option overrides a component New would otherwise build from Config.
type Option func(*Service)

// WithStore uses st instead of opening cfg.Store. The caller keeps
// ownership; Close does not close it.
func WithStore(st store.MessageStore) Option {
	return func(s *Service) { s.store, s.ownsStore = st, false }
}

// WithGateway uses gw instead of building cfg.LLM.
func WithGateway(gw llm.LLMClient) Option {
	return func(s *Service) { s.gateway = gw }
}

// WithRegistry records metrics into reg and serves them from /metrics
// instead of the process-wide registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Service) { s.promRegistry = reg }
}

// Service is the running tutor.
type Service struct {
	cfg  Config
	opts extensions.ServiceOptions

	store     store.MessageStore
	ownsStore bool
	gateway   llm.LLMClient
	relay     *relay.Relay
	router    *gin.Engine

	promRegistry   *prometheus.Registry
	metrics        *observability.StreamingMetrics
	shutdownTracer observability.ShutdownFunc
}

// New builds the service from cfg. opts may be nil.
//
// # Description
//
// Components are initialised in dependency order: tracing, metrics,
// store, gateway, relay, router. Any failure closes what was already
// opened.
func New(cfg Config, opts *extensions.ServiceOptions, options ...Option) (*Service, error) {
	s := &Service{cfg: applyConfigDefaults(cfg), ownsStore: true}
	for _, o := range options {
		o(s)
	}

	var err error
	if s.opts, err = s.serviceOptions(opts); err != nil {
		return nil, err
	}

	s.shutdownTracer, err = observability.InitTracer(context.Background(), s.cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	if s.promRegistry != nil {
		s.metrics = observability.NewStreamingMetrics(s.promRegistry)
	} else {
		s.metrics = observability.InitMetrics()
	}

	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	var err error
	if s.store == nil {
		if s.store, err = store.Open(s.cfg.Store); err != nil {
			return fmt.Errorf("failed to open message store: %w", err)
		}
		slog.Info("Message store opened", "backend", s.cfg.Store.Backend, "path", s.cfg.Store.Path)
	}
	if s.gateway == nil {
		if s.gateway, err = llm.NewClient(s.cfg.LLM); err != nil {
			return fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		slog.Info("Model gateway ready", "backend", s.cfg.LLM.Backend, "model", s.gateway.Model())
	}

	titles, err := relay.NewTitleGenerator(s.cfg.Titles, s.gateway)
	if err != nil {
		return err
	}
	prompts, err := relay.NewPromptBuilder(s.cfg.SystemPrompt)
	if err != nil {
		return err
	}

	screen, err := policy.New(s.cfg.Policy)
	if err != nil {
		return err
	}

	resumable.Configure(s.cfg.Resumable)

	s.relay, err = relay.New(relay.Options{
		Store:        s.store,
		Gateway:      s.gateway,
		Titles:       titles,
		Entitlements: s.cfg.Entitlements,
		Prompts:      prompts,
		Registry:     relay.DefaultRegistry,
		Accumulators: relay.NewAccumulatorFactory(s.cfg.Accumulator),
		Metrics:      s.metrics,
		Audit:        s.opts.AuditLogger,
		Policy:       screen,
		Params:       s.cfg.Generation.params(),
		Models:       s.cfg.Models,
	})
	if err != nil {
		return err
	}

	s.initRouter()
	return nil
}

// serviceOptions resolves the auth provider and audit logger. Injected
// options win over the config.
func (s *Service) serviceOptions(opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	var out extensions.ServiceOptions
	if opts != nil {
		out = *opts
	}
	if out.AuthProvider == nil {
		switch s.cfg.Auth.Mode {
		case AuthModeJWT:
			provider, err := extensions.NewJWTAuthProvider(s.cfg.Auth.Secret, s.cfg.Auth.Issuer)
			if err != nil {
				return out, fmt.Errorf("failed to initialize auth: %w", err)
			}
			out.AuthProvider = provider
		case AuthModeNone:
			slog.Warn("Authentication disabled, every request is the local user")
			out.AuthProvider = &extensions.NopAuthProvider{}
		default:
			return out, fmt.Errorf("unknown auth mode %q", s.cfg.Auth.Mode)
		}
	}
	if out.AuditLogger == nil && s.cfg.AuditLog {
		out.AuditLogger = extensions.NewSlogAuditLogger(slog.Default())
	}
	return out.Normalize(), nil
}

func (s *Service) initRouter() {
	gin.SetMode(s.cfg.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if s.cfg.GinMode == gin.DebugMode {
		s.router.Use(gin.Logger())
	}
	s.router.Use(otelgin.Middleware(observability.ServiceName))

	throttle := middleware.NewThrottle(s.cfg.Throttle)
	deps := routes.Deps{
		Chat: handlers.NewChatHandler(s.relay, handlers.Options{
			Metrics:           s.metrics,
			HeartbeatInterval: s.cfg.HeartbeatInterval,
			Throttle:          throttle,
		}),
		Auth:     s.opts.AuthProvider,
		Throttle: throttle,
	}
	if s.promRegistry != nil {
		deps.Gatherer = s.promRegistry
	}
	routes.SetupRoutes(s.router, deps)
}

// Router returns the configured gin engine.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Relay returns the stream relay the HTTP surface runs on.
func (s *Service) Relay() *relay.Relay {
	return s.relay
}

// Run serves HTTP until ctx ends, then shuts down gracefully, letting open
// streams finish for up to ShutdownTimeout. Run closes the service.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting tutor server", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		slog.Info("Shutting down tutor server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases the store, flushes audit events and traces, and wipes
// locked memory. Safe to call more than once.
func (s *Service) Close() {
	if s.opts.AuditLogger != nil {
		if err := s.opts.AuditLogger.Flush(context.Background()); err != nil {
			slog.Warn("Audit flush failed", "error", err)
		}
	}
	if s.store != nil && s.ownsStore {
		if err := s.store.Close(); err != nil {
			slog.Warn("Message store close error", "error", err)
		}
		s.store = nil
	}
	if s.shutdownTracer != nil {
		s.shutdownTracer(context.Background())
		s.shutdownTracer = nil
	}
	if s.cfg.Accumulator.Secure {
		relay.PurgeSecureMemory()
	}
}
