// Package server exposes the stage pipeline, login and chat over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/H1yori233/innoweaver/internal/auth"
	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/monitoring"
	"github.com/H1yori233/innoweaver/internal/pipeline"
	"github.com/H1yori233/innoweaver/internal/ratelimit"
	"github.com/H1yori233/innoweaver/internal/task"
)

const maxBodyBytes = 1 << 20

// Pipeline runs stages, chat turns and single completions
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
	Status(ctx context.Context, taskID string) task.StatusView
	Chat(ctx context.Context, req pipeline.ChatRequest) (task.Document, error)
	ChatStream(ctx context.Context, req pipeline.ChatRequest) (<-chan pipeline.ChatDelta, <-chan error, error)
	AnalyzeQuery(ctx context.Context, caller pipeline.Caller, query, designDoc string) (task.Document, error)
	ExtractKnowledge(ctx context.Context, caller pipeline.Caller, paper string) (task.Document, error)
	CheckCredentials(ctx context.Context, caller pipeline.Caller, creds capability.Credentials) (string, error)
}

// Authenticator verifies bearer tokens and manages credentials
type Authenticator interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
	UserID(token string) string
	Login(ctx context.Context, email, password string) (string, auth.Identity, error)
	SetAPICredentials(ctx context.Context, email, apiKey, apiURL, model string) error
}

// Pinger reports whether the shared store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API
type Server struct {
	addr     string
	pipeline Pipeline
	auth     Authenticator
	governor *ratelimit.Governor
	metrics  *monitoring.Metrics
	health   Pinger
	server   *http.Server
	serverMu sync.RWMutex
	logger   *logger.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	ready chan struct{}
}

// Config holds server configuration
type Config struct {
	Addr     string // e.g., ":5001"
	Pipeline Pipeline
	Auth     Authenticator

	// Optional; requests are not rate limited without it
	Governor *ratelimit.Governor

	// Optional; /api/metrics reports 404 without it
	Metrics *monitoring.Metrics

	// Optional; /health only reports liveness without it
	Health Pinger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       *logger.Logger
}

// New creates a server instance
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("server requires a pipeline")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server requires an authenticator")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5001"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 11 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetDefault()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("info", "text", "server")
	}

	return &Server{
		addr:         cfg.Addr,
		pipeline:     cfg.Pipeline,
		auth:         cfg.Auth,
		governor:     cfg.Governor,
		metrics:      cfg.Metrics,
		health:       cfg.Health,
		logger:       cfg.Logger.WithComponent("server"),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		ready:        make(chan struct{}),
	}, nil
}

// Handler returns the routed handler with the full middleware chain
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Stage pipeline
	mux.Handle("POST /api/complete/{stage}", s.authenticated(http.HandlerFunc(s.handleStage)))
	mux.HandleFunc("GET /api/complete/status/{task_id}", s.handleStatus)

	// Single completions
	mux.Handle("POST /api/query", s.authenticated(http.HandlerFunc(s.handleQuery)))
	mux.Handle("POST /api/knowledge_extraction", s.authenticated(http.HandlerFunc(s.handleKnowledge)))

	// Accounts
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.Handle("POST /api/user/api_key", s.authenticated(http.HandlerFunc(s.handleAPIKey)))
	mux.Handle("POST /api/user/test_api", s.authenticated(http.HandlerFunc(s.handleTestAPI)))

	// Chat
	mux.Handle("POST /api/inspiration/chat", s.authenticated(http.HandlerFunc(s.handleChat)))

	// Operations
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	if s.governor != nil {
		h = s.governor.Middleware(s.rateLimitUser)(h)
	}
	return s.withLogging(s.withCORS(s.withRecovery(h)))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	s.serverMu.Lock()
	s.server = server
	s.serverMu.Unlock()

	close(s.ready)

	s.logger.Info("Starting HTTP server", logger.Fields{
		"address": s.addr,
	})
	return server.ListenAndServe()
}

// Ready returns a channel that is closed when the server is ready
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.serverMu.RLock()
	server := s.server
	s.serverMu.RUnlock()

	if server == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server", logger.Fields{})
	return server.Shutdown(ctx)
}

// rateLimitUser scopes counters to the token's user without a directory read
func (s *Server) rateLimitUser(r *http.Request) string {
	token, err := auth.BearerToken(r)
	if err != nil {
		return ""
	}
	return s.auth.UserID(token)
}
