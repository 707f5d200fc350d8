// ABOUTME: Gateway orchestrator wiring config, store, backend, and sessions
// ABOUTME: Manages the HTTP server lifecycle and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
)

const defaultShutdownTimeout = 5 * time.Second

// Gateway orchestrates the parley server components: the storage
// backend, the conversation service, the generative backend client,
// and the websocket session handler behind one HTTP server.
type Gateway struct {
	config        *config.Config
	store         store.Store
	conversations *conversation.Service
	sessions      *session.Handler
	httpServer    *http.Server
	logger        *slog.Logger
}

// openStore creates the storage backend selected by config.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "mongo":
		s, err := store.NewMongoStore(ctx, cfg.Database.URI, cfg.Database.Name)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	}
}

// New creates a gateway from configuration, opening the configured
// store and the generative backend client.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	completer, err := backend.NewClient(ctx, cfg.Backend)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing backend client: %w", err)
	}
	return NewWithCompleter(cfg, s, completer, logger), nil
}

// NewWithCompleter wires a gateway around an existing store and
// completer. Tests use this to inject a scripted backend.
func NewWithCompleter(cfg *config.Config, s store.Store, completer backend.Completer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	convService := conversation.New(s, cfg.Chat.PageLimit, logger.With("component", "conversation"))

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("session auth enabled (JWT)")
	} else {
		logger.Warn("session auth disabled - no jwt_secret configured")
	}

	sessionHandler := session.NewHandler(convService, completer, verifier, session.Config{
		HistoryLimit: cfg.Chat.HistoryLimit,
		ReplayLimit:  cfg.Chat.ReplayLimit,
	}, logger)

	g := &Gateway{
		config:        cfg,
		store:         s,
		conversations: convService,
		sessions:      sessionHandler,
		logger:        logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /chat/{user_id}", sessionHandler)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /api/users/{user_id}/conversations", g.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	mux.HandleFunc("GET /conversations/{id}/view", g.handleTranscriptView)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler exposes the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled
// or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context: the run context
// is already canceled by the time shutdown begins.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
