package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gersonrivera27/STACKPOS/config"
	"github.com/gersonrivera27/STACKPOS/internal/db"
	"github.com/gersonrivera27/STACKPOS/internal/handlers"
	"github.com/gersonrivera27/STACKPOS/internal/metrics"
	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/ratelimit"
	"github.com/gersonrivera27/STACKPOS/internal/services"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/internal/tokens"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	queue      *mq.MQ
	audit      *services.AuditService
	logger     *slog.Logger
}

// New wires the repositories, services and routes for the auth API.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queue, err := mq.Open(ctx, cfg.MQ)
	switch {
	case errors.Is(err, mq.ErrNoBackend):
		logger.Warn("MQ_BACKEND not set, audit events will not be published")
	case err != nil:
		_ = dbConn.Close()
		return nil, fmt.Errorf("connect message queue: %w", err)
	}

	var sink services.EventSink
	if queue != nil {
		sink = queue
	}
	audit := services.NewAuditService(sink, logger)

	s, err := newServer(cfg, dbConn, audit, logger)
	if err != nil {
		audit.Close()
		if queue != nil {
			_ = queue.Close()
		}
		_ = dbConn.Close()
		return nil, err
	}
	s.queue = queue
	return s, nil
}

func newServer(cfg config.Config, dbConn *sql.DB, audit *services.AuditService, logger *slog.Logger) (*Server, error) {
	issuer, err := tokens.NewIssuer(cfg.Auth.JWTSecret,
		tokens.WithAccessTTL(cfg.Auth.AccessTokenTTL),
		tokens.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
	)
	if err != nil {
		return nil, err
	}
	trusted, err := config.ParsePrefixes(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	accountRepo := store.NewAccountRepository(dbConn)
	refreshRepo := store.NewRefreshTokenRepository(dbConn, issuer.RefreshTTL())
	auditRepo := store.NewAuditLogRepository(dbConn)

	authService := services.NewAuthService(accountRepo, refreshRepo, issuer, ratelimit.New(),
		services.WithAuditPublisher(audit),
		services.WithAuthLogger(logger),
	)
	accountService := services.NewAccountService(accountRepo, logger)
	auditArchive := services.NewAuditArchiveService(auditRepo, nil, logger)

	metrics.Init()

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		handlers.ClientAddress(trusted),
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		metrics.Instrument,
		handlers.CORS(cfg.AllowedOrigins),
		handlers.AuditRequests(audit),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route("/api/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authService, accountService, logger)
	})
	router.Route("/api/audit", func(r chi.Router) {
		r.Use(handlers.RequireAuth(authService, logger), handlers.APIRateLimit(authService, logger))
		handlers.AuditRouter(r, auditArchive, logger)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		audit:      audit,
		logger:     logger,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, flushes pending audit events and
// releases connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.audit != nil {
		s.audit.Close()
	}
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
