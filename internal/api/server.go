package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/playgate/internal/play"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the play API server configuration.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger checks connectivity to the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the public play API.
type Server struct {
	config      Config
	play        *play.Service
	tokens      *TokenIssuer
	policy      HealthChecker
	store       Pinger
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	startTime   time.Time
	logger      zerolog.Logger
}

// NewServer creates the play API server.
func NewServer(cfg Config, svc *play.Service, tokens *TokenIssuer, policy HealthChecker, store Pinger, logger zerolog.Logger) *Server {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 120
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		config:      cfg,
		play:        svc,
		tokens:      tokens,
		policy:      policy,
		store:       store,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		router:      mux.NewRouter(),
		startTime:   time.Now(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	}
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions", s.handleOpen).Methods("POST", "OPTIONS")

	sessions := s.router.PathPrefix("/api/v1/sessions/{id}").Subrouter()
	sessions.Use(SessionMiddleware(s.tokens))

	sessions.HandleFunc("", s.handleGetSession).Methods("GET", "OPTIONS")
	sessions.HandleFunc("/verify", s.handleVerify).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/cancel", s.handleCancel).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/levels", s.handleLevels).Methods("GET", "OPTIONS")
	sessions.HandleFunc("/levels/{level:[0-9]+}/start", s.handleStart).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/question", s.handleQuestion).Methods("GET", "OPTIONS")
	sessions.HandleFunc("/answers", s.handleAnswer).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/next", s.handleNext).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/leave", s.handleLeave).Methods("POST", "OPTIONS")
	sessions.HandleFunc("/summary", s.handleSummary).Methods("GET", "OPTIONS")
}

// Handler returns the HTTP handler (for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting play API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated HTTP listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Play API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping play API server")
	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
