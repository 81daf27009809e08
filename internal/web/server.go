// Package web serves the chat UI, its login, and the impact API.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goodtune/greengpt/internal/display"
	"github.com/goodtune/greengpt/internal/gate"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/intercept"
	"github.com/goodtune/greengpt/internal/storage"
	ui "github.com/goodtune/greengpt/web"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the web server configuration.
type Config struct {
	ListenAddr       string
	JWTSecret        string
	TokenExpiration  time.Duration
	SessionCacheSize int
	RateLimit        int
	RateLimitWindow  time.Duration
	AllowedOrigins   []string
	CI               bool
	UpstreamURL      string // empty disables /api/chat
	MaxBodyBytes     int64
	Thresholds       display.Thresholds
}

// Server represents the web HTTP server.
type Server struct {
	config      Config
	store       storage.Store
	aggregator  *impact.Aggregator
	gate        *gate.Engine
	auth        *AuthService
	rateLimiter *RateLimiter
	panel       *display.Panel
	events      *broker
	chat        http.Handler
	server      *http.Server
	router      *mux.Router
	listener    net.Listener
	done        chan struct{}
	cancel      context.CancelFunc
	logger      zerolog.Logger
}

// NewServer creates a new web server. Chat requests are forwarded through
// interceptor so their tokens reach the aggregator.
func NewServer(cfg Config, store storage.Store, aggregator *impact.Aggregator, gateEngine *gate.Engine, interceptor *intercept.Interceptor, logger zerolog.Logger) (*Server, error) {
	logger = logger.With().Str("component", "web").Logger()

	auth, err := NewAuthService(store.Users(), cfg.JWTSecret, cfg.TokenExpiration, cfg.SessionCacheSize, logger)
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = intercept.DefaultMaxBodyBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	auth.StartSessionCleanup(ctx, 15*time.Minute)

	s := &Server{
		config:      cfg,
		store:       store,
		aggregator:  aggregator,
		gate:        gateEngine,
		auth:        auth,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		events:      newBroker(),
		router:      mux.NewRouter(),
		done:        make(chan struct{}),
		cancel:      cancel,
		logger:      logger,
	}

	s.panel = display.NewPanel(aggregator, cfg.Thresholds, nil)
	s.panel.OnChange(s.events.publish)

	if cfg.UpstreamURL != "" {
		upstream, err := url.Parse(cfg.UpstreamURL)
		if err != nil || upstream.Scheme == "" || upstream.Host == "" {
			s.Close()
			return nil, fmt.Errorf("invalid upstream url %q", cfg.UpstreamURL)
		}
		s.chat = newChatProxy(upstream, interceptor.Transport(http.DefaultTransport), logger)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Chat replies and event streams are long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Auth returns the authentication service.
func (s *Server) Auth() *AuthService {
	return s.auth
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	}

	// Public routes
	s.router.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/login", s.handleLoginPage).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/favicon.ico", ui.ServeFavicon).Methods(http.MethodGet)
	s.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(ui.Assets()))))

	// Authenticated API
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(s.auth))
	api.Use(ImpactMiddleware(s.aggregator))

	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/auth/change-password", s.handleChangePassword).Methods(http.MethodPost)

	api.HandleFunc("/impact", s.handleImpact).Methods(http.MethodGet)
	api.HandleFunc("/impact/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/impact/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/impact/daily", s.handleDaily).Methods(http.MethodGet)
	api.HandleFunc("/impact/events", s.handleEvents).Methods(http.MethodGet)

	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)

	// Gated pages
	pages := s.router.NewRoute().Subrouter()
	pages.Use(GateMiddleware(s.gate, s.auth, s.config.CI, s.logger))
	pages.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	pages.HandleFunc("/chat/{id}", s.handleIndex).Methods(http.MethodGet)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the web server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting web server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated web listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Web server error")
		}
	}()

	return nil
}

// Stop gracefully stops the web server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping web server")
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}

	return nil
}

// Close releases background work without touching the listener. Open event
// streams end.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.cancel()
	s.rateLimiter.Stop()
	if s.panel != nil {
		s.panel.Close()
	}
}
