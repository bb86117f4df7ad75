// Package server exposes the router, the realtime overlay stream, the
// extension's externally-callable commands and the settings API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/realtime"
	"github.com/doingharm/gamepad-relay/router"
	"github.com/doingharm/gamepad-relay/store"
)

const (
	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 << 10
)

// SettingsStore is the settings persistence boundary.
type SettingsStore interface {
	Settings(ctx context.Context, userID string) (store.GamepadSettings, error)
	PutSettings(ctx context.Context, userID string, settings store.GamepadSettings) error
	Ping(ctx context.Context) error
}

// ExtensionHandler answers externally-invoked extension commands.
type ExtensionHandler interface {
	HandleExternal(ctx context.Context, origin string, data []byte) protocol.Response
}

type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string
}

// Deps are the components the server fronts. Extension may be nil when
// the extension path is not running.
type Deps struct {
	Router       *router.Router
	Broker       realtime.Broker
	Availability *realtime.Availability
	Settings     SettingsStore
	Extension    ExtensionHandler
}

type Server struct {
	cfg      Config
	deps     Deps
	logger   zerolog.Logger
	origins  protocol.Origins
	mux      *chi.Mux
	upgrader websocket.Upgrader
	srv      *http.Server
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		origins: protocol.NewOrigins(cfg.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWebSocketOrigin,
	}
	s.mux = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/worker", s.handleWorker)
	r.Get("/ws/overlay/{channel}", s.handleOverlay)

	r.Group(func(r chi.Router) {
		r.Use(s.cors)
		r.Post("/ext/message", s.handleExtensionMessage)
		r.Options("/ext/message", func(http.ResponseWriter, *http.Request) {})
	})

	r.Route("/api/settings", func(r chi.Router) {
		r.Use(s.cors)
		r.Use(s.authenticate)
		r.Get("/", s.handleGetSettings)
		r.Put("/", s.handlePutSettings)
	})

	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// cors echoes allowed origins, never a wildcard.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.origins.Allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins.Allows(origin) {
		return true
	}

	s.logger.Warn().
		Str("origin", origin).
		Strs("allowed_origins", s.cfg.AllowedOrigins).
		Msg("WebSocket origin not allowed")
	return false
}

type errorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Message: message, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
