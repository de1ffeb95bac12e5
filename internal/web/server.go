// Package web is the HTTP/WebSocket surface over the price hub: REST
// control and status endpoints plus a push stream for browser clients.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rfeldman/goldwatch/internal/hub"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/venue"
)

// Config holds server settings.
type Config struct {
	Port           int
	ConnectTimeout time.Duration // bound on venue handshakes
	RequestTimeout time.Duration // bound on control/status operations
}

// Server exposes the hub over HTTP.
type Server struct {
	cfg    Config
	hub    *hub.Hub
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a Server around the given hub.
func NewServer(cfg Config, h *hub.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		hub:    h,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	// Connect routes wait out a venue handshake; everything else is bound
	// by the shorter request timeout. The stream route is long-lived and
	// carries no timeout at all.
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(cfg.ConnectTimeout + time.Second))
		r.Post("/api/connect", s.handleConnect(model.VenueBrokerage))
		r.Post("/api/binance/connect", s.handleConnect(model.VenueExchange))
	})
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		r.Post("/api/disconnect", s.handleDisconnect(model.VenueBrokerage))
		r.Post("/api/binance/disconnect", s.handleDisconnect(model.VenueExchange))
		r.Get("/api/status", s.handleStatus)
		r.Get("/healthz", s.handleHealth)
	})
	r.Get("/api/stream", s.handleStream)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	return s
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// apiResult is the wire shape of control responses.
type apiResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleConnect(v model.Venue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ConnectTimeout)
		defer cancel()

		if err := s.hub.Connect(ctx, v); err != nil {
			s.logger.Warn("connect failed", "venue", v, "error", err)
			writeJSON(w, connectErrorStatus(err), apiResult{Success: false, Message: err.Error()})
			return
		}

		s.logger.Info("venue connected", "venue", v)
		writeJSON(w, http.StatusOK, apiResult{Success: true, Message: "Connected successfully"})
	}
}

func (s *Server) handleDisconnect(v model.Venue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()

		if err := s.hub.Disconnect(ctx, v); err != nil {
			s.logger.Warn("disconnect failed", "venue", v, "error", err)
			writeJSON(w, http.StatusBadRequest, apiResult{Success: false, Message: err.Error()})
			return
		}

		s.logger.Info("venue disconnected", "venue", v)
		writeJSON(w, http.StatusOK, apiResult{Success: true, Message: "Disconnected successfully"})
	}
}

// streamStats reports the fan-out side of the status page.
type streamStats struct {
	Subscribers   int    `json:"subscribers"`
	DroppedEvents uint64 `json:"dropped_events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.hub.Snapshot()

	// Keyed by venue name for the browser: {"mt5": {...}, "binance": {...}},
	// plus a "stream" entry for the push side.
	out := make(map[string]interface{}, len(snapshot)+1)
	for v, snap := range snapshot {
		out[string(v)] = snap
	}
	out["stream"] = streamStats{
		Subscribers:   s.hub.Subscribers(),
		DroppedEvents: s.hub.DroppedEvents(),
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// connectErrorStatus maps connect errors to HTTP status codes.
func connectErrorStatus(err error) int {
	switch {
	case errors.Is(err, venue.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, venue.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, venue.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
