// Package api implements relayalert's optional status HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/relayalert/internal/alert"
	"github.com/nugget/relayalert/internal/buildinfo"
	"github.com/nugget/relayalert/internal/connwatch"
	"github.com/nugget/relayalert/internal/events"
)

// StatsSource reports alert counters. Implemented by [alert.Monitor].
type StatsSource interface {
	Stats() alert.Stats
}

// SubscriptionState reports the status topic subscription. Implemented
// by the MQTT subscriber.
type SubscriptionState interface {
	Paused() bool
	Subscribed() bool
}

// HealthSource reports dependency health. Implemented by
// [connwatch.Manager].
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool

	monitor StatsSource
	sub     SubscriptionState
	health  HealthSource
	bus     *events.Bus
	topic   string
}

// NewServer creates a status API server. Components are attached with
// the Set methods before Start; missing components are reported as
// absent rather than failing requests.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger,
	}
}

// SetMonitor attaches the alert monitor for /v1/status.
func (s *Server) SetMonitor(m StatsSource) {
	s.monitor = m
}

// SetSubscriber attaches the MQTT subscriber for /v1/status. topic is
// reported alongside the subscription state.
func (s *Server) SetSubscriber(sub SubscriptionState, topic string) {
	s.sub = sub
	s.topic = topic
}

// SetHealth attaches the connection watchers for /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// SetEventBus attaches the event bus streamed on /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.address, fmt.Sprint(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status API", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A Start that has not run yet
// returns immediately afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.BuildInfo(), s.logger)
}

// handleHealth answers 200 when every watched dependency is reachable
// and 503 otherwise, with per-service detail in both cases.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	status := http.StatusOK

	if s.health != nil {
		resp["services"] = s.health.Status()
		if !s.health.Healthy() {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp, s.logger)
}

// statusResponse is the body of GET /v1/status.
type statusResponse struct {
	Version      string       `json:"version"`
	Uptime       string       `json:"uptime"`
	Topic        string       `json:"topic,omitempty"`
	Subscribed   bool         `json:"subscribed"`
	Paused       bool         `json:"paused"`
	Alerts       *alert.Stats `json:"alerts,omitempty"`
	EventClients int          `json:"event_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:      buildinfo.Version,
		Uptime:       buildinfo.Uptime().String(),
		Topic:        s.topic,
		EventClients: s.bus.SubscriberCount(),
	}
	if s.sub != nil {
		resp.Subscribed = s.sub.Subscribed()
		resp.Paused = s.sub.Paused()
	}
	if s.monitor != nil {
		st := s.monitor.Stats()
		resp.Alerts = &st
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}
