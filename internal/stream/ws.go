package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fno-scanner/internal/resilience"
)

// WSConfig holds the websocket server settings.
type WSConfig struct {
	Addr         string        `mapstructure:"addr"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// DefaultWSConfig returns the default server settings.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Addr:         "127.0.0.1:8765",
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Health is the /healthz payload.
type Health struct {
	Status       string                           `json:"status"`
	Hub          HubMetrics                       `json:"hub"`
	Breakers     []resilience.CircuitBreakerStats `json:"breakers,omitempty"`
	Services     []resilience.ServiceStatus       `json:"services,omitempty"`
	TicksDropped uint64                           `json:"ticks_dropped"`
	Disabled     []string                         `json:"disabled,omitempty"`
}

// WSServer exposes the hub over websocket at /ws and health at /healthz.
type WSServer struct {
	cfg      WSConfig
	hub      *Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	breakers *resilience.CircuitBreakerRegistry
	monitor  *resilience.ServiceMonitor
	dropped  func() uint64
	disabled func() []string
}

// WSOption configures a WSServer.
type WSOption func(*WSServer)

// WithResilience reports breaker and endpoint status on /healthz.
func WithResilience(r *resilience.CircuitBreakerRegistry, m *resilience.ServiceMonitor) WSOption {
	return func(s *WSServer) {
		s.breakers = r
		s.monitor = m
	}
}

// WithTickDrops reports the push feed drop counter on /healthz.
func WithTickDrops(fn func() uint64) WSOption {
	return func(s *WSServer) { s.dropped = fn }
}

// WithDisabled reports instruments parked until re-authentication.
func WithDisabled(fn func() []string) WSOption {
	return func(s *WSServer) { s.disabled = fn }
}

// NewWSServer creates a WSServer over hub.
func NewWSServer(cfg WSConfig, hub *Hub, logger zerolog.Logger, opts ...WSOption) *WSServer {
	def := DefaultWSConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	s := &WSServer{
		cfg:    cfg,
		hub:    hub,
		logger: logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Event server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// HealthSnapshot returns the current health payload.
func (s *WSServer) HealthSnapshot() Health {
	h := Health{Status: "ok", Hub: s.hub.Metrics()}
	if s.breakers != nil {
		h.Breakers = s.breakers.AllStats()
		for _, b := range h.Breakers {
			if b.State == resilience.CircuitOpen {
				h.Status = "degraded"
			}
		}
	}
	if s.monitor != nil {
		h.Services = s.monitor.AllStatuses()
	}
	if s.dropped != nil {
		h.TicksDropped = s.dropped()
	}
	if s.disabled != nil {
		h.Disabled = s.disabled()
		if len(h.Disabled) > 0 {
			h.Status = "degraded"
		}
	}
	return h
}

func (s *WSServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.HealthSnapshot()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write health")
	}
}

// serveWS streams events for ?symbol=X (default all) until the client leaves.
func (s *WSServer) serveWS(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		symbol = AllSymbols
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.hub.SubscribeWithID(symbol, r.RemoteAddr)
	defer s.hub.Unsubscribe(symbol, events)

	s.logger.Info().Str("remote", r.RemoteAddr).Str("symbol", symbol).Msg("Client connected")

	// Reader drains control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected")
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(s.cfg.WriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
