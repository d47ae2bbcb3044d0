// Package server exposes the assistant over HTTP and websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/tripmate/internal/observability"
	"github.com/harun/tripmate/internal/tracing"
	"github.com/harun/tripmate/pkg/assistant"
	"github.com/harun/tripmate/pkg/memory"
)

const (
	maxBodyBytes       = 64 << 10
	defaultMemoryLimit = 20
	maxMemoryLimit     = 200
)

// TurnHandler answers user turns.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req assistant.TurnRequest) (*assistant.TurnResult, error)
}

// MemoryLister lists a user's stored records.
type MemoryLister interface {
	Recent(ctx context.Context, userID string, limit int) ([]memory.Record, error)
}

// Options configures the Server.
type Options struct {
	Host            string
	Port            int
	RateLimit       int
	RateWindow      time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP and websocket front end.
type Server struct {
	options        Options
	server         *http.Server
	turns          TurnHandler
	memories       MemoryLister
	rateLimiter    *RateLimiter
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	conns          map[string]*websocket.Conn
	connsMu        sync.Mutex
}

// New creates a Server.
func New(options Options, turns TurnHandler, memories MemoryLister, logger zerolog.Logger) (*Server, error) {
	observability.EnsureRegistered()

	if turns == nil {
		return nil, errors.New("turn handler is required")
	}
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		options:     options,
		turns:       turns,
		memories:    memories,
		rateLimiter: NewRateLimiter(options.RateLimit, options.RateWindow),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    logger,
		startTime: time.Now(),
		conns:     make(map[string]*websocket.Conn),
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", s.limited(s.handleTurn))
	mux.HandleFunc("GET /v1/ws", s.limited(s.handleWebSocket))
	mux.HandleFunc("GET /v1/users/{id}/memories", s.limited(s.handleMemories))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop rejects new requests, waits for in-flight turns and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down server")

	// Websocket connections count as in-flight until their read loop ends.
	s.connsMu.Lock()
	for _, conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.options.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
	}

	s.rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// limited applies the shutdown gate, in-flight tracking and the rate limit.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		ip := clientIP(r)
		if !s.rateLimiter.Allow(ip) {
			retryAfter := s.rateLimiter.RetryAfter(ip)
			s.logger.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("retryAfter", retryAfter).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID, _ = gonanoid.New()
		}
		w.Header().Set("X-Request-ID", requestID)
		next(w, r.WithContext(tracing.WithRequestID(r.Context(), requestID)))
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req assistant.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.turns.HandleTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Turn failed")
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// wsMessage is a client frame. The user id may be set once per connection
// through the user_id query parameter instead.
type wsMessage struct {
	UserID string            `json:"user_id"`
	Input  string            `json:"input"`
	Slots  map[string]string `json:"slots,omitempty"`
}

type wsError struct {
	Error string `json:"error"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	defaultUser := r.URL.Query().Get("user_id")
	logger := s.logger.With().Str("connId", connID).Logger()

	s.connsMu.Lock()
	s.conns[connID] = conn
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, connID)
		s.connsMu.Unlock()
		conn.Close()
		logger.Info().Msg("Client disconnected")
	}()

	logger.Info().Str("ip", clientIP(r)).Msg("Client connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error().Err(err).Msg("WebSocket error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// A plain text frame is the input itself.
			msg = wsMessage{Input: string(data)}
		}
		if msg.UserID == "" {
			msg.UserID = defaultUser
		}

		result, err := s.turns.HandleTurn(r.Context(), assistant.TurnRequest{UserID: msg.UserID, Input: msg.Input, Slots: msg.Slots})
		if err != nil {
			if err := conn.WriteJSON(wsError{Error: err.Error()}); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(result); err != nil {
			logger.Error().Err(err).Msg("Failed to write turn result")
			return
		}
	}
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if s.memories == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}

	userID := r.PathValue("id")
	limit := defaultMemoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMemoryLimit)
	}

	records, err := s.memories.Recent(r.Context(), userID, limit)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Warn().Err(err).Msg("Failed to list memories")
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}
	for i := range records {
		records[i].Embedding = nil
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"memories": records,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	status := "ok"
	if s.isShuttingDown {
		status = "shutting_down"
	}
	s.shutdownMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, wsError{Error: message})
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
