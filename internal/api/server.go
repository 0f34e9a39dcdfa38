// Package api provides the control-plane HTTP API and the agent WebSocket
// endpoint for the relay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/beacon-remote/beacon/internal/auth"
	"github.com/beacon-remote/beacon/internal/config"
	"github.com/beacon-remote/beacon/internal/hub"
	"github.com/beacon-remote/beacon/internal/store"
	"github.com/beacon-remote/beacon/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	tokens       *auth.Service
	clients      *auth.ClientAuth
	hub          *hub.Hub
	logger       *slog.Logger
	mux          *chi.Mux
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, tokens *auth.Service, clients *auth.ClientAuth, h *hub.Hub, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		tokens:       tokens,
		clients:      clients,
		hub:          h,
		logger:       logger.With("component", "api"),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Login is IP-rate-limited to slow down secret guessing.
	srv.loginRL = newRateLimiter(5, 10)
	mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)

	// Agent WebSocket endpoint (credential handshake handled inside).
	mux.Get("/ws/agent/{principal}", h.HandleAgentWS)

	// Authenticated control-plane routes.
	srv.rl = newRateLimiter(10, 20)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(clientRateLimitMiddleware(srv.rl))

		r.Post("/api/dispatch", srv.handleDispatch)
		r.Post("/api/credentials", srv.handleIssueCredential)
		r.Get("/api/agents", srv.handleListAgents)
		r.Get("/api/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks launches the rate limiter cleanup goroutines. They
// stop when the context is canceled.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.startCleanup(ctx, 10*time.Minute)
	s.rl.startCleanup(ctx, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.clients.Login(req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Warn("login failed", "client_id", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Dispatch ---

type dispatchRequest struct {
	Principal      string           `json:"principal"`
	Command        protocol.Command `json:"command"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Principal == "" || len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "principal and command are required")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	out := s.hub.Dispatch(r.Context(), req.Principal, req.Command, timeout)

	switch {
	case out.Queued:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":     true,
			"queue_size": out.QueueSize,
		})
	case out.Err == hub.ErrRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(out.WaitSeconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        hub.ErrRateLimited,
			"wait_seconds": out.WaitSeconds,
		})
	case out.Err == hub.ErrQueueFull:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": hub.ErrQueueFull})
	case out.Err == hub.ErrNoResponse:
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": hub.ErrNoResponse})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"delivered": out.Response})
	}
}

// --- Credentials ---

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Principal string `json:"principal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Principal == "" {
		writeError(w, http.StatusBadRequest, "principal is required")
		return
	}

	token, expiresAt := s.tokens.Issue(req.Principal)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// --- Status / audit ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.hub.Agents()
	if agents == nil {
		agents = []hub.AgentStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		// Audit rows hold masked principals, so the filter value is the
		// masked form too.
		Principal: q.Get("principal"),
		Action:    q.Get("action"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.logger.Warn("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
