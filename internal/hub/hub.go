// Package hub owns the agent-facing side of the relay: it authenticates
// incoming WebSocket connections, keeps the registry of live agents, runs one
// read loop per connection, flushes queued commands on reconnect, and matches
// dispatched commands to their correlated responses.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/beacon-remote/beacon/internal/auth"
	"github.com/beacon-remote/beacon/internal/heartbeat"
	"github.com/beacon-remote/beacon/internal/queue"
	"github.com/beacon-remote/beacon/internal/ratelimit"
	"github.com/beacon-remote/beacon/internal/sink"
	"github.com/beacon-remote/beacon/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Hub manages agent connections and command routing.
type Hub struct {
	tokens     *auth.Service
	limiter    *ratelimit.Limiter
	queue      *queue.Queue
	heartbeats *heartbeat.Monitor
	audit      sink.Sink
	events     sink.Sink
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	authTimeout     time.Duration
	dispatchTimeout time.Duration
	maxMessageSize  int64

	mu     sync.RWMutex
	agents map[string]*agentConn // principal -> live connection

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage // message_id -> response slot
	seq       uint64                          // correlation counter, guarded by pendingMu
}

type agentConn struct {
	principal   string
	conn        *websocket.Conn
	connectedAt time.Time
	mu          sync.Mutex // guards writes to conn
}

func (a *agentConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// Options configures the Hub.
type Options struct {
	AuthTimeout     time.Duration // deadline for the credential frame (default 10s)
	DispatchTimeout time.Duration // default correlated-response wait (default 30s)
	MaxMessageBytes int64         // max agent frame size (default 1MB)
	AllowedOrigins  []string      // for WebSocket origin check
}

// New creates a Hub. The audit sink receives lifecycle and denial records;
// the events sink receives unsolicited agent frames.
func New(tokens *auth.Service, limiter *ratelimit.Limiter, q *queue.Queue, hb *heartbeat.Monitor, audit, events sink.Sink, logger *slog.Logger, opts Options) *Hub {
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.DispatchTimeout == 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 1024 * 1024 // 1MB
	}

	return &Hub{
		tokens:          tokens,
		limiter:         limiter,
		queue:           q,
		heartbeats:      hb,
		audit:           audit,
		events:          events,
		logger:          logger.With("component", "hub"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		authTimeout:     opts.AuthTimeout,
		dispatchTimeout: opts.DispatchTimeout,
		maxMessageSize:  opts.MaxMessageBytes,
		agents:          make(map[string]*agentConn),
		pending:         make(map[string]chan json.RawMessage),
	}
}

// HandleAgentWS handles WebSocket connections from agents at
// /ws/agent/{principal}.
func (h *Hub) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	principal := chi.URLParam(req, "principal")
	if principal == "" {
		http.Error(w, "missing principal", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(h.maxMessageSize)

	if !h.handshake(conn, principal) {
		return
	}

	ac := &agentConn{principal: principal, conn: conn, connectedAt: time.Now()}

	// Register, replacing (and closing) any previous live connection for
	// this principal.
	h.mu.Lock()
	if existing, ok := h.agents[principal]; ok {
		h.logger.Warn("agent reconnect: closing previous connection", "principal", sink.MaskPrincipal(principal))
		_ = existing.conn.Close()
	}
	h.agents[principal] = ac
	h.mu.Unlock()

	h.heartbeats.Record(principal)
	h.record(h.audit, "agent.connect", principal, nil)

	// Flush commands queued while the principal was offline, oldest first.
	// Best effort: a send failure aborts the flush but the connection stays
	// up; the read loop will notice a truly dead link.
	for _, cmd := range h.queue.DrainAll(principal) {
		if err := ac.writeJSON(cmd); err != nil {
			h.logger.Warn("queue flush aborted", "principal", sink.MaskPrincipal(principal), "error", err)
			break
		}
	}

	stopKeepalive := startWSKeepalive(conn, &ac.mu)

	defer func() {
		stopKeepalive()
		h.mu.Lock()
		current := h.agents[principal] == ac
		if current {
			delete(h.agents, principal)
		}
		h.mu.Unlock()
		// A replaced connection must not tear down its successor's state.
		if current {
			h.heartbeats.Remove(principal)
			h.record(h.audit, "agent.disconnect", principal, nil)
		}
		// In-flight dispatches for this principal are left to expire on
		// their own timeout rather than failed here.
	}()

	h.readLoop(ac)
}

// handshake runs the credential exchange. The agent must send
// {"auth_token": ...} within the auth timeout or the connection is closed
// with a reserved code. Returns true when the connection is authenticated.
func (h *Hub) handshake(conn *websocket.Conn, principal string) bool {
	_ = conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.closeWith(conn, protocol.CloseAuthTimeout, "credential timeout")
			h.record(h.audit, "agent.auth_timeout", principal, nil)
		} else {
			h.closeWith(conn, protocol.CloseProtocolError, "handshake failed")
		}
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	var cred protocol.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		h.closeWith(conn, protocol.CloseProtocolError, "malformed credential frame")
		return false
	}

	if !h.tokens.Validate(principal, cred.AuthToken) {
		if data, err := json.Marshal(protocol.AuthError{Error: "authentication failed"}); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		h.closeWith(conn, protocol.CloseAuthFailed, "authentication failed")
		h.record(h.audit, "agent.auth_failed", principal, nil)
		return false
	}

	data, err := json.Marshal(protocol.AuthOK{Status: protocol.StatusAuthenticated})
	if err != nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("auth ack send failed", "principal", sink.MaskPrincipal(principal), "error", err)
		return false
	}
	return true
}

// readLoop dispatches inbound frames until the connection closes or errors.
func (h *Hub) readLoop(ac *agentConn) {
	masked := sink.MaskPrincipal(ac.principal)
	for {
		_, raw, err := ac.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("agent read error", "principal", masked, "error", err)
			return
		}

		hdr, err := protocol.ParseHeader(raw)
		if err != nil {
			h.logger.Warn("invalid frame from agent", "principal", masked, "error", err)
			continue
		}

		// A frame echoing a pending correlation id is that request's
		// response, whatever its type claims. A reply to an id that already
		// timed out is dropped: its dispatch has reported no_response.
		if hdr.MessageID != "" {
			if !h.fulfill(hdr.MessageID, raw) {
				h.logger.Debug("dropping late correlated frame", "principal", masked, "message_id", hdr.MessageID)
			}
			continue
		}

		switch hdr.Type {
		case protocol.TypePing:
			h.heartbeats.Record(ac.principal)
			if err := ac.writeJSON(map[string]string{"type": protocol.TypePong}); err != nil {
				h.logger.Debug("pong send failed", "principal", masked, "error", err)
				return
			}

		case protocol.TypeAlert, protocol.TypeProgress, protocol.TypeAIResponse, protocol.TypeStreamFrame:
			h.record(h.events, "agent.event."+hdr.Type, ac.principal, raw)

		default:
			h.logger.Warn("unknown agent frame type", "type", hdr.Type, "principal", masked)
		}
	}
}

// StartHeartbeatReaper periodically evicts connections whose principals have
// stopped heartbeating, closing them as if they had disconnected.
func (h *Hub) StartHeartbeatReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, principal := range h.heartbeats.Dead(h.ConnectedPrincipals()) {
					h.mu.RLock()
					ac, ok := h.agents[principal]
					h.mu.RUnlock()
					if !ok {
						continue
					}
					h.logger.Info("evicting silent agent", "principal", sink.MaskPrincipal(principal))
					h.record(h.audit, "agent.heartbeat_timeout", principal, nil)
					// Closing the transport makes the read loop exit and
					// run the normal deregistration path.
					_ = ac.conn.Close()
				}
			}
		}
	}()
}

// Connected reports whether the principal has a live connection.
func (h *Hub) Connected(principal string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[principal]
	return ok
}

// ConnectedPrincipals returns the principals with live connections.
func (h *Hub) ConnectedPrincipals() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	principals := make([]string, 0, len(h.agents))
	for p := range h.agents {
		principals = append(principals, p)
	}
	return principals
}

// AgentStatus describes one live connection for the status API.
type AgentStatus struct {
	Principal   string    `json:"principal"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	QueueDepth  int       `json:"queue_depth"`
}

// Agents returns the status of every live connection.
func (h *Hub) Agents() []AgentStatus {
	h.mu.RLock()
	conns := make([]*agentConn, 0, len(h.agents))
	for _, ac := range h.agents {
		conns = append(conns, ac)
	}
	h.mu.RUnlock()

	statuses := make([]AgentStatus, 0, len(conns))
	for _, ac := range conns {
		last, _ := h.heartbeats.LastSeen(ac.principal)
		statuses = append(statuses, AgentStatus{
			Principal:   ac.principal,
			ConnectedAt: ac.connectedAt,
			LastSeen:    last,
			QueueDepth:  h.queue.Size(ac.principal),
		})
	}
	return statuses
}

// QueueSize returns the number of commands buffered for the principal.
func (h *Hub) QueueSize(principal string) int {
	return h.queue.Size(principal)
}

func (h *Hub) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	_ = conn.Close()
}

// record publishes to a sink, logging delivery failures instead of
// propagating them into the connection path.
func (h *Hub) record(s sink.Sink, action, principal string, detail json.RawMessage) {
	if s == nil {
		return
	}
	ev := sink.Event{Principal: principal, Action: action, Detail: detail, At: time.Now()}
	if err := s.Publish(context.Background(), ev); err != nil {
		h.logger.Warn("sink publish failed", "action", action, "error", err)
	}
}
