package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
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

const testSecret = "test-secret-at-least-32-chars-long"

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []sink.Event
}

func (c *captureSink) Publish(_ context.Context, ev sink.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	actions := make([]string, len(c.events))
	for i, ev := range c.events {
		actions[i] = ev.Action
	}
	return actions
}

type testEnv struct {
	hub    *Hub
	srv    *httptest.Server
	tokens *auth.Service
	audit  *captureSink
	events *captureSink
}

type envConfig struct {
	rateLimit        int
	rateWindow       time.Duration
	queueSize        int
	queueTTL         time.Duration
	heartbeatTimeout time.Duration
	opts             Options
}

func setup(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	if cfg.rateLimit == 0 {
		cfg.rateLimit = 100
	}
	if cfg.rateWindow == 0 {
		cfg.rateWindow = time.Minute
	}
	if cfg.queueSize == 0 {
		cfg.queueSize = 10
	}
	if cfg.queueTTL == 0 {
		cfg.queueTTL = time.Minute
	}
	if cfg.heartbeatTimeout == 0 {
		cfg.heartbeatTimeout = time.Minute
	}

	tokens := auth.NewService(testSecret, auth.Options{})
	audit := &captureSink{}
	events := &captureSink{}
	h := New(tokens,
		ratelimit.New(cfg.rateLimit, cfg.rateWindow),
		queue.New(cfg.queueSize, cfg.queueTTL),
		heartbeat.New(cfg.heartbeatTimeout),
		audit, events, slog.Default(), cfg.opts)

	r := chi.NewRouter()
	r.Get("/ws/agent/{principal}", h.HandleAgentWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{hub: h, srv: srv, tokens: tokens, audit: audit, events: events}
}

func (e *testEnv) wsURL(principal string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/agent/" + principal
}

// dialRaw opens a connection without authenticating.
func (e *testEnv) dialRaw(t *testing.T, principal string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(principal), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialAgent connects and completes the credential handshake.
func (e *testEnv) dialAgent(t *testing.T, principal string) *websocket.Conn {
	t.Helper()
	conn := e.dialRaw(t, principal)

	token, _ := e.tokens.Issue(principal)
	if err := conn.WriteJSON(protocol.Credential{AuthToken: token}); err != nil {
		t.Fatalf("send credential: %v", err)
	}

	var ack protocol.AuthOK
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read auth ack: %v", err)
	}
	if ack.Status != protocol.StatusAuthenticated {
		t.Fatalf("auth ack status: got %q, want %q", ack.Status, protocol.StatusAuthenticated)
	}

	waitFor(t, time.Second, func() bool { return e.hub.Connected(principal) })
	return conn
}

// startEcho answers every correlated command with a result frame echoing the
// correlation id.
func startEcho(conn *websocket.Conn) {
	go func() {
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			id, _ := frame[protocol.MessageIDKey].(string)
			if id == "" {
				continue
			}
			reply := map[string]any{
				protocol.MessageIDKey: id,
				"type":                "result",
				"echo":                frame["type"],
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandshakeSuccess(t *testing.T) {
	env := setup(t, envConfig{})
	env.dialAgent(t, "42")

	if !env.hub.Connected("42") {
		t.Error("principal not registered after handshake")
	}
	waitFor(t, time.Second, func() bool {
		for _, a := range env.audit.actions() {
			if a == "agent.connect" {
				return true
			}
		}
		return false
	})
}

func TestHandshakeBadToken(t *testing.T) {
	env := setup(t, envConfig{})
	conn := env.dialRaw(t, "42")

	if err := conn.WriteJSON(protocol.Credential{AuthToken: "not-a-valid-token"}); err != nil {
		t.Fatal(err)
	}

	var authErr protocol.AuthError
	if err := conn.ReadJSON(&authErr); err != nil {
		t.Fatalf("expected error frame before close: %v", err)
	}
	if authErr.Error == "" {
		t.Error("error frame had no error message")
	}

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !asCloseError(err, &closeErr) || closeErr.Code != protocol.CloseAuthFailed {
		t.Errorf("expected close code %d, got %v", protocol.CloseAuthFailed, err)
	}
	if env.hub.Connected("42") {
		t.Error("principal registered despite failed auth")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	env := setup(t, envConfig{opts: Options{AuthTimeout: 100 * time.Millisecond}})
	conn := env.dialRaw(t, "42")

	// Send nothing; the relay must close with the timeout code.
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !asCloseError(err, &closeErr) || closeErr.Code != protocol.CloseAuthTimeout {
		t.Errorf("expected close code %d, got %v", protocol.CloseAuthTimeout, err)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	env := setup(t, envConfig{})
	conn := env.dialAgent(t, "42")

	before, _ := env.hub.heartbeats.LastSeen("42")
	time.Sleep(10 * time.Millisecond)

	if err := conn.WriteJSON(map[string]string{"type": protocol.TypePing}); err != nil {
		t.Fatal(err)
	}

	var pong map[string]string
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong["type"] != protocol.TypePong {
		t.Errorf("got frame %v, want pong", pong)
	}

	after, ok := env.hub.heartbeats.LastSeen("42")
	if !ok || !after.After(before) {
		t.Error("heartbeat not refreshed by ping")
	}
}

func TestDispatchDelivered(t *testing.T) {
	env := setup(t, envConfig{})
	conn := env.dialAgent(t, "42")
	startEcho(conn)

	out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "screenshot"}, 5*time.Second)
	if out.Err != "" || out.Queued {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	var resp map[string]any
	if err := json.Unmarshal(out.Response, &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["echo"] != "screenshot" {
		t.Errorf("response did not echo the command: %v", resp)
	}
	if n := env.hub.PendingRequests(); n != 0 {
		t.Errorf("pending requests after delivery: got %d, want 0", n)
	}
}

func TestDispatchTimeoutLeavesNoPending(t *testing.T) {
	env := setup(t, envConfig{})
	env.dialAgent(t, "42") // connected but never responds

	start := time.Now()
	out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "screenshot"}, 200*time.Millisecond)
	if out.Err != ErrNoResponse {
		t.Fatalf("outcome: got %+v, want %s", out, ErrNoResponse)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("returned before the timeout: %v", elapsed)
	}
	if n := env.hub.PendingRequests(); n != 0 {
		t.Errorf("pending requests after timeout: got %d, want 0", n)
	}
}

func TestDispatchConcurrentCorrelation(t *testing.T) {
	env := setup(t, envConfig{})
	conn := env.dialAgent(t, "42")
	startEcho(conn)

	var wg sync.WaitGroup
	results := make([]Outcome, 4)
	for i, kind := range []string{"screenshot", "clipboard", "lock", "status"} {
		wg.Add(1)
		go func(i int, kind string) {
			defer wg.Done()
			results[i] = env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": kind}, 5*time.Second)
		}(i, kind)
	}
	wg.Wait()

	for i, kind := range []string{"screenshot", "clipboard", "lock", "status"} {
		if results[i].Err != "" {
			t.Fatalf("dispatch %q failed: %+v", kind, results[i])
		}
		var resp map[string]any
		if err := json.Unmarshal(results[i].Response, &resp); err != nil {
			t.Fatal(err)
		}
		if resp["echo"] != kind {
			t.Errorf("dispatch %q got response for %v", kind, resp["echo"])
		}
	}
	if n := env.hub.PendingRequests(); n != 0 {
		t.Errorf("pending requests: got %d, want 0", n)
	}
}

func TestDispatchQueuedWhileOffline(t *testing.T) {
	env := setup(t, envConfig{})

	out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "relay", "text": "hello"}, time.Second)
	if !out.Queued || out.QueueSize != 1 {
		t.Fatalf("outcome: got %+v, want queued with size 1", out)
	}

	// On reconnect the queued command is delivered before anything new.
	conn := env.dialAgent(t, "42")

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read flushed command: %v", err)
	}
	if first["type"] != "relay" || first["text"] != "hello" {
		t.Errorf("flushed command: got %v", first)
	}
	if env.hub.QueueSize("42") != 0 {
		t.Error("queue not empty after flush")
	}
}

func TestDispatchQueueFull(t *testing.T) {
	env := setup(t, envConfig{queueSize: 1})

	if out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "a"}, time.Second); !out.Queued {
		t.Fatalf("first dispatch not queued: %+v", out)
	}
	out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "b"}, time.Second)
	if out.Err != ErrQueueFull {
		t.Errorf("outcome: got %+v, want %s", out, ErrQueueFull)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	env := setup(t, envConfig{rateLimit: 3, rateWindow: time.Minute})

	for i := 0; i < 3; i++ {
		if out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "a"}, time.Second); out.Err != "" {
			t.Fatalf("dispatch %d denied: %+v", i+1, out)
		}
	}
	out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "a"}, time.Second)
	if out.Err != ErrRateLimited {
		t.Fatalf("outcome: got %+v, want %s", out, ErrRateLimited)
	}
	if out.WaitSeconds <= 0 || out.WaitSeconds > 60 {
		t.Errorf("wait seconds: got %d, want 0 < w <= 60", out.WaitSeconds)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	env := setup(t, envConfig{})
	old := env.dialAgent(t, "42")

	replacement := env.dialAgent(t, "42")
	startEcho(replacement)

	// The old connection is closed by the relay.
	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Error("previous connection still readable after replacement")
	}

	// The principal stays registered and dispatches reach the new connection.
	if !env.hub.Connected("42") {
		t.Fatal("principal not connected after replacement")
	}
	out := env.hub.Dispatch(context.Background(), "42", protocol.Command{"type": "status"}, 5*time.Second)
	if out.Err != "" || out.Queued {
		t.Errorf("dispatch after replacement: %+v", out)
	}
}

func TestAgentEventForwardedToSink(t *testing.T) {
	env := setup(t, envConfig{})
	conn := env.dialAgent(t, "42")

	if err := conn.WriteJSON(map[string]any{"type": protocol.TypeAlert, "text": "disk full"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		for _, a := range env.events.actions() {
			if a == "agent.event.alert" {
				return true
			}
		}
		return false
	})
}

func TestHeartbeatReaperEvictsSilentAgent(t *testing.T) {
	env := setup(t, envConfig{heartbeatTimeout: 100 * time.Millisecond})
	conn := env.dialAgent(t, "42")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.hub.StartHeartbeatReaper(ctx, 25*time.Millisecond)

	waitFor(t, 2*time.Second, func() bool { return !env.hub.Connected("42") })

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("evicted connection still readable")
	}
}

func TestDisconnectCleansRegistry(t *testing.T) {
	env := setup(t, envConfig{})
	conn := env.dialAgent(t, "42")

	_ = conn.Close()
	waitFor(t, time.Second, func() bool { return !env.hub.Connected("42") })

	if _, ok := env.hub.heartbeats.LastSeen("42"); ok {
		t.Error("heartbeat record survived disconnect")
	}
}

// asCloseError unwraps a websocket close error.
func asCloseError(err error, target **websocket.CloseError) bool {
	if ce, ok := err.(*websocket.CloseError); ok {
		*target = ce
		return true
	}
	return false
}
