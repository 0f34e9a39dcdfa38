package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/beacon-remote/beacon/internal/sink"
	"github.com/beacon-remote/beacon/pkg/protocol"
)

// Dispatch denial codes, surfaced verbatim in the caller-facing API.
const (
	ErrRateLimited = "rate_limited"
	ErrQueueFull   = "queue_full"
	ErrNoResponse  = "no_response"
)

// Outcome reports how a Dispatch ended. Exactly one of Response, Queued, or
// Err is meaningful. A nil Response with Err == ErrNoResponse means the
// command was transmitted but nothing echoed its correlation id in time — the
// agent may still have acted on it.
type Outcome struct {
	Response    json.RawMessage
	Queued      bool
	QueueSize   int
	Err         string
	WaitSeconds int
}

// Dispatch delivers a command to the principal and waits for the correlated
// response. The rate limit is checked first; with no live connection the
// command is queued instead of sent. timeout <= 0 uses the configured
// default. Only the calling goroutine blocks — the connection's read loop
// stays free to deliver the response.
func (h *Hub) Dispatch(ctx context.Context, principal string, cmd protocol.Command, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = h.dispatchTimeout
	}

	if !h.limiter.Allow(principal) {
		wait := h.limiter.Wait(principal)
		h.record(h.audit, "dispatch.rate_limited", principal,
			json.RawMessage(fmt.Sprintf(`{"wait_seconds":%d}`, wait)))
		return Outcome{Err: ErrRateLimited, WaitSeconds: wait}
	}

	h.mu.RLock()
	ac, connected := h.agents[principal]
	h.mu.RUnlock()

	if !connected {
		if !h.queue.Enqueue(principal, cmd) {
			h.record(h.audit, "dispatch.queue_full", principal, nil)
			return Outcome{Err: ErrQueueFull}
		}
		return Outcome{Queued: true, QueueSize: h.queue.Size(principal)}
	}

	id, ch := h.addPending(principal)
	defer h.removePending(id)

	// Attach the correlation id on a copy so the caller's map is untouched.
	tagged := make(protocol.Command, len(cmd)+1)
	for k, v := range cmd {
		tagged[k] = v
	}
	tagged[protocol.MessageIDKey] = id

	if err := ac.writeJSON(tagged); err != nil {
		h.logger.Warn("command send failed", "principal", sink.MaskPrincipal(principal), "error", err)
		h.record(h.audit, "dispatch.send_failed", principal, nil)
		return Outcome{Err: ErrNoResponse}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return Outcome{Response: resp}
	case <-timer.C:
		h.record(h.audit, "dispatch.no_response", principal, nil)
		return Outcome{Err: ErrNoResponse}
	case <-ctx.Done():
		return Outcome{Err: ErrNoResponse}
	}
}

// addPending registers a response slot under a fresh correlation id. The id
// combines the principal, the wall clock, and a process-wide counter, so it
// is unique for the lifetime of the pending request.
func (h *Hub) addPending(principal string) (string, chan json.RawMessage) {
	ch := make(chan json.RawMessage, 1)
	h.pendingMu.Lock()
	h.seq++
	id := principal + "_" + strconv.FormatInt(time.Now().UnixNano(), 10) + "_" + strconv.FormatUint(h.seq, 10)
	h.pending[id] = ch
	h.pendingMu.Unlock()
	return id, ch
}

func (h *Hub) removePending(id string) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

// fulfill hands an inbound frame to the pending request with a matching
// correlation id. Returns false when no such request exists (already timed
// out, or the id is not ours).
func (h *Hub) fulfill(id string, raw []byte) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- raw // buffered; never blocks the read loop
	return true
}

// PendingRequests returns the number of in-flight correlated sends.
func (h *Hub) PendingRequests() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}
