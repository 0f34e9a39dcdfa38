// Package queue buffers commands for principals with no live connection.
//
// Each principal has a bounded FIFO whose entries expire after a fixed TTL.
// Expiry is lazy: both Enqueue and DrainAll discard stale entries before doing
// anything else, so no background sweep is needed. The queue is deliberately
// memory-only — buffered commands do not survive a relay restart.
package queue

import (
	"sync"
	"time"

	"github.com/beacon-remote/beacon/pkg/protocol"
)

// Queue holds pending commands per principal.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	pending map[string][]entry
}

type entry struct {
	cmd      protocol.Command
	queuedAt time.Time
}

// New creates a queue holding at most maxSize commands per principal, each
// expiring ttl after enqueue.
func New(maxSize int, ttl time.Duration) *Queue {
	return &Queue{
		maxSize: maxSize,
		ttl:     ttl,
		pending: make(map[string][]entry),
	}
}

// Enqueue appends a command for the principal. Returns false when the
// principal's queue is full after expired entries have been discarded; the
// queue never evicts an older command to make room.
func (q *Queue) Enqueue(principal string, cmd protocol.Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	live := q.expire(principal)
	if len(live) >= q.maxSize {
		return false
	}
	q.pending[principal] = append(live, entry{cmd: cmd, queuedAt: time.Now()})
	return true
}

// DrainAll removes and returns the principal's unexpired commands in FIFO
// order. Each command is returned at most once; whether it is actually
// delivered is the caller's problem.
func (q *Queue) DrainAll(principal string) []protocol.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	live := q.expire(principal)
	delete(q.pending, principal)

	cmds := make([]protocol.Command, len(live))
	for i, e := range live {
		cmds[i] = e.cmd
	}
	return cmds
}

// Size returns the number of unexpired commands buffered for the principal.
func (q *Queue) Size(principal string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.expire(principal))
}

// expire drops entries older than the TTL. Caller holds q.mu.
func (q *Queue) expire(principal string) []entry {
	now := time.Now()
	live := q.pending[principal][:0:len(q.pending[principal])]
	for _, e := range q.pending[principal] {
		if now.Sub(e.queuedAt) < q.ttl {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		delete(q.pending, principal)
		return nil
	}
	q.pending[principal] = live
	return live
}
