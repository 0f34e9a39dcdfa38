// Package heartbeat tracks when each connected principal was last heard
// from, so the hub can tell a silently-dead connection from an idle one.
package heartbeat

import (
	"sync"
	"time"
)

// Monitor records last-seen times per principal. The Monitor itself never
// evicts anything; the hub sweeps it periodically with Dead and closes
// whatever comes back.
type Monitor struct {
	mu       sync.Mutex
	timeout  time.Duration
	lastSeen map[string]time.Time
}

// New creates a monitor that considers a principal dead once no heartbeat has
// arrived for timeout.
func New(timeout time.Duration) *Monitor {
	return &Monitor{
		timeout:  timeout,
		lastSeen: make(map[string]time.Time),
	}
}

// Record stamps the current time for the principal.
func (m *Monitor) Record(principal string) {
	m.mu.Lock()
	m.lastSeen[principal] = time.Now()
	m.mu.Unlock()
}

// Remove forgets the principal, typically on disconnect.
func (m *Monitor) Remove(principal string) {
	m.mu.Lock()
	delete(m.lastSeen, principal)
	m.mu.Unlock()
}

// LastSeen returns when the principal last heartbeated.
func (m *Monitor) LastSeen(principal string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSeen[principal]
	return t, ok
}

// Dead returns the subset of live principals whose last heartbeat is older
// than the timeout. A live principal with no record at all is also dead: it
// was registered but never heartbeated within a full timeout.
func (m *Monitor) Dead(live []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var dead []string
	for _, principal := range live {
		if now.Sub(m.lastSeen[principal]) > m.timeout {
			dead = append(dead, principal)
		}
	}
	return dead
}
