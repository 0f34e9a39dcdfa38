package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the relay sends WebSocket ping frames.
	// This is transport-level liveness, independent of the application
	// {"type":"ping"} heartbeats agents send.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong before the read
	// loop's deadline trips.
	wsPongWait = 60 * time.Second
)

// startWSKeepalive installs protocol-level ping/pong on an agent connection:
// a read deadline refreshed by pongs, plus a goroutine sending periodic
// pings. The returned cancel function stops the ping goroutine. writeMu must
// be the same mutex serializing all other writes to the connection.
func startWSKeepalive(conn *websocket.Conn, writeMu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
