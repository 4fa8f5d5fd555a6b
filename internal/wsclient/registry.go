// Package wsclient tracks connected map clients and fans frames out to them
// (spec §4.5's fan-out rule, §4.9's client registry).
package wsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jarv/meshmap/internal/metrics"
)

const writeTimeout = 5 * time.Second

// Registry holds the set of currently-connected websocket clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: map[*websocket.Conn]struct{}{}}
}

// Add registers a newly-accepted connection.
func (r *Registry) Add(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = struct{}{}
	metrics.ConnectedClients.Set(float64(len(r.clients)))
}

// Remove drops a connection from the set.
func (r *Registry) Remove(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, conn)
	metrics.ConnectedClients.Set(float64(len(r.clients)))
}

// Count reports the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends frame to every connected client, best-effort. A client
// whose write fails is dropped from the set with no retry (spec §4.5).
func (r *Registry) Broadcast(frame []byte) {
	r.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(r.clients))
	for c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var dead []*websocket.Conn
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				slog.Warn("client send failed, dropping", "err", err)
				deadMu.Lock()
				dead = append(dead, conn)
				deadMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	for _, c := range dead {
		delete(r.clients, c)
	}
	metrics.ConnectedClients.Set(float64(len(r.clients)))
	r.mu.Unlock()
}
