// Package wsrelay fans the engine's Computed wire contract out to
// monitor clients over a websocket so a browser tab or cmd/asrmonitor can
// watch a run live.
package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
)

// Frame is the JSON payload relayed to every connected monitor, the
// engine's Computed{source, content} shape rather than a bespoke wire
// format.
type Frame struct {
	ID           string          `json:"id"`
	UtteranceSeq uint64          `json:"utterance_seq"`
	Source       string          `json:"source"`
	Content      json.RawMessage `json:"content"`
}

// Relay is an http.Handler that upgrades every request to a websocket and
// registers the connection as a broadcast target. One Relay instance backs
// the whole --ws-addr listener.
type Relay struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	logger  logging.Logger
}

func NewRelay(logger logging.Logger) *Relay {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Relay{clients: make(map[*websocket.Conn]struct{}), logger: logger}
}

// ServeHTTP accepts the upgrade and blocks, keeping the connection
// registered until the client disconnects or the request context ends.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Warn("wsrelay accept failed", "error", err)
		return
	}
	r.register(conn)
	defer r.unregister(conn)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := req.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (r *Relay) register(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = struct{}{}
}

func (r *Relay) unregister(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, conn)
}

// Broadcast writes frame to every currently connected monitor, one
// synchronous write at a time under ctx, and drops any connection whose
// write fails. A write waits for a slow client until it completes or ctx
// ends; there is no per-write timeout.
func (r *Relay) Broadcast(ctx context.Context, frame Frame) {
	r.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := wsjson.Write(ctx, c, frame); err != nil {
			r.logger.Warn("wsrelay broadcast dropped a client", "error", err)
			r.unregister(c)
		}
	}
}
