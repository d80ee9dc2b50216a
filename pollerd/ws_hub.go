package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netfiber/oltwatch/pollerd/events"
)

const maxStreamClients = 200

// Hub broadcasts pool stats and fresh events to dashboard clients once per
// second. A single broadcaster goroutine serves every connection so N
// clients never mean N tickers.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	api        *API

	lastSeq int64
}

func NewHub(api *API) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		api:        api,
	}
}

// Run drives the hub until the context ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[hub] stream client rejected: max connections (%d) reached", maxStreamClients)
				continue
			}
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[hub] stream client registered, total %d", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[hub] stream client unregistered, total %d", n)

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

type streamFrame struct {
	Stats  map[string]any `json:"stats"`
	Events []events.Event `json:"events,omitempty"`
}

func (h *Hub) broadcast(ctx context.Context) {
	h.mu.RLock()
	idle := len(h.clients) == 0
	h.mu.RUnlock()
	if idle {
		return
	}

	queued, _, err := h.api.queue.TotalSize(ctx)
	if err != nil {
		log.Printf("[hub] read queue size: %v", err)
		queued = -1
	}

	// Only events the clients have not seen yet; Recent is newest first.
	frame := streamFrame{Stats: h.api.statsPayload(queued)}
	for _, e := range h.api.elog.Recent(50) {
		if e.Seq <= h.lastSeq {
			break
		}
		frame.Events = append(frame.Events, e)
	}
	if len(frame.Events) > 0 {
		h.lastSeq = frame.Events[0].Seq
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("[hub] stream write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	// Unblocks any Register/Unregister still waiting on the channels; after
	// this point both just close the connection themselves.
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("[hub] shutting down with %d stream clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
