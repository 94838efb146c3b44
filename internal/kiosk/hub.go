package kiosk

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Kiosk screens are served from other origins on the local network
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans attendance notifications out to WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
	log.Printf("[Kiosk] WebSocket client connected (total: %d)", len(h.clients))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		log.Printf("[Kiosk] WebSocket client disconnected (total: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends v as JSON to every client. Clients that fail to receive
// are dropped.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Kiosk] Error marshaling message: %v", err)
		return
	}

	h.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, m := range h.clients {
		conns[c] = m
	}
	h.mu.RUnlock()

	for conn, wmu := range conns {
		if err := write(conn, wmu, websocket.TextMessage, data); err != nil {
			log.Printf("[Kiosk] Error sending to client: %v", err)
			h.unregister(conn)
		}
	}
}

func write(conn *websocket.Conn, wmu *sync.Mutex, kind int, data []byte) error {
	wmu.Lock()
	defer wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(kind, data)
}

// ServeHTTP upgrades the request and keeps the connection alive until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Kiosk] Upgrade error: %v", err)
		return
	}
	h.register(conn)
	go h.readPump(conn)
}

// readPump detects disconnection and answers pongs. Clients are not expected
// to send anything.
func (h *Hub) readPump(conn *websocket.Conn) {
	h.mu.RLock()
	wmu := h.clients[conn]
	h.mu.RUnlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		h.unregister(conn)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(conn, wmu, websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Kiosk] Read error: %v", err)
			}
			return
		}
	}
}
