package agent

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is pushed to every connected /events client.
type Event struct {
	Type     string `json:"type"` // "start", "progress", "result"
	Node     string `json:"node"`
	Filename string `json:"filename,omitempty"`
	Sent     int    `json:"sent,omitempty"`
	Total    int    `json:"total,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	Stamp    int64  `json:"ts"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans flash events out to websocket subscribers.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	log.Printf("[ws] client connected (%d total)", h.count())

	// writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// reader, only to notice the close
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", h.count())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast never blocks; slow clients miss the event.
func (h *Hub) Broadcast(ev Event) {
	if ev.Stamp == 0 {
		ev.Stamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
