// Package typing is the best-effort typing-indicator channel: signals
// are broadcast to websocket subscribers of a conversation and never
// persisted. Losing one is fine; correctness lives elsewhere.
package typing

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatd/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 512,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Signal is one typing state change inside a conversation.
type Signal struct {
	Conversation string `json:"conversation"`
	User         string `json:"user"`
	Typing       bool   `json:"typing"`
	TS           int64  `json:"ts"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans typing signals out to the subscribers of each conversation.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*client]bool
}

func NewHub() *Hub {
	return &Hub{rooms: map[string]map[*client]bool{}}
}

// Broadcast sends the signal to every subscriber of the conversation.
// Slow subscribers are dropped rather than back-pressuring the sender.
func (h *Hub) Broadcast(convID, userID string, isTyping bool) {
	b, err := json.Marshal(Signal{
		Conversation: convID,
		User:         userID,
		Typing:       isTyping,
		TS:           time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[convID] {
		select {
		case c.send <- b:
		default:
			h.drop(convID, c)
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(convID string, c *client) {
	if room, ok := h.rooms[convID]; ok {
		if room[c] {
			delete(room, c)
			close(c.send)
		}
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
}

// ServeWS upgrades the connection and joins the caller to the
// conversation's room. Incoming frames are {"typing": bool} and are
// rebroadcast on the caller's behalf.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, convID, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("typing_upgrade_failed", "conversation", convID, "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 8)}

	h.mu.Lock()
	if h.rooms[convID] == nil {
		h.rooms[convID] = map[*client]bool{}
	}
	h.rooms[convID][c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(convID, userID, c)
}

func (h *Hub) readLoop(convID, userID string, c *client) {
	defer func() {
		h.mu.Lock()
		h.drop(convID, c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(256)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Typing bool `json:"typing"`
		}
		if err := json.Unmarshal(msg, &in); err != nil {
			continue
		}
		h.Broadcast(convID, userID, in.Typing)
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
