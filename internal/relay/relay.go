// Package relay implements the rendezvous server devices pair through. It
// knows nothing about document contents: every frame received on a room is
// forwarded verbatim to the room's other participants.
package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4 << 20 // replicated documents travel as single frames
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; rooms are unguessable.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks rooms and their participants.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*client]bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]map[*client]bool),
	}
}

// Handler returns the HTTP surface: a health probe and the per-room
// websocket endpoint.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/room/{room}", h.serveRoom)
	return r
}

type client struct {
	hub  *Hub
	room string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (h *Hub) serveRoom(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(chi.URLParam(r, "room"))
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, room: room, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.join(c)
	h.log.Debug("participant joined", "room", room, "participants", h.participants(room))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[*client]bool)
	}
	h.rooms[c.room][c] = true
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.rooms[c.room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
}

func (h *Hub) participants(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// broadcast forwards a frame to every room member except the sender. A member
// whose send buffer is full is dropped rather than allowed to stall the room.
func (h *Hub) broadcast(from *client, frame []byte) {
	h.mu.Lock()
	var stalled []*client
	for member := range h.rooms[from.room] {
		if member == from {
			continue
		}
		select {
		case member.send <- frame:
		default:
			stalled = append(stalled, member)
		}
	}
	h.mu.Unlock()

	for _, member := range stalled {
		h.log.Warn("dropping stalled participant", "room", member.room)
		member.close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("participant read error", "room", c.room, "error", err)
			}
			return
		}
		c.hub.broadcast(c, frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	})
}
