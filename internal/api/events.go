package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluidtools/agent/internal/agent"
)

const (
	// sendBuffer is the per-subscriber event queue. Slow readers drop
	// events rather than stalling turns.
	sendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub fans turn events out to websocket subscribers, keyed by thread
// ID. It implements agent.EventSink.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan agent.Event
	done chan struct{}
	once sync.Once
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Event streams are observational; same-origin policy is
			// not load-bearing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish delivers an event to all subscribers of its thread without
// blocking the turn.
func (h *Hub) Publish(ev agent.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.ThreadID] {
		select {
		case sub.send <- ev:
		default:
			h.logger.Debug("dropping event for slow subscriber",
				"thread_id", ev.ThreadID, "type", ev.Type)
		}
	}
}

// CloseAll disconnects every subscriber, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for sub := range subs {
			sub.close()
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
}

func (h *Hub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan agent.Event, sendBuffer),
		done: make(chan struct{}),
	}
	h.add(threadID, sub)
	h.logger.Debug("event subscriber connected", "thread_id", threadID)

	go h.writeLoop(sub)
	h.readLoop(sub) // blocks until the client goes away
	h.remove(threadID, sub)
	h.logger.Debug("event subscriber disconnected", "thread_id", threadID)
}

func (h *Hub) add(threadID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[*subscriber]struct{})
	}
	h.subs[threadID][sub] = struct{}{}
}

func (h *Hub) remove(threadID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[threadID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, threadID)
		}
	}
	sub.close()
}

// readLoop discards client frames and handles pongs; its return signals
// disconnect.
func (h *Hub) readLoop(sub *subscriber) {
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case ev := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			_ = sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}
