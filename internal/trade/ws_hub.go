// Package trade: WebSocket hub streaming engine events to clients.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantenergx/trading-engine/internal/events"
	"github.com/quantenergx/trading-engine/internal/metrics"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WSHub manages WebSocket connections and forwards every event it receives
// from the bus to all connected clients. Clients may narrow the stream with
// ?user_id= and ?instrument= query parameters.
type WSHub struct {
	clients    map[*websocket.Conn]filter
	broadcast  chan events.Event
	register   chan wsClient
	unregister chan *websocket.Conn
	stopped    chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

type filter struct {
	userID     string
	instrument string
}

func (f filter) accepts(ev events.Event) bool {
	if f.userID != "" {
		switch {
		case ev.Trade != nil:
			if ev.Trade.BuyerID != f.userID && ev.Trade.SellerID != f.userID {
				return false
			}
		case ev.UserID != f.userID:
			return false
		}
	}
	if f.instrument != "" {
		switch {
		case ev.Trade != nil:
			return ev.Trade.Instrument == f.instrument
		case ev.Order != nil:
			return ev.Order.Instrument == f.instrument
		default:
			return false
		}
	}
	return true
}

type wsClient struct {
	conn *websocket.Conn
	f    filter
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]filter),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Handle queues ev for broadcast. It never blocks the bus: when the
// broadcast buffer is full the event is dropped.
func (h *WSHub) Handle(_ context.Context, ev events.Event) error {
	select {
	case h.broadcast <- ev:
	default:
		metrics.EventsDropped.WithLabelValues("websocket").Inc()
	}
	return nil
}

// Run starts the hub's main loop and closes every connection when ctx is
// done.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.f
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.broadcast:
			h.send(ev)
		}
	}
}

func (h *WSHub) send(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws encode event", "kind", ev.Kind, "err", err)
		return
	}
	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, f := range h.clients {
		if !f.accepts(ev) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range failed {
		h.drop(conn)
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	q := r.URL.Query()
	select {
	case h.register <- wsClient{conn: conn, f: filter{userID: q.Get("user_id"), instrument: q.Get("instrument")}}:
	case <-h.stopped:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer func() {
			close(done)
			select {
			case h.unregister <- conn:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
}
