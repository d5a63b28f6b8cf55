// Package ws carries the same live-update events as the SSE stream over
// a websocket, for clients that prefer a bidirectional transport.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panchuko/panchuko/internal/api"
	"github.com/panchuko/panchuko/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type conn struct {
	ws     *websocket.Conn
	sub    *hub.Subscriber
	hub    *hub.Hub
	logger *slog.Logger
}

// ServeWS upgrades the request and streams the note's notification
// events as JSON text messages. The resource id comes from the
// ?resource= query parameter and is validated with the same rule as the
// REST routes.
func ServeWS(h *hub.Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	if logger == nil {
		logger = slog.Default()
	}

	resource := r.URL.Query().Get("resource")
	if !api.ValidResourceID(resource) {
		http.Error(w, "Invalid resource ID", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub, count := h.Subscribe(resource)

	c := &conn{ws: ws, sub: sub, hub: h, logger: logger}
	go c.writePump(count)
	go c.readPump()
}

// writePump sends the connected greeting, then one message per
// broadcast, with pings to keep intermediaries from timing the
// connection out.
func (c *conn) writePump(clients int) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(hub.Event{Type: "connected", Clients: clients}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-c.sub.Events:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is to notice the close or
// error signal so the registry entry is reclaimed promptly.
func (c *conn) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "resource", c.sub.Resource, "error", err)
			}
			return
		}
	}
}
