package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// auth happens upstream; the stream itself carries no secrets
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamEvents upgrades the request to a websocket and pushes broadcast
// events for the requested user (all users when user_id is empty) until the
// client goes away.
func (h *Handler) StreamEvents(c *gin.Context) {
	userID := c.Query("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("Failed to upgrade event stream: %v", err)
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe(userID, 64)
	defer sub.Cancel()
	h.logger.Infof("Event stream opened (user=%q)", userID)

	// drain client frames so close/pong handling works
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debugf("Event stream write failed (user=%q): %v", userID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.logger.Infof("Event stream closed (user=%q)", userID)
			return
		}
	}
}
