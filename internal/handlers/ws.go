package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

type liveHelloData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// HandleLiveFeed upgrades to a websocket that mirrors notifications to the
// user while the app is open. The feed is server to client only.
func (h *Handlers) HandleLiveFeed(c *gin.Context) {
	userID := currentUserID(c)

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &liveClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		userID:    userID,
		sessionID: uuid.NewString(),
	}

	hello, _ := json.Marshal(liveEnvelope{
		Type: "hello",
		Data: liveHelloData{UserID: userID, SessionID: client.sessionID},
	})
	client.trySend(hello)

	h.liveHub.Add(client)
	h.logger.Debug("ws connected", "user_id", userID, "session_id", client.sessionID, "sessions", h.liveHub.Online(userID))

	go h.writePump(client)
	h.readPump(client)
}

// readPump only drains control frames and detects disconnects.
func (h *Handlers) readPump(client *liveClient) {
	defer func() {
		h.logger.Debug("ws disconnect", "user_id", client.userID, "session_id", client.sessionID)
		_ = client.conn.Close()
		h.liveHub.Remove(client.userID, client.sessionID)
	}()

	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) writePump(client *liveClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
