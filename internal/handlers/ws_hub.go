package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type liveClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	sessionID string
	closeOnce sync.Once
}

func (c *liveClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *liveClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// LiveHub tracks the open in-app sessions of each user. A user may be online
// from several tabs or devices at once.
type LiveHub struct {
	mu    sync.Mutex
	users map[string]map[string]*liveClient // userID -> sessionID -> client
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		users: make(map[string]map[string]*liveClient),
	}
}

func (h *LiveHub) Add(client *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.users[client.userID]
	if !ok {
		sessions = make(map[string]*liveClient)
		h.users[client.userID] = sessions
	}
	sessions[client.sessionID] = client
}

func (h *LiveHub) Remove(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.users[userID]
	if !ok {
		return
	}
	if client, exists := sessions[sessionID]; exists {
		client.closeSend()
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(h.users, userID)
	}
}

// Online reports the number of open sessions for userID.
func (h *LiveHub) Online(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

// Broadcast queues payload on every session of the given users and returns
// how many sessions accepted it. Sessions with a full queue are dropped.
func (h *LiveHub) Broadcast(userIDs []string, payload []byte) int {
	h.mu.Lock()
	var clients []*liveClient
	for _, userID := range userIDs {
		for _, client := range h.users[userID] {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	reached := 0
	for _, client := range clients {
		if !client.trySend(payload) {
			_ = client.conn.Close()
			continue
		}
		reached++
	}
	return reached
}

// CloseAll disconnects every session; used on shutdown.
func (h *LiveHub) CloseAll() {
	h.mu.Lock()
	users := h.users
	h.users = make(map[string]map[string]*liveClient)
	h.mu.Unlock()

	for _, sessions := range users {
		for _, client := range sessions {
			_ = client.conn.Close()
			client.closeSend()
		}
	}
}
