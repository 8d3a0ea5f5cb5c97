package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one live websocket connection. The gateway owns it for the
// duration of the connection; the registry only holds a reference while
// the client is joined to a room.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// AuthID is the identity proven by the bearer token presented at
	// upgrade time. uuid.Nil when the connection carried no token.
	AuthID uuid.UUID

	mu        sync.Mutex
	userID    string // room currently joined, empty when none
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, authID uuid.UUID) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		AuthID: authID,
	}
}

// joinedRoom returns the user id of the room this handle is currently in
func (c *Client) joinedRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setJoinedRoom(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// enqueue attempts a non-blocking delivery to this handle. Events for a
// handle whose buffer is full are dropped; delivery is best-effort.
func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		log.Printf("[Realtime] Send buffer full, dropping event for client %s", c.ID[:8])
	}
}

// close releases the send channel exactly once. Safe to call from both
// the explicit-leave and abrupt-teardown paths.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// WritePump pushes queued events to the websocket and keeps the
// connection alive with periodic pings.
func (s *Service) WritePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes events from the websocket until the transport closes.
// Registry cleanup runs on every exit path, normal or abrupt.
func (s *Service) ReadPump(client *Client) {
	defer func() {
		s.Disconnect(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Realtime] WebSocket error: %v", err)
			}
			break
		}

		s.HandleMessage(client, message)
	}
}
