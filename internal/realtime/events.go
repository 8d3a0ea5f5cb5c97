package realtime

import (
	"encoding/json"

	"github.com/driftline/backend/internal/models"
)

// Wire event names. Client to server: user-connected, send-message,
// user-disconnected. Server to client: new-post, new-message.
const (
	EventUserConnected    = "user-connected"
	EventSendMessage      = "send-message"
	EventUserDisconnected = "user-disconnected"
	EventNewPost          = "new-post"
	EventNewMessage       = "new-message"
)

// Envelope is the framing for every event crossing the websocket.
type Envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// SendMessagePayload is the client-supplied body of a send-message event
type SendMessagePayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// MessageEvent is the enriched payload delivered to the sender's and
// recipient's rooms. Identical bytes go to both.
type MessageEvent struct {
	models.Message
	SenderName string `json:"sender_name"`
}

func marshalEvent(eventType string, content interface{}) ([]byte, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Content: body})
}
