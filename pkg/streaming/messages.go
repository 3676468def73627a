package streaming

import (
	"encoding/json"

	"github.com/localizer/presence/pkg/core"
)

// Message type constants of the presence hub protocol.
const (
	TypeUpdate      = "update"
	TypeDelete      = "delete"
	TypeReadAll     = "read_all"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSnapshot    = "snapshot"
	TypeAck         = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage answers a request carrying a RequestID. Error is empty on success.
type AckMessage struct {
	Type      string         `json:"type"` // always "ack"
	For       string         `json:"for"`  // the message type being acknowledged
	RequestID string         `json:"requestId"`
	Error     string         `json:"error,omitempty"`
	Snapshot  *core.Snapshot `json:"snapshot,omitempty"`
}

// UpdatePayload carries a sparse patch for one user.
type UpdatePayload struct {
	RequestID string     `json:"requestId"`
	UserID    string     `json:"userId"`
	Patch     core.Patch `json:"patch"`
}

// DeletePayload removes one user from the collection.
type DeletePayload struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

// ReadAllPayload requests a one-shot copy of the collection.
type ReadAllPayload struct {
	RequestID string `json:"requestId"`
}

// SubscribePayload starts or stops the live snapshot feed of a connection.
type SubscribePayload struct {
	RequestID string `json:"requestId"`
}

// SnapshotPayload is pushed to subscribed connections on every change.
// Seq increases by one per snapshot produced by the hub.
type SnapshotPayload struct {
	Seq      uint64        `json:"seq"`
	Snapshot core.Snapshot `json:"snapshot"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
